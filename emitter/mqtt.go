package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"LiveDet/logger"
	"LiveDet/pipeline"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	Broker   string // host:port, or a full tcp:// / ws:// URL
	Topic    string
	ClientID string
	QoS      byte
}

// StateMessage is the retained payload describing the pipeline state.
type StateMessage struct {
	RunID string    `json:"runId,omitempty"`
	From  string    `json:"from"`
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

func NewStateMessage(tr pipeline.Transition) StateMessage {
	msg := StateMessage{
		RunID: tr.RunID,
		From:  tr.From.String(),
		State: tr.To.String(),
		At:    tr.At,
	}
	if tr.Err != nil {
		msg.Error = tr.Err.Error()
	}
	return msg
}

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes pipeline transitions to a retained MQTT topic.
// Notify never blocks; messages are published from a single goroutine.
type MQTTEmitter struct {
	cfg       Config
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client
	pub       publisher
	log       *zap.Logger
	timeout   time.Duration

	queue chan StateMessage
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.ClientID == "" {
		cfg.ClientID = "livedet-" + uuid.NewString()[:8]
	}
	return &MQTTEmitter{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		log:       logger.Named("emitter"),
		timeout:   5 * time.Second,
		queue:     make(chan StateMessage, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection and starts the publish loop.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established",
			zap.String("broker", e.cfg.Broker),
			zap.String("clientID", e.cfg.ClientID))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect",
			zap.String("broker", e.cfg.Broker),
			zap.Error(err))
	}

	client := e.newClient(opts)
	e.log.Info("connecting to mqtt broker", zap.String("broker", e.cfg.Broker))

	// with connect retry on, the token only completes once connected; a caller
	// that gives up must stop the client or it keeps redialing in the background
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(e.timeout):
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.client = client
	e.setConnected(true)
	e.start(client)
	return nil
}

func (e *MQTTEmitter) start(pub publisher) {
	e.pub = pub
	go e.loop()
}

func (e *MQTTEmitter) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case msg := <-e.queue:
			if err := e.publish(msg); err != nil {
				e.log.Warn("state publish failed", zap.String("state", msg.State), zap.Error(err))
			}
		}
	}
}

// Notify queues tr for publishing. It is safe to use as a pipeline
// transition listener.
func (e *MQTTEmitter) Notify(tr pipeline.Transition) {
	select {
	case e.queue <- NewStateMessage(tr):
	default:
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.log.Warn("state queue full, dropping transition", zap.Stringer("state", tr.To))
	}
}

func (e *MQTTEmitter) publish(msg StateMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	token := e.pub.Publish(e.cfg.Topic, e.cfg.QoS, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.log.Debug("state published", zap.String("topic", e.cfg.Topic), zap.String("state", msg.State))
	return nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

type Stats struct {
	Published uint64
	Errors    uint64
	Connected bool
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Published: e.published, Errors: e.errors, Connected: e.connected}
}

// Close stops the publish loop and disconnects.
func (e *MQTTEmitter) Close() {
	e.once.Do(func() {
		close(e.stop)
		if e.pub != nil {
			<-e.done
		}
		if e.client != nil {
			e.client.Disconnect(250)
		}
		e.setConnected(false)
	})
}
