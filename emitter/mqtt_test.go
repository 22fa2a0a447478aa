package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"LiveDet/pipeline"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestNewStateMessage(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	msg := NewStateMessage(pipeline.Transition{
		From:  pipeline.Running,
		To:    pipeline.Error,
		Err:   errors.New("capture: no device"),
		RunID: "run-1",
		At:    at,
	})
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"run-1","from":"running","state":"error","error":"capture: no device","at":"2026-10-19T08:00:00Z"}`, string(b))

	msg = NewStateMessage(pipeline.Transition{From: pipeline.Idle, To: pipeline.Starting, At: at})
	assert.Empty(t, msg.Error)
	assert.Empty(t, msg.RunID)
}

func TestMQTTEmitter_All(t *testing.T) {
	pub := &fakePublisher{}
	e := NewMQTTEmitter(Config{Topic: "livedet/pipeline/state", QoS: 1})
	e.start(pub)
	defer e.Close()

	t.Run("Test ClientID", func(t *testing.T) {
		assert.Contains(t, e.cfg.ClientID, "livedet-")
	})

	t.Run("Test Notify", func(t *testing.T) {
		e.Notify(pipeline.Transition{From: pipeline.Idle, To: pipeline.Starting, RunID: "r1", At: time.Now()})
		e.Notify(pipeline.Transition{From: pipeline.Starting, To: pipeline.Running, RunID: "r1", At: time.Now()})
		require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)

		pub.mu.Lock()
		last := pub.calls[1]
		pub.mu.Unlock()
		assert.Equal(t, "livedet/pipeline/state", last.topic)
		assert.Equal(t, byte(1), last.qos)
		assert.True(t, last.retained)

		var msg StateMessage
		require.NoError(t, json.Unmarshal(last.payload, &msg))
		assert.Equal(t, "running", msg.State)
		assert.Equal(t, "starting", msg.From)
		assert.Equal(t, uint64(2), e.Stats().Published)
	})

	t.Run("Test Publish Error", func(t *testing.T) {
		pub.mu.Lock()
		pub.err = errors.New("not connected")
		pub.mu.Unlock()
		e.Notify(pipeline.Transition{From: pipeline.Running, To: pipeline.Stopping, At: time.Now()})
		require.Eventually(t, func() bool { return e.Stats().Errors == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, uint64(2), e.Stats().Published)
	})

	t.Run("Test Close", func(t *testing.T) {
		e.Close()
		e.Close()
		assert.False(t, e.Stats().Connected)
	})
}

// fakeClient never finishes connecting unless connectErr is set.
type fakeClient struct {
	mqtt.Client
	connectErr  error
	disconnects atomic.Int32
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return newFakeToken(c.connectErr)
	}
	return &fakeToken{done: make(chan struct{})}
}

func (c *fakeClient) Disconnect(quiesce uint) { c.disconnects.Add(1) }

func TestMQTTEmitter_ConnectFailure(t *testing.T) {
	newEmitter := func(c *fakeClient) *MQTTEmitter {
		e := NewMQTTEmitter(Config{Broker: "127.0.0.1:1", Topic: "livedet/pipeline/state"})
		e.newClient = func(*mqtt.ClientOptions) mqtt.Client { return c }
		e.timeout = 20 * time.Millisecond
		return e
	}

	t.Run("Timeout stops the client", func(t *testing.T) {
		c := &fakeClient{}
		e := newEmitter(c)
		assert.Error(t, e.Connect(context.Background()))
		assert.Equal(t, int32(1), c.disconnects.Load())
		assert.False(t, e.Stats().Connected)
	})

	t.Run("Cancelled context stops the client", func(t *testing.T) {
		c := &fakeClient{}
		e := newEmitter(c)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, e.Connect(ctx), context.Canceled)
		assert.Equal(t, int32(1), c.disconnects.Load())
	})

	t.Run("Connect error stops the client", func(t *testing.T) {
		c := &fakeClient{connectErr: errors.New("not authorized")}
		e := newEmitter(c)
		assert.ErrorContains(t, e.Connect(context.Background()), "not authorized")
		assert.Equal(t, int32(1), c.disconnects.Load())
		e.Close()
		assert.Equal(t, int32(1), c.disconnects.Load())
	})
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ws://broker:9001", brokerURL("ws://broker:9001"))
}
