package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type client struct {
	conn      *websocket.Conn
	send      chan TransitionView
	closeOnce sync.Once
	done      chan struct{}
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		close(cl.done)
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = cl.conn.Close()
	})
}

func (cl *client) writeLoop() {
	for {
		select {
		case <-cl.done:
			return
		case tr := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := cl.conn.WriteJSON(gin.H{"transition": tr}); err != nil {
				cl.close()
				return
			}
		}
	}
}

// hub fans transitions out to websocket clients. broadcast never blocks:
// a client that cannot keep up loses messages.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: map[*client]struct{}{}}
}

func (h *hub) add(conn *websocket.Conn) *client {
	cl := &client{conn: conn, send: make(chan TransitionView, 32), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	return cl
}

func (h *hub) remove(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	cl.close()
}

func (h *hub) broadcast(tr TransitionView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- tr:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()
	for _, cl := range clients {
		cl.close()
	}
}
