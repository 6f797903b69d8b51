package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
)

const (
	writeWait   = 10 * time.Second
	clientQueue = 64
)

// newUpgrader accepts requests without an Origin header (non-browser
// clients) and otherwise defers to allowed.
func newUpgrader(allowed func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" || allowed(r)
		},
	}
}

// Hub fans created notifications out to websocket clients. It is a bus
// subscriber; slow clients drop messages rather than block the bus.
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	logger  *slog.Logger
}

var _ bus.Subscriber = (*Hub)(nil)

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: map[chan []byte]struct{}{}, logger: logger}
}

// HandleEvent broadcasts activity-log.created events.
func (h *Hub) HandleEvent(_ context.Context, ev bus.Event) error {
	if ev.Name != activity.CreatedEventName {
		return nil
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("stream client lagging, dropping message")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add() chan []byte {
	ch := make(chan []byte, clientQueue)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *Hub) serve(c *gin.Context, upgrader *websocket.Upgrader) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "origin", c.GetHeader("Origin"), "error", err)
		return
	}
	defer ws.Close()

	ch := h.add()
	defer h.remove(ch)

	// The read loop only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case msg := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
