// Package audit streams chat verdicts to WebSocket subscribers. Each record
// is one JSON text message; subscribers that fall behind lose records rather
// than slowing the bridges down.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// subscriberBuffer is how many records a subscriber may lag behind.
	subscriberBuffer = 64

	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Record is one chat verdict.
type Record struct {
	Time      time.Time `json:"time"`
	Player    string    `json:"player"`
	Direction string    `json:"direction"`
	Verdict   string    `json:"verdict"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	Quiet     bool      `json:"quiet"`
}

// Hub fans records out to subscribers. A nil *Hub discards everything.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[chan Record]struct{}
	closed bool
	done   chan struct{}
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[chan Record]struct{}),
		done:   make(chan struct{}),
	}
}

// Publish delivers r to every subscriber with room in its buffer.
func (h *Hub) Publish(r Record) {
	if h == nil {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, subscriberBuffer)
	h.mu.Lock()
	if !h.closed {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers. The hub accepts no new ones afterwards.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.subs = make(map[chan Record]struct{})
	close(h.done)
}

// ServeHTTP upgrades the request to a WebSocket and streams records until
// the client goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("audit subscriber upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	// Subscribers only listen; CloseRead handles their control frames.
	ctx := ws.CloseRead(r.Context())

	records, cancel := h.Subscribe()
	defer cancel()
	h.logger.Debug("audit subscriber connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			_ = ws.Close(websocket.StatusGoingAway, "shutting down")
			return
		case rec := <-records:
			if err := write(ctx, ws, rec); err != nil {
				h.logger.Debug("audit subscriber gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, rec)
}
