package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brianfofficial/atlas/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	ssePingEvery = 15 * time.Second
)

// eventHub fans the bus out to websocket clients. One goroutine owns
// the client set; handlers only touch the register/unregister channels.
type eventHub struct {
	sub        *events.Subscription
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients int
}

func newEventHub(bus *events.Bus) *eventHub {
	h := &eventHub{
		sub:        bus.Subscribe(256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The auth middleware has already vetted the request; the
			// Origin header adds nothing for token-bearing clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

func (h *eventHub) run() {
	defer close(h.done)
	clients := make(map[*websocket.Conn]bool)
	defer func() {
		for c := range clients {
			c.Close()
		}
	}()

	for {
		select {
		case c := <-h.register:
			clients[c] = true
			h.setCount(len(clients))
			slog.Debug("[API] websocket client connected", "total", len(clients))

		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				c.Close()
			}
			h.setCount(len(clients))
			slog.Debug("[API] websocket client disconnected", "total", len(clients))

		case ev, ok := <-h.sub.C:
			if !ok {
				return
			}
			for c := range clients {
				c.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := c.WriteJSON(ev); err != nil {
					delete(clients, c)
					c.Close()
				}
			}
			h.setCount(len(clients))

		case <-h.stopCh:
			return
		}
	}
}

func (h *eventHub) setCount(n int) {
	h.mu.Lock()
	h.clients = n
	h.mu.Unlock()
}

// Clients reports the connected websocket count.
func (h *eventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

func (h *eventHub) stop() {
	h.stopOnce.Do(func() {
		h.sub.Close()
		close(h.stopCh)
		<-h.done
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "event feed disabled")
		return
	}
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] websocket upgrade failed", "error", err)
		return
	}
	select {
	case s.hub.register <- conn:
	case <-s.hub.stopCh:
		conn.Close()
		return
	}

	// Reads are discarded; the socket is one-way. The read loop exists
	// to notice the close frame.
	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.stopCh:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleEventsSSE streams bus events as Server-Sent Events. The
// optional topics parameter narrows the feed by prefix, comma
// separated: /v1/events?topics=approval.,trust.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, "event feed disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kindInternal, "streaming unsupported")
		return
	}

	var prefixes []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}
	sub := s.deps.Bus.Subscribe(64, prefixes...)
	defer sub.Close()

	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(ssePingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
