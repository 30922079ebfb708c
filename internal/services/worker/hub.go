package worker

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventFilter narrows a subscription to part of the lifecycle stream:
// a set of event types, a single job id, or a job class. Zero fields
// match everything.
type EventFilter struct {
	Types map[string]bool
	JobID string
	Name  string
}

// ParseEventFilter reads a filter from /ws query parameters:
// types (comma-separated event types), job (a job id), and name
// (a qualified job class name).
func ParseEventFilter(q url.Values) EventFilter {
	filter := EventFilter{
		JobID: q.Get("job"),
		Name:  q.Get("name"),
	}
	if raw := q.Get("types"); raw != "" {
		filter.Types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types[t] = true
			}
		}
	}
	return filter
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(evt models.JobEvent) bool {
	if len(f.Types) > 0 && !f.Types[evt.Type] {
		return false
	}
	if f.JobID != "" && f.JobID != evt.JobID {
		return false
	}
	if f.Name != "" && f.Name != evt.Name {
		return false
	}
	return true
}

// subscriber is one WebSocket consumer of the lifecycle stream.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	filter EventFilter
}

// EventHub publishes job lifecycle events to WebSocket subscribers.
// The queue controller broadcasts on enqueue and the worker engine on
// dispatch, finalization and removal; operators watch transitions live instead
// of polling the queue. Delivery is best-effort: a subscriber that
// cannot keep up is dropped so it can never stall a finalizer.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *common.Logger
}

// NewEventHub creates a hub with no subscribers.
func NewEventHub(logger *common.Logger) *EventHub {
	return &EventHub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Broadcast fans an event out to every subscriber whose filter matches.
// The event is marshalled once, and the send never blocks.
func (h *EventHub) Broadcast(evt models.JobEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal job event")
		return
	}

	var stalled []*subscriber
	h.mu.RLock()
	for sub := range h.subs {
		if !sub.filter.Matches(evt) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stalled {
		h.logger.Debug().Str("type", evt.Type).Msg("Dropping stalled event subscriber")
		h.drop(sub)
	}
}

// drop removes a subscriber and releases its writer.
func (h *EventHub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Stop disconnects all subscribers and refuses new ones.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Subscribers returns the number of connected consumers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the connection and streams matching events until the
// client goes away.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := &subscriber{
		conn:   conn,
		send:   make(chan []byte, 64),
		filter: ParseEventFilter(r.URL.Query()),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// writeLoop drains the subscriber's queue onto the socket, pinging to
// keep the connection alive between events.
func (h *EventHub) writeLoop(sub *subscriber) {
	ping := time.NewTicker(20 * time.Second)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop watches for the client closing the connection. The stream is
// one-way; inbound payloads are discarded.
func (h *EventHub) readLoop(sub *subscriber) {
	defer h.drop(sub)

	sub.conn.SetReadLimit(256)
	sub.conn.SetReadDeadline(time.Now().Add(75 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(75 * time.Second))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
