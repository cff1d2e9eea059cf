// Package websocket projects the workflow event channel out to browser
// clients. One hub holds a standing bus subscription, a bounded replay
// buffer, and the live session set; sessions carry per-client filters
// and an outbound queue drained by a write pump.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer in front of the
	// upgrade; the handshake itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the session registry and the replay buffer. All session
// mutation and all outbound enqueues happen under one mutex, which is
// what guarantees each session sees subscribed, then recent_events, then
// live events in that order.
type Hub struct {
	cfg config.WebSocketConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	recent   []events.Event

	sub events.Subscription

	totalConnections   uint64
	eventsReceived     uint64
	eventsSent         uint64
	subscriptionsTotal uint64
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		cfg:      cfg,
		log:      logger.WithComponent("websocket"),
		sessions: make(map[string]*Session),
	}
}

// Start attaches the hub to the workflow event channel.
func (h *Hub) Start(bus events.Bus) error {
	sub, err := bus.Subscribe(events.ChannelWorkflowEvents, h.onEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	h.log.Info().Int("replay_capacity", h.cfg.RecentEventsCapacity).Msg("WebSocket hub started")
	return nil
}

// Stop detaches from the bus and closes every live session.
func (h *Hub) Stop() {
	if h.sub != nil {
		h.sub.Unsubscribe()
	}

	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		s.closed = true
		open = append(open, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range open {
		s.close()
	}
	h.log.Info().Msg("WebSocket hub stopped")
}

// HandleConnection upgrades the request and runs the session pumps.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s := &Session{
		ID:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendQueueCapacity),
		limiter: rate.NewLimiter(inboundFrameRate, inboundFrameBurst),
		filters: make(map[filter]struct{}),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.totalConnections++
	s.enqueueLocked(connectedMessage{
		Type:         msgConnected,
		SessionID:    s.ID,
		AuthRequired: h.cfg.RequireAuth,
		ServerTime:   time.Now().UTC(),
	})
	h.mu.Unlock()

	metrics.WSConnectedClients.Inc()
	metrics.WSConnectionsTotal.Inc()
	h.log.Debug().Str("session_id", s.ID).Msg("WebSocket client connected")

	go s.writePump()
	s.readPump()
}

// onEvent runs on the bus subscriber goroutine: record the event in the
// replay buffer, then fan it out to every eligible session.
func (h *Hub) onEvent(_ context.Context, evt events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventsReceived++
	h.recent = append(h.recent, evt)
	if limit := h.cfg.RecentEventsCapacity; limit > 0 && len(h.recent) > limit {
		h.recent = h.recent[len(h.recent)-limit:]
	}

	for _, s := range h.sessions {
		if !h.eligibleLocked(s) || !s.wantsLocked(evt) {
			continue
		}
		s.enqueueLocked(workflowEventMessage{Type: msgWorkflowEvent, Event: evt})
		h.eventsSent++
		metrics.WSEventsSentTotal.Inc()
	}
}

// eligibleLocked reports whether a session may receive events at all.
func (h *Hub) eligibleLocked(s *Session) bool {
	return s.authed || !h.cfg.RequireAuth
}

// subscribe records the filter and replays matching buffered events. The
// confirmation and the replay are enqueued under the hub lock so no live
// event can slip between them.
func (h *Hub) subscribe(s *Session, f filter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := s.filters[f]; !ok {
		s.filters[f] = struct{}{}
		h.subscriptionsTotal++
	}
	s.enqueueLocked(subscriptionMessage{Type: msgSubscribed, FilterType: f.Kind, ID: f.ID})

	matched := make([]events.Event, 0)
	for _, evt := range h.recent {
		if f.matches(evt) {
			matched = append(matched, evt)
		}
	}
	s.enqueueLocked(recentEventsMessage{Type: msgRecentEvents, Events: matched, Count: len(matched)})
}

func (h *Hub) unsubscribe(s *Session, f filter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(s.filters, f)
	s.enqueueLocked(subscriptionMessage{Type: msgUnsubscribed, FilterType: f.Kind, ID: f.ID})
}

func (h *Hub) authenticate(s *Session, token string) {
	ok := token == h.cfg.AuthToken
	message := "authenticated"
	if !ok {
		message = "invalid token"
	}

	h.mu.Lock()
	if ok {
		s.authed = true
	}
	s.enqueueLocked(authResponseMessage{Type: msgAuthResponse, Success: ok, Message: message})
	h.mu.Unlock()

	if !ok {
		h.log.Warn().Str("session_id", s.ID).Msg("WebSocket authentication failed")
	}
}

// sendError enqueues an error frame without touching session state.
func (h *Hub) sendError(s *Session, message string) {
	h.mu.Lock()
	s.enqueueLocked(errorMessage{Type: msgError, Message: message})
	h.mu.Unlock()
}

// remove forgets the session; called once from the read pump on exit.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	s.closed = true
	h.mu.Unlock()

	if present {
		metrics.WSConnectedClients.Dec()
		h.log.Debug().Str("session_id", s.ID).Msg("WebSocket client disconnected")
	}
}

// Stats is the hub counter snapshot served on the introspection
// endpoints.
type Stats struct {
	ConnectedClients   int    `json:"connected_clients"`
	TotalConnections   uint64 `json:"total_connections"`
	EventsReceived     uint64 `json:"events_received"`
	EventsSent         uint64 `json:"events_sent"`
	SubscriptionsTotal uint64 `json:"subscriptions_total"`
	RecentBufferSize   int    `json:"recent_buffer_size"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		ConnectedClients:   len(h.sessions),
		TotalConnections:   h.totalConnections,
		EventsReceived:     h.eventsReceived,
		EventsSent:         h.eventsSent,
		SubscriptionsTotal: h.subscriptionsTotal,
		RecentBufferSize:   len(h.recent),
	}
}

// marshalMessage is the single chokepoint for outbound encoding.
func marshalMessage(msg any) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return data, true
}
