package websocket

import (
	"encoding/json"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendQueueCapacity = 256

	// Inbound control frames are cheap for clients to spam; sustained
	// rate and burst are per session.
	inboundFrameRate  = rate.Limit(20)
	inboundFrameBurst = 40
)

// Session is one connected client. The filters and authed fields are
// guarded by the hub mutex; the pumps own the connection.
type Session struct {
	ID      string
	hub     *Hub
	conn    *gorilla.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once

	// Guarded by hub.mu.
	authed  bool
	closed  bool
	filters map[filter]struct{}
}

// enqueueLocked marshals and queues one outbound frame. Callers hold
// hub.mu, which serializes enqueues and preserves per-session order. A
// full queue drops the frame rather than blocking the fan-out loop.
func (s *Session) enqueueLocked(msg any) {
	if s.closed {
		return
	}
	data, ok := marshalMessage(msg)
	if !ok {
		return
	}
	select {
	case s.send <- data:
	default:
		s.hub.log.Warn().Str("session_id", s.ID).Msg("Session send queue full, dropping frame")
	}
}

// wantsLocked reports whether any session filter matches the event.
// Callers hold hub.mu. A session with no filters receives nothing.
func (s *Session) wantsLocked(evt events.Event) bool {
	for f := range s.filters {
		if f.matches(evt) {
			return true
		}
	}
	return false
}

// readPump consumes client frames until the connection drops or a
// protocol violation forces a disconnect.
func (s *Session) readPump() {
	defer func() {
		s.hub.remove(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure) {
				s.hub.log.Debug().Err(err).Str("session_id", s.ID).Msg("WebSocket read error")
			}
			return
		}

		if !s.limiter.Allow() {
			s.hub.sendError(s, "rate limit exceeded")
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed JSON is a protocol violation, not a bad request.
			s.hub.sendError(s, "malformed message")
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg clientMessage) {
	switch msg.Type {
	case msgAuthenticate:
		s.hub.authenticate(s, msg.Token)

	case msgSubscribeWorkflow:
		s.trySubscribe(filter{Kind: FilterWorkflow, ID: msg.WorkflowID})
	case msgSubscribeBot:
		s.trySubscribe(filter{Kind: FilterBot, ID: msg.BotID})
	case msgSubscribeStrategy:
		s.trySubscribe(filter{Kind: FilterStrategy, ID: msg.StrategyID})

	case msgUnsubscribe:
		if msg.Filter == "" || msg.ID == "" {
			s.hub.sendError(s, "unsubscribe requires filter and id")
			return
		}
		s.hub.unsubscribe(s, filter{Kind: msg.Filter, ID: msg.ID})

	default:
		s.hub.sendError(s, "unknown message type: "+msg.Type)
	}
}

func (s *Session) trySubscribe(f filter) {
	if f.ID == "" {
		s.hub.sendError(s, "subscription requires an id")
		return
	}
	if s.hub.cfg.RequireAuth && !s.isAuthed() {
		s.hub.sendError(s, "authentication required")
		return
	}
	s.hub.subscribe(s, f)
}

func (s *Session) isAuthed() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.authed
}

// writePump drains the send queue onto the wire and keeps the
// connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(gorilla.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close ends the write pump and the connection; safe to call twice.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}
