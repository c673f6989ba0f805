package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dashboard event names, server to client.
const (
	eventHealthUpdate    = "health_update"
	eventChartUpdate     = "chart_update"
	eventDetectionUpdate = "detection_update"
	eventAccuracyUpdate  = "accuracy_update"
	eventError           = "error_message"
)

// Client request names, client to server.
const (
	requestManualControl = "manual_control"
	requestFeedback      = "ml_feedback"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Event is the wire envelope in both directions.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// clientEnvelope defers decoding of request data until the relay worker
// handles it.
type clientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var upgrader = websocket.Upgrader{
	// The dashboard may be served from a different origin in development,
	// same as the original CORS-open setup.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans relay events out to every connected dashboard session. A single
// goroutine owns the session set, so broadcasts are applied in the order the
// relay emits them.
type Hub struct {
	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	broadcast  chan Event

	sendBuffer int

	// OnConnect and OnRequest are set once at startup, before Run.
	OnConnect func(s *Session)
	OnRequest func(s *Session, event string, data json.RawMessage)
}

func NewHub(sendBuffer int) *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan Event, 64),
		sendBuffer: sendBuffer,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for s := range h.sessions {
				close(s.done)
				delete(h.sessions, s)
			}
			return
		case s := <-h.register:
			h.sessions[s] = true
			log.Printf("dashboard session connected (%d active)", len(h.sessions))
		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.done)
				log.Printf("dashboard session disconnected (%d active)", len(h.sessions))
			}
		case evt := <-h.broadcast:
			for s := range h.sessions {
				select {
				case s.send <- evt:
				default:
					// Session too slow to drain; drop it rather than
					// stall the other sessions.
					delete(h.sessions, s)
					close(s.done)
					log.Printf("dashboard session dropped: send buffer full")
				}
			}
		}
	}
}

// Broadcast queues an event for every connected session.
func (h *Hub) Broadcast(event string, data any) {
	h.broadcast <- Event{Event: event, Data: data}
}

// Session is one live dashboard connection. It holds no server-side state
// beyond the transport. The send channel is never closed: the relay worker
// may still hold a reference to a session after the hub has let go of it,
// so teardown is signalled through done instead.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
	done chan struct{}
}

// Notify queues an event for this session only. Session-local errors
// (unauthorized, invalid request) go through here so they are never
// broadcast. Safe to call after the session has been dropped; the event is
// discarded.
func (s *Session) Notify(event string, data any) {
	select {
	case <-s.done:
	case s.send <- Event{Event: event, Data: data}:
	default:
		// Same policy as broadcast: a stalled session loses events.
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var env clientEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session read error: %v", err)
			}
			return
		}
		if s.hub.OnRequest != nil {
			s.hub.OnRequest(s, env.Event, env.Data)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case evt := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP request to a dashboard session.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	s := &Session{
		hub:  hub,
		conn: conn,
		send: make(chan Event, hub.sendBuffer),
		done: make(chan struct{}),
	}
	hub.register <- s

	go s.writePump()
	go s.readPump()

	if hub.OnConnect != nil {
		hub.OnConnect(s)
	}
}
