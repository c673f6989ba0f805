package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"
)

// Error kinds carried in session-local error_message events. Publish
// failures are a distinct kind so the dashboard can tell "not allowed"
// from "device unreachable".
const (
	errKindUnauthorized  = "unauthorized"
	errKindInvalid       = "invalid"
	errKindNotFound      = "not_found"
	errKindPublishFailed = "publish_failed"
	errKindBusy          = "busy"
)

// allowedCommands is the manual-control allow list understood by the
// firmware: forward, back, left, right, stop, pickup, drop, emergency stop.
var allowedCommands = map[string]bool{
	"F": true, "B": true, "L": true, "R": true,
	"S": true, "P": true, "D": true, "X": true,
}

type busPublisher interface {
	Publish(topic string, payload []byte) error
}

type broadcaster interface {
	Broadcast(event string, data any)
}

type notifier interface {
	Notify(event string, data any)
}

type busMessageEvent struct {
	topic   string
	payload []byte
}

type clientRequestEvent struct {
	session notifier
	name    string
	data    json.RawMessage
}

type sessionConnectedEvent struct {
	session notifier
}

type healthCheckEvent struct {
	staleAfter time.Duration
}

type manualControlRequest struct {
	Command string `json:"command"`
	Token   string `json:"token"`
}

type feedbackRequest struct {
	ID       int64  `json:"id"`
	Feedback string `json:"feedback"`
	Token    string `json:"token"`
}

// Relay is the bridge between the device bus and the dashboard sessions.
// Every event, whether from the bus or from a session, goes through one
// bounded queue drained by a single worker goroutine, so store mutations and
// accuracy recomputation are serialized without locks.
type Relay struct {
	db           *sql.DB
	auth         *TokenAuthenticator
	bus          busPublisher
	hub          broadcaster
	events       chan any
	backlogLimit int

	// Touched only on the worker goroutine. Seeded with the start time so
	// the watchdog grants a grace period before calling the device offline.
	lastHealth time.Time
}

func NewRelay(cfg Config, db *sql.DB, auth *TokenAuthenticator, bus busPublisher, hub broadcaster) *Relay {
	return &Relay{
		db:           db,
		auth:         auth,
		bus:          bus,
		hub:          hub,
		events:       make(chan any, cfg.EventQueueSize),
		backlogLimit: cfg.BacklogLimit,
		lastHealth:   time.Now(),
	}
}

// Run drains the event queue until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-r.events:
			switch e := evt.(type) {
			case busMessageEvent:
				r.handleBusMessage(e.topic, e.payload)
			case clientRequestEvent:
				r.handleClientRequest(e.session, e.name, e.data)
			case sessionConnectedEvent:
				r.handleSessionConnected(e.session)
			case healthCheckEvent:
				r.handleHealthCheck(e.staleAfter)
			}
		}
	}
}

// EnqueueBusMessage never blocks the bus callback: if the queue is full the
// message is dropped, consistent with at-most-once telemetry.
func (r *Relay) EnqueueBusMessage(topic string, payload []byte) {
	select {
	case r.events <- busMessageEvent{topic: topic, payload: payload}:
	default:
		log.Printf("relay queue full, dropping bus message on %s", topic)
	}
}

func (r *Relay) EnqueueClientRequest(s *Session, name string, data json.RawMessage) {
	select {
	case r.events <- clientRequestEvent{session: s, name: name, data: data}:
	default:
		s.Notify(eventError, errorPayload{Kind: errKindBusy, Message: "server busy, try again"})
	}
}

func (r *Relay) EnqueueSessionConnected(s *Session) {
	select {
	case r.events <- sessionConnectedEvent{session: s}:
	default:
		log.Printf("relay queue full, skipping session backlog")
	}
}

// CheckHealthStaleness is called from the watchdog scheduler. The check
// itself runs on the worker goroutine where lastHealth lives.
func (r *Relay) CheckHealthStaleness(staleAfter time.Duration) {
	select {
	case r.events <- healthCheckEvent{staleAfter: staleAfter}:
	default:
	}
}

func (r *Relay) handleBusMessage(topic string, payload []byte) {
	switch topic {
	case topicHealth:
		if !json.Valid(payload) {
			log.Printf("malformed payload on %s, dropping", topic)
			return
		}
		r.lastHealth = time.Now()
		r.hub.Broadcast(eventHealthUpdate, json.RawMessage(payload))
	case topicActivity:
		if !json.Valid(payload) {
			log.Printf("malformed payload on %s, dropping", topic)
			return
		}
		r.hub.Broadcast(eventChartUpdate, json.RawMessage(payload))
	case topicDetection:
		r.handleDetection(payload)
	default:
		log.Printf("unhandled topic %s, ignoring", topic)
	}
}

func (r *Relay) handleDetection(payload []byte) {
	var p detectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("malformed payload on %s, dropping: %v", topicDetection, err)
		return
	}
	if p.Item == "" {
		log.Printf("detection without item, dropping")
		return
	}

	id, err := InsertDetection(r.db, p.Item, p.Confidence)
	if err != nil {
		log.Printf("detection insert error, dropping: %v", err)
		return
	}

	r.hub.Broadcast(eventDetectionUpdate, Detection{
		ID:         id,
		Item:       p.Item,
		Confidence: p.Confidence,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	})
	r.broadcastAccuracy()
}

func (r *Relay) handleClientRequest(s notifier, name string, data json.RawMessage) {
	switch name {
	case requestManualControl:
		var req manualControlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.Notify(eventError, errorPayload{Kind: errKindInvalid, Message: "malformed request"})
			return
		}
		r.handleManualControl(s, req)
	case requestFeedback:
		var req feedbackRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.Notify(eventError, errorPayload{Kind: errKindInvalid, Message: "malformed request"})
			return
		}
		r.handleFeedback(s, req)
	default:
		log.Printf("unknown client request %q, ignoring", name)
	}
}

// handleManualControl gates a dashboard command onto the control topic.
// Token check strictly precedes command validation, and both precede the
// publish.
func (r *Relay) handleManualControl(s notifier, req manualControlRequest) {
	subject, err := r.auth.VerifyToken(req.Token)
	if err != nil {
		s.Notify(eventError, errorPayload{Kind: errKindUnauthorized, Message: "invalid or missing token"})
		return
	}
	if !allowedCommands[req.Command] {
		s.Notify(eventError, errorPayload{Kind: errKindInvalid, Message: "unknown command " + strconv.Quote(req.Command)})
		return
	}

	payload, _ := json.Marshal(controlPayload{Command: req.Command, Subject: subject})
	if err := r.bus.Publish(topicControl, payload); err != nil {
		log.Printf("control publish error: %v", err)
		s.Notify(eventError, errorPayload{Kind: errKindPublishFailed, Message: "device unreachable"})
		return
	}
	log.Printf("manual command %s by %s", req.Command, subject)
}

// handleFeedback applies dashboard feedback to a detection and refreshes the
// accuracy snapshot for everyone. The feedback is also forwarded upstream
// for the ML service, independent of the local store outcome.
func (r *Relay) handleFeedback(s notifier, req feedbackRequest) {
	subject, err := r.auth.VerifyToken(req.Token)
	if err != nil {
		s.Notify(eventError, errorPayload{Kind: errKindUnauthorized, Message: "invalid or missing token"})
		return
	}
	if req.Feedback != StatusCorrect && req.Feedback != StatusIncorrect {
		s.Notify(eventError, errorPayload{Kind: errKindInvalid, Message: "feedback must be correct or incorrect"})
		return
	}

	payload, _ := json.Marshal(feedbackPayload{ID: req.ID, Feedback: req.Feedback, Subject: subject})
	if err := r.bus.Publish(topicFeedback, payload); err != nil {
		log.Printf("feedback forward error: %v", err)
	}

	if err := SetDetectionStatus(r.db, req.ID, req.Feedback); err != nil {
		if errors.Is(err, ErrDetectionNotFound) {
			s.Notify(eventError, errorPayload{Kind: errKindNotFound, Message: "unknown detection id"})
		} else {
			log.Printf("feedback store error: %v", err)
		}
		return
	}
	log.Printf("feedback from %s: detection %d -> %s", subject, req.ID, req.Feedback)

	if d, err := GetDetectionByID(r.db, req.ID); err == nil {
		r.hub.Broadcast(eventDetectionUpdate, d)
	} else {
		log.Printf("detection reload error: %v", err)
	}
	r.broadcastAccuracy()
}

// handleSessionConnected replays the recent detection backlog and the
// current accuracy to a freshly connected session only.
func (r *Relay) handleSessionConnected(s notifier) {
	detections, err := GetRecentDetections(r.db, r.backlogLimit)
	if err != nil {
		log.Printf("backlog query error: %v", err)
		return
	}
	for _, d := range detections {
		s.Notify(eventDetectionUpdate, d)
	}
	accuracy, err := ComputeAccuracy(r.db)
	if err != nil {
		log.Printf("accuracy query error: %v", err)
		accuracy = 0
	}
	s.Notify(eventAccuracyUpdate, accuracyPayload{Accuracy: formatAccuracy(accuracy)})
}

func (r *Relay) handleHealthCheck(staleAfter time.Duration) {
	age := time.Since(r.lastHealth)
	if age <= staleAfter {
		return
	}
	log.Printf("no health message for %s, broadcasting offline", age.Round(time.Second))
	r.hub.Broadcast(eventHealthUpdate, map[string]any{"online": false})
}

// broadcastAccuracy recomputes from the full store and pushes the snapshot
// to every session. A store failure degrades to "0.0" rather than crashing
// or going silent.
func (r *Relay) broadcastAccuracy() {
	accuracy, err := ComputeAccuracy(r.db)
	if err != nil {
		log.Printf("accuracy query error: %v", err)
		accuracy = 0
	}
	r.hub.Broadcast(eventAccuracyUpdate, accuracyPayload{Accuracy: formatAccuracy(accuracy)})
}

func formatAccuracy(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
