package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	published []publishedMessage
	err       error
}

func (f *fakeBus) Publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{topic: topic, payload: payload})
	return nil
}

type fakeHub struct {
	events []Event
}

func (f *fakeHub) Broadcast(event string, data any) {
	f.events = append(f.events, Event{Event: event, Data: data})
}

func (f *fakeHub) lastByName(name string) (Event, bool) {
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == name {
			return f.events[i], true
		}
	}
	return Event{}, false
}

type fakeSession struct {
	events []Event
}

func (f *fakeSession) Notify(event string, data any) {
	f.events = append(f.events, Event{Event: event, Data: data})
}

func (f *fakeSession) errorKinds() []string {
	var kinds []string
	for _, evt := range f.events {
		if evt.Event == eventError {
			kinds = append(kinds, evt.Data.(errorPayload).Kind)
		}
	}
	return kinds
}

func newTestRelay(t *testing.T) (*Relay, *sql.DB, *fakeBus, *fakeHub) {
	t.Helper()
	db := newTestDB(t)
	bus := &fakeBus{}
	hub := &fakeHub{}
	cfg := Config{}
	applyDefaults(&cfg)
	auth := NewTokenAuthenticator("test-secret", time.Hour)
	return NewRelay(cfg, db, auth, bus, hub), db, bus, hub
}

func validToken(t *testing.T, subject string) string {
	t.Helper()
	auth := NewTokenAuthenticator("test-secret", time.Hour)
	token, err := auth.IssueToken(subject)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func rawRequest(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}

func TestDetectionIngestAndFeedbackScenario(t *testing.T) {
	relay, db, bus, hub := newTestRelay(t)

	relay.handleBusMessage(topicDetection, []byte(`{"item":"bottle","confidence":92}`))

	evt, ok := hub.lastByName(eventDetectionUpdate)
	if !ok {
		t.Fatalf("expected detection_update broadcast")
	}
	d := evt.Data.(Detection)
	if d.ID != 1 || d.Item != "bottle" || d.Confidence != 92 || d.Status != StatusPending {
		t.Fatalf("unexpected detection_update %+v", d)
	}
	acc, ok := hub.lastByName(eventAccuracyUpdate)
	if !ok {
		t.Fatalf("expected accuracy_update broadcast after insert")
	}
	if got := acc.Data.(accuracyPayload).Accuracy; got != "0.0" {
		t.Fatalf("expected accuracy 0.0 while pending, got %q", got)
	}

	session := &fakeSession{}
	relay.handleClientRequest(session, requestFeedback, rawRequest(t, feedbackRequest{
		ID: 1, Feedback: StatusCorrect, Token: validToken(t, "admin"),
	}))

	if kinds := session.errorKinds(); len(kinds) != 0 {
		t.Fatalf("expected no session errors, got %v", kinds)
	}
	stored, err := GetDetectionByID(db, 1)
	if err != nil {
		t.Fatalf("GetDetectionByID failed: %v", err)
	}
	if stored.Status != StatusCorrect {
		t.Fatalf("expected status correct, got %q", stored.Status)
	}
	acc, _ = hub.lastByName(eventAccuracyUpdate)
	if got := acc.Data.(accuracyPayload).Accuracy; got != "100.0" {
		t.Fatalf("expected accuracy 100.0, got %q", got)
	}
	evt, _ = hub.lastByName(eventDetectionUpdate)
	if evt.Data.(Detection).Status != StatusCorrect {
		t.Fatalf("expected detection_update with resolved status")
	}

	// The feedback was also forwarded upstream for the ML service.
	if len(bus.published) != 1 || bus.published[0].topic != topicFeedback {
		t.Fatalf("expected one upstream feedback publish, got %+v", bus.published)
	}
	var fwd feedbackPayload
	if err := json.Unmarshal(bus.published[0].payload, &fwd); err != nil {
		t.Fatalf("unmarshal forwarded feedback: %v", err)
	}
	if fwd.ID != 1 || fwd.Feedback != StatusCorrect || fwd.Subject != "admin" {
		t.Fatalf("unexpected forwarded feedback %+v", fwd)
	}
}

func TestMalformedDetectionDropped(t *testing.T) {
	relay, db, _, hub := newTestRelay(t)

	relay.handleBusMessage(topicDetection, []byte(`{"item":`))
	relay.handleBusMessage(topicDetection, []byte(`{"confidence":50}`))

	if len(hub.events) != 0 {
		t.Fatalf("expected no broadcasts for malformed payloads, got %+v", hub.events)
	}
	detections, err := GetRecentDetections(db, 10)
	if err != nil {
		t.Fatalf("GetRecentDetections failed: %v", err)
	}
	if len(detections) != 0 {
		t.Fatalf("expected empty store, got %d rows", len(detections))
	}
}

func TestHealthAndActivityBroadcastVerbatim(t *testing.T) {
	relay, _, _, hub := newTestRelay(t)

	relay.handleBusMessage(topicHealth, []byte(`{"battery":87,"online":true}`))
	relay.handleBusMessage(topicActivity, []byte(`{"hour":14,"count":3}`))
	relay.handleBusMessage(topicHealth, []byte(`not json`))
	relay.handleBusMessage("trashcan/unknown", []byte(`{}`))

	if len(hub.events) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(hub.events))
	}
	if hub.events[0].Event != eventHealthUpdate {
		t.Fatalf("expected health_update first, got %s", hub.events[0].Event)
	}
	if string(hub.events[0].Data.(json.RawMessage)) != `{"battery":87,"online":true}` {
		t.Fatalf("health payload not verbatim: %s", hub.events[0].Data)
	}
	if hub.events[1].Event != eventChartUpdate {
		t.Fatalf("expected chart_update second, got %s", hub.events[1].Event)
	}
}

func TestManualControlRequiresToken(t *testing.T) {
	relay, _, bus, _ := newTestRelay(t)
	session := &fakeSession{}

	relay.handleClientRequest(session, requestManualControl, rawRequest(t, manualControlRequest{
		Command: "F",
	}))

	if len(bus.published) != 0 {
		t.Fatalf("command without token must never reach the bus, got %+v", bus.published)
	}
	kinds := session.errorKinds()
	if len(kinds) != 1 || kinds[0] != errKindUnauthorized {
		t.Fatalf("expected one unauthorized error, got %v", kinds)
	}
}

func TestManualControlRejectsUnknownCommand(t *testing.T) {
	relay, _, bus, _ := newTestRelay(t)
	session := &fakeSession{}

	relay.handleClientRequest(session, requestManualControl, rawRequest(t, manualControlRequest{
		Command: "Q", Token: validToken(t, "admin"),
	}))

	if len(bus.published) != 0 {
		t.Fatalf("invalid command must be rejected before publish, got %+v", bus.published)
	}
	kinds := session.errorKinds()
	if len(kinds) != 1 || kinds[0] != errKindInvalid {
		t.Fatalf("expected one invalid error, got %v", kinds)
	}
}

func TestManualControlPublishesWithSubject(t *testing.T) {
	relay, _, bus, _ := newTestRelay(t)
	session := &fakeSession{}

	relay.handleClientRequest(session, requestManualControl, rawRequest(t, manualControlRequest{
		Command: "S", Token: validToken(t, "admin"),
	}))

	if kinds := session.errorKinds(); len(kinds) != 0 {
		t.Fatalf("expected no session errors, got %v", kinds)
	}
	if len(bus.published) != 1 || bus.published[0].topic != topicControl {
		t.Fatalf("expected one control publish, got %+v", bus.published)
	}
	var cmd controlPayload
	if err := json.Unmarshal(bus.published[0].payload, &cmd); err != nil {
		t.Fatalf("unmarshal control payload: %v", err)
	}
	if cmd.Command != "S" || cmd.Subject != "admin" {
		t.Fatalf("unexpected control payload %+v", cmd)
	}
}

func TestManualControlReportsPublishFailure(t *testing.T) {
	relay, _, bus, _ := newTestRelay(t)
	bus.err = fmt.Errorf("%w: broker offline", ErrPublishFailed)
	session := &fakeSession{}

	relay.handleClientRequest(session, requestManualControl, rawRequest(t, manualControlRequest{
		Command: "F", Token: validToken(t, "admin"),
	}))

	kinds := session.errorKinds()
	if len(kinds) != 1 || kinds[0] != errKindPublishFailed {
		t.Fatalf("expected publish_failed error, got %v", kinds)
	}
}

func TestFeedbackRejectsInvalidValue(t *testing.T) {
	relay, db, bus, hub := newTestRelay(t)
	if _, err := InsertDetection(db, "bottle", 92); err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}
	session := &fakeSession{}

	relay.handleClientRequest(session, requestFeedback, rawRequest(t, feedbackRequest{
		ID: 1, Feedback: "maybe", Token: validToken(t, "admin"),
	}))

	kinds := session.errorKinds()
	if len(kinds) != 1 || kinds[0] != errKindInvalid {
		t.Fatalf("expected invalid error, got %v", kinds)
	}
	if len(bus.published) != 0 {
		t.Fatalf("invalid feedback must not be forwarded, got %+v", bus.published)
	}
	if len(hub.events) != 0 {
		t.Fatalf("invalid feedback must not broadcast, got %+v", hub.events)
	}
	d, _ := GetDetectionByID(db, 1)
	if d.Status != StatusPending {
		t.Fatalf("store must be untouched, got status %q", d.Status)
	}
}

func TestFeedbackUnknownIDLeavesStoreUnchanged(t *testing.T) {
	relay, db, _, hub := newTestRelay(t)
	if _, err := InsertDetection(db, "bottle", 92); err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}
	session := &fakeSession{}

	relay.handleClientRequest(session, requestFeedback, rawRequest(t, feedbackRequest{
		ID: 999, Feedback: StatusCorrect, Token: validToken(t, "admin"),
	}))

	kinds := session.errorKinds()
	if len(kinds) != 1 || kinds[0] != errKindNotFound {
		t.Fatalf("expected not_found error, got %v", kinds)
	}
	if _, ok := hub.lastByName(eventAccuracyUpdate); ok {
		t.Fatalf("accuracy must not be rebroadcast for unknown id")
	}
	d, _ := GetDetectionByID(db, 1)
	if d.Status != StatusPending {
		t.Fatalf("store must be unchanged, got status %q", d.Status)
	}
}

func TestFeedbackLastWriteWins(t *testing.T) {
	relay, db, _, hub := newTestRelay(t)
	if _, err := InsertDetection(db, "bottle", 92); err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}
	session := &fakeSession{}
	token := validToken(t, "admin")

	relay.handleClientRequest(session, requestFeedback, rawRequest(t, feedbackRequest{
		ID: 1, Feedback: StatusIncorrect, Token: token,
	}))
	relay.handleClientRequest(session, requestFeedback, rawRequest(t, feedbackRequest{
		ID: 1, Feedback: StatusCorrect, Token: token,
	}))

	d, err := GetDetectionByID(db, 1)
	if err != nil {
		t.Fatalf("GetDetectionByID failed: %v", err)
	}
	if d.Status != StatusCorrect {
		t.Fatalf("expected final status correct, got %q", d.Status)
	}
	acc, ok := hub.lastByName(eventAccuracyUpdate)
	if !ok {
		t.Fatalf("expected accuracy broadcast")
	}
	if got := acc.Data.(accuracyPayload).Accuracy; got != "100.0" {
		t.Fatalf("accuracy must reflect only the final state, got %q", got)
	}
}

func TestSessionConnectedReplaysBacklog(t *testing.T) {
	relay, db, _, _ := newTestRelay(t)
	id, err := InsertDetection(db, "bottle", 92)
	if err != nil {
		t.Fatalf("InsertDetection failed: %v", err)
	}
	if err := SetDetectionStatus(db, id, StatusCorrect); err != nil {
		t.Fatalf("SetDetectionStatus failed: %v", err)
	}
	session := &fakeSession{}

	relay.handleSessionConnected(session)

	if len(session.events) != 2 {
		t.Fatalf("expected backlog + accuracy, got %+v", session.events)
	}
	if session.events[0].Event != eventDetectionUpdate {
		t.Fatalf("expected detection_update first, got %s", session.events[0].Event)
	}
	if session.events[1].Event != eventAccuracyUpdate {
		t.Fatalf("expected accuracy_update second, got %s", session.events[1].Event)
	}
	if got := session.events[1].Data.(accuracyPayload).Accuracy; got != "100.0" {
		t.Fatalf("expected accuracy 100.0, got %q", got)
	}
}

func TestHealthCheckBroadcastsOfflineWhenStale(t *testing.T) {
	relay, _, _, hub := newTestRelay(t)

	relay.handleHealthCheck(time.Minute)
	if len(hub.events) != 0 {
		t.Fatalf("fresh relay must not be reported offline, got %+v", hub.events)
	}

	relay.lastHealth = time.Now().Add(-5 * time.Minute)
	relay.handleHealthCheck(time.Minute)

	evt, ok := hub.lastByName(eventHealthUpdate)
	if !ok {
		t.Fatalf("expected offline health_update broadcast")
	}
	if online := evt.Data.(map[string]any)["online"]; online != false {
		t.Fatalf("expected online:false, got %v", online)
	}

	// A health message from the device clears the staleness.
	relay.handleBusMessage(topicHealth, []byte(`{"online":true}`))
	before := len(hub.events)
	relay.handleHealthCheck(time.Minute)
	if len(hub.events) != before {
		t.Fatalf("expected no offline broadcast after fresh health message")
	}
}

func TestRunSerializesQueuedEvents(t *testing.T) {
	db := newTestDB(t)
	bus := &fakeBus{}
	hub := newChanBroadcaster()
	cfg := Config{}
	applyDefaults(&cfg)
	auth := NewTokenAuthenticator("test-secret", time.Hour)
	relay := NewRelay(cfg, db, auth, bus, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	relay.EnqueueBusMessage(topicDetection, []byte(`{"item":"bottle","confidence":92}`))
	relay.EnqueueBusMessage(topicDetection, []byte(`{"item":"can","confidence":80}`))

	// Two inserts, each followed by an accuracy broadcast, in order.
	expected := []string{
		eventDetectionUpdate, eventAccuracyUpdate,
		eventDetectionUpdate, eventAccuracyUpdate,
	}
	for i, name := range expected {
		select {
		case evt := <-hub.ch:
			if evt.Event != name {
				t.Fatalf("event %d: expected %s, got %s", i, name, evt.Event)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, name)
		}
	}
}

type chanBroadcaster struct {
	ch chan Event
}

func newChanBroadcaster() *chanBroadcaster {
	return &chanBroadcaster{ch: make(chan Event, 16)}
}

func (c *chanBroadcaster) Broadcast(event string, data any) {
	c.ch <- Event{Event: event, Data: data}
}
