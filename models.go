package main

import "time"

// Detection statuses. A detection starts pending and is resolved by
// dashboard feedback; later feedback for the same ID overwrites
// (last-write-wins, no history).
const (
	StatusPending   = "pending"
	StatusCorrect   = "correct"
	StatusIncorrect = "incorrect"
)

type Detection struct {
	ID         int64     `json:"id"`
	Item       string    `json:"item"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// detectionPayload is what the device publishes on the detection topic.
type detectionPayload struct {
	Item       string  `json:"item"`
	Confidence float64 `json:"confidence"`
}

// controlPayload is what the relay publishes on the control topic. Subject
// is the username from the verified token so the device log can attribute
// commands.
type controlPayload struct {
	Command string `json:"command"`
	Subject string `json:"subject"`
}

// feedbackPayload is forwarded upstream on the feedback topic for the ML
// service, independent of the local store update.
type feedbackPayload struct {
	ID       int64  `json:"id"`
	Feedback string `json:"feedback"`
	Subject  string `json:"subject"`
}

type accuracyPayload struct {
	Accuracy string `json:"accuracy"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
