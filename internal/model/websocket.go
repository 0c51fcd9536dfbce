package model

import "time"

// Server→client event types
const (
	EventStarted        = "started"
	EventProgress       = "progress"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
	EventCreditsUpdated = "credits-updated"
	EventNotification   = "notification"
)

// Client→server message types
const (
	WSMessageTypeSubscribe   = "subscribe"
	WSMessageTypeUnsubscribe = "unsubscribe"
	WSMessageTypePing        = "ping"
	WSMessageTypePong        = "pong"
)

// Ack types
const (
	WSMessageTypeSubscribeAck   = "subscribe:ack"
	WSMessageTypeUnsubscribeAck = "unsubscribe:ack"
)

// WSClientMessage represents an inbound WebSocket message
type WSClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

// WSAck acknowledges a subscribe/unsubscribe request. Requests never fail
// the connection; failures are reported through Ok/Error only.
type WSAck struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// StatusEvent is an outbound notification about one job or user. Only the
// fields relevant to the event type are populated; the rest are omitted
// from the wire encoding.
type StatusEvent struct {
	Type         string     `json:"type"`
	JobID        string     `json:"jobId,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	Stage        Stage      `json:"stage,omitempty"`
	CurrentFrame int        `json:"currentFrame,omitempty"`
	TotalFrames  int        `json:"totalFrames,omitempty"`
	Percentage   int        `json:"percentage,omitempty"`
	ETASeconds   *int       `json:"eta,omitempty"`
	OutputURL    string     `json:"outputUrl,omitempty"`
	FileSize     int64      `json:"fileSize,omitempty"`
	Duration     float64    `json:"duration,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ErrorType    string     `json:"errorType,omitempty"`
	Balance      float64    `json:"balance,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Notification is a plain user-facing message, distinct from job status
// events. Undeliverable notifications are queued for the user's next
// connection.
type Notification struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WSNotificationMessage is the wire envelope for a Notification. This is
// also the payload shape stored in the pending-notification list.
type WSNotificationMessage struct {
	Type         string       `json:"type"` // always EventNotification
	Notification Notification `json:"notification"`
}
