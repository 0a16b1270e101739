package models

import "time"

// Event types published when a transaction leaves the in-flight states.
const (
	EventCompleted = "transaction.completed"
	EventExpired   = "transaction.expired"
	EventTooLate   = "transaction.too_late"
)

// Event is the message emitted to downstream consumers.
type Event struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transactionId"`
	DeviceID      string    `json:"deviceId,omitempty"`
	State         State     `json:"state,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
