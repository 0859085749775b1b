package models

import (
	"encoding/json"
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is one row of the command ledger. Uniqueness is on
// the composite (Key, CommandClass): the same client key may legitimately
// be reused across unrelated command classes.
type IdempotencyRecord struct {
	ID           string            `json:"id"`
	Key          string            `json:"idempotency_key"`
	CommandClass string            `json:"command_class"`
	Status       IdempotencyStatus `json:"status"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}
