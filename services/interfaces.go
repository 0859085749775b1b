package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"ticketing/models"
	"ticketing/store"
)

// Ledger is the idempotency record store, the source of truth for "did
// this command already run".
type Ledger interface {
	Begin(ctx context.Context, key, commandClass string) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id, errorMessage string) error
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TicketRepository is the persistence surface the domain services need.
type TicketRepository interface {
	GetTicketType(ctx context.Context, q store.DBTX, id string) (*models.TicketType, error)
	CountActive(ctx context.Context, q store.DBTX, ticketTypeID string) (int, error)
	CreateReserved(ctx context.Context, q store.DBTX, tickets []*models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	MarkPurchased(ctx context.Context, id, paymentID, qrCode string, at time.Time) error
	MarkCancelled(ctx context.Context, id string) error
	MarkRefunded(ctx context.Context, id string) error
	CancelExpiredReservations(ctx context.Context, cutoff time.Time) (int64, error)
	ReconcileCounters(ctx context.Context) error
}

type PaymentResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id,omitempty"`
	Message   string `json:"message"`
}

// PaymentGateway is the external payment collaborator.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, paymentMethodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error)
}

// CacheInvalidator is the slice of the cache the orchestrator needs.
// Best-effort: implementations log and swallow their own failures.
type CacheInvalidator interface {
	DeletePattern(ctx context.Context, pattern string)
}

// Publisher delivers domain events to downstream consumers,
// fire-and-forget from the orchestrator's perspective.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}
