package models

import (
	"fmt"

	"ticketing/internal/status"
)

// Command classes recorded in the idempotency ledger.
const (
	CommandPurchaseTickets = "PurchaseTickets"
	CommandRefundTicket    = "RefundTicket"
)

type PurchaseCommand struct {
	EventID         string `json:"event_id"`
	TicketTypeID    string `json:"ticket_type_id"`
	Quantity        int    `json:"quantity"`
	PaymentMethodID string `json:"payment_method_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	UserID          string `json:"user_id"`
}

func (c PurchaseCommand) Validate() error {
	switch {
	case c.EventID == "":
		return fmt.Errorf("%w: event_id is required", status.ErrValidation)
	case c.TicketTypeID == "":
		return fmt.Errorf("%w: ticket_type_id is required", status.ErrValidation)
	case c.UserID == "":
		return fmt.Errorf("%w: user_id is required", status.ErrValidation)
	case c.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", status.ErrValidation, c.Quantity)
	case c.PaymentMethodID == "":
		return fmt.Errorf("%w: payment_method_id is required", status.ErrValidation)
	case c.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key is required", status.ErrValidation)
	}
	return nil
}

type PurchaseResult struct {
	TicketIDs []string `json:"ticket_ids"`
	Status    string   `json:"status"`
}
