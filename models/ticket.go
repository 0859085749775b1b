package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketReserved  TicketStatus = "reserved"
	TicketPurchased TicketStatus = "purchased"
	TicketCancelled TicketStatus = "cancelled"
	TicketRefunded  TicketStatus = "refunded"
)

// transitions is the full set of legal status edges. Nothing ever
// returns to reserved, and cancelled/refunded have no outgoing edges.
var transitions = map[TicketStatus][]TicketStatus{
	TicketReserved:  {TicketPurchased, TicketCancelled},
	TicketPurchased: {TicketRefunded},
}

func (s TicketStatus) CanTransition(to TicketStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no outgoing edge exists for s.
func (s TicketStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CountsAgainstCapacity reports whether a ticket in this status consumes
// a unit of its ticket type's capacity.
func (s TicketStatus) CountsAgainstCapacity() bool {
	return s == TicketReserved || s == TicketPurchased
}

type Ticket struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id"`
	UserID       string          `json:"user_id"`
	TicketTypeID string          `json:"ticket_type_id"`
	Price        decimal.Decimal `json:"price"` // captured at reservation time
	Status       TicketStatus    `json:"status"`
	ReservedAt   time.Time       `json:"reserved_at"`
	PurchasedAt  *time.Time      `json:"purchased_at,omitempty"`
	PaymentID    string          `json:"payment_id,omitempty"`
	QRCode       string          `json:"qr_code,omitempty"`
}

type TicketType struct {
	ID      string          `json:"id"`
	EventID string          `json:"event_id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	// Quantity is total capacity. RemainingQuantity is a denormalized
	// read-path counter; the count over live ticket rows is canonical.
	Quantity          int `json:"quantity"`
	RemainingQuantity int `json:"remaining_quantity"`
}

type Availability struct {
	Available bool `json:"available"`
	Remaining int  `json:"remaining"`
}
