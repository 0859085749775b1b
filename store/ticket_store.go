package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ticketing/internal/status"
	"ticketing/models"
)

type TicketStore struct {
	db *sql.DB
}

func NewTicketStore(db *sql.DB) *TicketStore {
	return &TicketStore{db: db}
}

// DB exposes the underlying handle for lock implementations that run
// store calls outside a row-lock transaction.
func (s *TicketStore) DB() *sql.DB { return s.db }

func (s *TicketStore) GetTicketType(ctx context.Context, q DBTX, id string) (*models.TicketType, error) {
	if q == nil {
		q = s.db
	}
	var tt models.TicketType
	err := q.QueryRowContext(ctx, `
		SELECT id, event_id, name, price, quantity, remaining_quantity
		FROM ticket_types
		WHERE id = $1
	`, id).Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Price, &tt.Quantity, &tt.RemainingQuantity)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: ticket type %s", status.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket type: %w", err)
	}
	return &tt, nil
}

func (s *TicketStore) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_types (id, event_id, name, price, quantity, remaining_quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tt.ID, tt.EventID, tt.Name, tt.Price, tt.Quantity, tt.RemainingQuantity)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: ticket type %s already exists", status.ErrAlreadyProcessing, tt.ID)
	}
	if err != nil {
		return fmt.Errorf("create ticket type: %w", err)
	}
	return nil
}

// CountActive counts tickets that consume capacity. Cancelled and
// refunded tickets are deliberately excluded: only reserved and
// purchased rows hold a unit.
func (s *TicketStore) CountActive(ctx context.Context, q DBTX, ticketTypeID string) (int, error) {
	if q == nil {
		q = s.db
	}
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM tickets
		WHERE ticket_type_id = $1 AND status IN ($2, $3)
	`, ticketTypeID, models.TicketReserved, models.TicketPurchased).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tickets: %w", err)
	}
	return n, nil
}

// CreateReserved inserts the given tickets and decrements the ticket
// type's denormalized counter in the same statement batch. Callers must
// hold the inventory lock for the ticket type.
func (s *TicketStore) CreateReserved(ctx context.Context, q DBTX, tickets []*models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	if q == nil {
		q = s.db
	}

	args := make([]any, 0, len(tickets)*7)
	rows := make([]string, 0, len(tickets))
	for i, t := range tickets {
		base := i * 7
		rows = append(rows, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, t.ID, t.EventID, t.UserID, t.TicketTypeID, t.Price, t.Status, t.ReservedAt)
	}
	insert := `
		INSERT INTO tickets (id, event_id, user_id, ticket_type_id, price, status, reserved_at)
		VALUES ` + strings.Join(rows, ",")
	if _, err := q.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("create reserved tickets: %w", err)
	}

	// Clamp at zero: the counter is advisory and may have drifted low,
	// and the CHECK constraint must never veto a reservation the
	// canonical count already allowed.
	_, err := q.ExecContext(ctx, `
		UPDATE ticket_types
		SET remaining_quantity = GREATEST(remaining_quantity - $1, 0)
		WHERE id = $2
	`, len(tickets), tickets[0].TicketTypeID)
	if err != nil {
		return fmt.Errorf("decrement remaining quantity: %w", err)
	}
	return nil
}

func (s *TicketStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var (
		t           models.Ticket
		purchasedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, user_id, ticket_type_id, price, status, reserved_at, purchased_at, payment_id, qr_code
		FROM tickets
		WHERE id = $1
	`, id).Scan(&t.ID, &t.EventID, &t.UserID, &t.TicketTypeID, &t.Price, &t.Status,
		&t.ReservedAt, &purchasedAt, &t.PaymentID, &t.QRCode)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: ticket %s", status.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if purchasedAt.Valid {
		t.PurchasedAt = &purchasedAt.Time
	}
	return &t, nil
}

// MarkPurchased moves a reserved ticket to purchased, stamping the
// purchase time, payment id and QR code.
func (s *TicketStore) MarkPurchased(ctx context.Context, id, paymentID, qrCode string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = $1, purchased_at = $2, payment_id = $3, qr_code = $4
		WHERE id = $5 AND status = $6
	`, models.TicketPurchased, at, paymentID, qrCode, id, models.TicketReserved)
	if err != nil {
		return fmt.Errorf("mark purchased: %w", err)
	}
	return s.requireTransition(ctx, res, id, models.TicketPurchased)
}

// MarkCancelled moves a reserved ticket to cancelled and returns its
// capacity unit. Calling it on an already cancelled ticket is a no-op.
func (s *TicketStore) MarkCancelled(ctx context.Context, id string) error {
	return s.terminalMark(ctx, id, models.TicketReserved, models.TicketCancelled)
}

// MarkRefunded moves a purchased ticket to refunded and returns its
// capacity unit. Idempotent on already refunded tickets.
func (s *TicketStore) MarkRefunded(ctx context.Context, id string) error {
	return s.terminalMark(ctx, id, models.TicketPurchased, models.TicketRefunded)
}

func (s *TicketStore) terminalMark(ctx context.Context, id string, from, to models.TicketStatus) error {
	res, err := s.db.ExecContext(ctx, `
		WITH moved AS (
			UPDATE tickets SET status = $1
			WHERE id = $2 AND status = $3
			RETURNING ticket_type_id
		)
		UPDATE ticket_types
		SET remaining_quantity = LEAST(remaining_quantity + 1, quantity)
		WHERE id IN (SELECT ticket_type_id FROM moved)
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	return s.requireTransition(ctx, res, id, to)
}

// requireTransition distinguishes "already in the target status" (an
// idempotent no-op) from a genuinely illegal transition or missing row.
func (s *TicketStore) requireTransition(ctx context.Context, res sql.Result, id string, to models.TicketStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	t, err := s.GetTicket(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == to {
		return nil
	}
	return fmt.Errorf("%w: ticket %s is %s, cannot become %s", status.ErrValidation, id, t.Status, to)
}

// CancelExpiredReservations bulk-cancels reserved tickets older than
// cutoff, returning their capacity. This is the safety net for
// reservations whose orchestrator never resolved payment.
func (s *TicketStore) CancelExpiredReservations(ctx context.Context, cutoff time.Time) (int64, error) {
	var swept int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = $1
			WHERE status = $2 AND reserved_at < $3
		`, models.TicketCancelled, models.TicketReserved, cutoff)
		if err != nil {
			return fmt.Errorf("cancel expired reservations: %w", err)
		}
		swept, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if swept == 0 {
			return nil
		}
		// Counter drift from the bulk update is repaired wholesale; the
		// per-row bookkeeping is not worth it on this path.
		return reconcile(ctx, tx)
	})
	return swept, err
}

// ReconcileCounters recomputes every remaining_quantity from the
// canonical count over live ticket rows.
func (s *TicketStore) ReconcileCounters(ctx context.Context) error {
	return reconcile(ctx, s.db)
}

func reconcile(ctx context.Context, q DBTX) error {
	_, err := q.ExecContext(ctx, `
		UPDATE ticket_types tt
		SET remaining_quantity = tt.quantity - (
			SELECT count(*) FROM tickets t
			WHERE t.ticket_type_id = tt.id AND t.status IN ($1, $2)
		)
	`, models.TicketReserved, models.TicketPurchased)
	if err != nil {
		return fmt.Errorf("reconcile remaining quantities: %w", err)
	}
	return nil
}
