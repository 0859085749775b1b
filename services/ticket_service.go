package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ticketing/internal/status"
	"ticketing/models"
	"ticketing/monitoring"
	"ticketing/utils"
)

// TicketService enforces the ticket state machine:
//
//	reserved -> purchased -> refunded
//	reserved -> cancelled
//
// Terminal marks are idempotent; no edge leads back to reserved.
type TicketService struct {
	tickets TicketRepository
	logger  *zap.Logger
}

func NewTicketService(tickets TicketRepository, logger *zap.Logger) *TicketService {
	return &TicketService{tickets: tickets, logger: logger}
}

// MarkPurchased transitions a reserved ticket to purchased, stamping the
// purchase time and assigning the ticket's QR code.
func (s *TicketService) MarkPurchased(ctx context.Context, t *models.Ticket, paymentID string) error {
	if t.Status == models.TicketPurchased {
		return nil
	}
	if !t.Status.CanTransition(models.TicketPurchased) {
		return fmt.Errorf("%w: ticket %s is %s", status.ErrValidation, t.ID, t.Status)
	}
	qr, err := qrCodeFor(t.ID)
	if err != nil {
		return fmt.Errorf("generate qr code: %w", err)
	}
	now := time.Now().UTC()
	if err := s.tickets.MarkPurchased(ctx, t.ID, paymentID, qr, now); err != nil {
		return err
	}
	t.Status = models.TicketPurchased
	t.PurchasedAt = &now
	t.PaymentID = paymentID
	t.QRCode = qr
	return nil
}

// MarkCancelled is terminal and idempotent: cancelling an already
// cancelled ticket is a no-op.
func (s *TicketService) MarkCancelled(ctx context.Context, t *models.Ticket, reason string) error {
	if t.Status == models.TicketCancelled {
		return nil
	}
	if !t.Status.CanTransition(models.TicketCancelled) {
		return fmt.Errorf("%w: ticket %s is %s", status.ErrValidation, t.ID, t.Status)
	}
	if err := s.tickets.MarkCancelled(ctx, t.ID); err != nil {
		return err
	}
	t.Status = models.TicketCancelled
	s.logger.Info("ticket cancelled", zap.String("ticket_id", t.ID), zap.String("reason", reason))
	return nil
}

// MarkRefunded is terminal and idempotent.
func (s *TicketService) MarkRefunded(ctx context.Context, t *models.Ticket) error {
	if t.Status == models.TicketRefunded {
		return nil
	}
	if !t.Status.CanTransition(models.TicketRefunded) {
		return fmt.Errorf("%w: ticket %s is %s", status.ErrValidation, t.ID, t.Status)
	}
	if err := s.tickets.MarkRefunded(ctx, t.ID); err != nil {
		return err
	}
	t.Status = models.TicketRefunded
	return nil
}

// CancelExpiredReservations reclaims reservations older than the given
// age whose orchestrator never resolved payment, returning their
// capacity to the pool.
func (s *TicketService) CancelExpiredReservations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	swept, err := s.tickets.CancelExpiredReservations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		monitoring.AddSweptReservations(swept)
		s.logger.Info("expired reservations cancelled", zap.Int64("count", swept))
	}
	return swept, nil
}

// ReconcileCounters recomputes the denormalized remaining_quantity
// counters from the canonical live counts.
func (s *TicketService) ReconcileCounters(ctx context.Context) error {
	return s.tickets.ReconcileCounters(ctx)
}

// qrCodeFor derives a scannable code from the ticket's identity plus a
// random component. The random part keeps codes unguessable; the ticket
// id keeps them unique.
func qrCodeFor(ticketID string) (string, error) {
	code, err := utils.GenerateCode(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TKT-%s-%s", ticketID, code), nil
}
