package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ticketing/internal/status"
	"ticketing/models"
	"ticketing/monitoring"
)

// PurchaseService runs the purchase saga: ledger begin, locked
// reservation, payment, then commit or compensation. Every dependency
// comes in through the constructor.
type PurchaseService struct {
	ledger         Ledger
	availability   *AvailabilityService
	tickets        *TicketService
	repo           TicketRepository
	gateway        PaymentGateway
	cache          CacheInvalidator
	publisher      Publisher
	currency       string
	paymentTimeout time.Duration
	logger         *zap.Logger
}

func NewPurchaseService(
	ledger Ledger,
	availability *AvailabilityService,
	tickets *TicketService,
	repo TicketRepository,
	gateway PaymentGateway,
	cache CacheInvalidator,
	publisher Publisher,
	currency string,
	paymentTimeout time.Duration,
	logger *zap.Logger,
) *PurchaseService {
	return &PurchaseService{
		ledger:         ledger,
		availability:   availability,
		tickets:        tickets,
		repo:           repo,
		gateway:        gateway,
		cache:          cache,
		publisher:      publisher,
		currency:       currency,
		paymentTimeout: paymentTimeout,
		logger:         logger,
	}
}

// Purchase executes one purchase command. For a fixed (idempotencyKey,
// command class) at most one execution ever reserves tickets; replays of
// a completed command return the stored result verbatim.
func (s *PurchaseService) Purchase(ctx context.Context, cmd models.PurchaseCommand) (*models.PurchaseResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.ledger.Begin(ctx, cmd.IdempotencyKey, models.CommandPurchaseTickets)
	if err != nil {
		if errors.Is(err, status.ErrAlreadyProcessing) {
			monitoring.RecordPurchase("already_processing")
		}
		return nil, err
	}
	if rec.Status == models.IdempotencyCompleted {
		var result models.PurchaseResult
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			return nil, fmt.Errorf("decode cached result: %w", err)
		}
		monitoring.RecordPurchase("replayed")
		return &result, nil
	}

	reserved, err := s.availability.Reserve(ctx, cmd)
	if err != nil {
		cleanupCtx, cancel := detach(ctx)
		s.failLedger(cleanupCtx, rec.ID, err)
		cancel()
		s.recordFailure(err)
		return nil, err
	}

	payment, err := s.collectPayment(ctx, cmd, reserved)
	if err != nil {
		cleanupCtx, cancel := detach(ctx)
		s.compensate(cleanupCtx, reserved, err.Error())
		s.failLedger(cleanupCtx, rec.ID, err)
		cancel()
		monitoring.RecordPurchase("payment_failed")
		return nil, err
	}

	// The charge has landed. From here the saga runs on a detached
	// context: a client disconnect must not leave paid-for tickets in
	// limbo or the ledger record stuck in processing.
	doneCtx, cancel := detach(ctx)
	defer cancel()

	result, err := s.commit(doneCtx, reserved, payment)
	if err != nil {
		s.failLedger(doneCtx, rec.ID, err)
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if err := s.ledger.Complete(doneCtx, rec.ID, payload); err != nil {
		return nil, err
	}

	s.notify(doneCtx, TopicTicketsPurchased, cmd.EventID, cmd.TicketTypeID, map[string]any{
		"event_id":       cmd.EventID,
		"ticket_type_id": cmd.TicketTypeID,
		"user_id":        cmd.UserID,
		"ticket_ids":     result.TicketIDs,
		"payment_id":     payment.PaymentID,
	})
	monitoring.RecordPurchase("purchased")
	return result, nil
}

// detach severs the caller's cancellation, keeping only its values and
// a fresh bounded deadline. Compensation and ledger writes ride on this
// so they still land after the requesting client has hung up.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

// collectPayment calls the gateway with a bounded deadline. A timeout is
// handled exactly like a decline: the tickets are compensated and
// nothing stays pending.
func (s *PurchaseService) collectPayment(ctx context.Context, cmd models.PurchaseCommand, reserved []*models.Ticket) (*PaymentResult, error) {
	amount := decimal.Zero
	for _, t := range reserved {
		amount = amount.Add(t.Price)
	}

	payCtx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()

	start := time.Now()
	payment, err := s.gateway.ProcessPayment(payCtx, cmd.PaymentMethodID, amount, s.currency, map[string]string{
		"event_id":        cmd.EventID,
		"ticket_type_id":  cmd.TicketTypeID,
		"user_id":         cmd.UserID,
		"idempotency_key": cmd.IdempotencyKey,
	})
	monitoring.ObservePaymentDuration(time.Since(start))
	if err != nil {
		if errors.Is(err, status.ErrPaymentFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", status.ErrPaymentFailed, err)
	}
	if !payment.Success {
		return nil, fmt.Errorf("%w: %s", status.ErrPaymentFailed, payment.Message)
	}
	return payment, nil
}

// commit marks every reserved ticket purchased. A mid-flight failure
// refunds the charge and cancels whatever is still reserved, so the
// attempt never ends with a half-purchased set.
func (s *PurchaseService) commit(ctx context.Context, reserved []*models.Ticket, payment *PaymentResult) (*models.PurchaseResult, error) {
	ids := make([]string, 0, len(reserved))
	for i, t := range reserved {
		if err := s.tickets.MarkPurchased(ctx, t, payment.PaymentID); err != nil {
			s.logger.Error("mark purchased failed, rolling back attempt",
				zap.String("ticket_id", t.ID), zap.Error(err))
			s.refundBestEffort(ctx, payment, reserved)
			s.rollbackPurchased(ctx, reserved[:i])
			s.compensate(ctx, reserved[i:], "purchase commit failed")
			return nil, fmt.Errorf("%w: commit purchase: %v", status.ErrInfrastructure, err)
		}
		ids = append(ids, t.ID)
	}
	return &models.PurchaseResult{TicketIDs: ids, Status: "purchased"}, nil
}

func (s *PurchaseService) rollbackPurchased(ctx context.Context, purchased []*models.Ticket) {
	for _, t := range purchased {
		if err := s.tickets.MarkRefunded(ctx, t); err != nil {
			s.logger.Error("rollback of purchased ticket failed",
				zap.String("ticket_id", t.ID), zap.Error(err))
		}
	}
}

func (s *PurchaseService) refundBestEffort(ctx context.Context, payment *PaymentResult, reserved []*models.Ticket) {
	amount := decimal.Zero
	for _, t := range reserved {
		amount = amount.Add(t.Price)
	}
	if _, err := s.gateway.RefundPayment(ctx, payment.PaymentID, amount); err != nil {
		s.logger.Error("refund after failed commit did not complete",
			zap.String("payment_id", payment.PaymentID), zap.Error(err))
	}
}

// compensate cancels every ticket reserved by this attempt. Failures are
// logged, not propagated: the expiry sweep reclaims anything missed.
func (s *PurchaseService) compensate(ctx context.Context, reserved []*models.Ticket, reason string) {
	for _, t := range reserved {
		if err := s.tickets.MarkCancelled(ctx, t, reason); err != nil {
			s.logger.Error("compensation failed for ticket",
				zap.String("ticket_id", t.ID), zap.Error(err))
		}
	}
}

// Refund refunds a purchased ticket through the gateway and marks it
// refunded. Already refunded tickets are a no-op.
func (s *PurchaseService) Refund(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TicketRefunded {
		return t, nil
	}
	if t.Status != models.TicketPurchased {
		return nil, fmt.Errorf("%w: ticket %s is %s, only purchased tickets can be refunded", status.ErrValidation, t.ID, t.Status)
	}

	refCtx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	res, err := s.gateway.RefundPayment(refCtx, t.PaymentID, t.Price)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", status.ErrPaymentFailed, res.Message)
	}

	// Money has moved; the state change must land regardless of the
	// caller's context.
	doneCtx, cancel := detach(ctx)
	defer cancel()
	if err := s.tickets.MarkRefunded(doneCtx, t); err != nil {
		return nil, err
	}
	s.notify(doneCtx, TopicTicketsRefunded, t.EventID, t.TicketTypeID, map[string]any{
		"event_id":  t.EventID,
		"ticket_id": t.ID,
		"user_id":   t.UserID,
	})
	return t, nil
}

// notify runs the best-effort side channels after a durable state
// change. Their failure never overturns the committed outcome.
func (s *PurchaseService) notify(ctx context.Context, topic, eventID, ticketTypeID string, payload map[string]any) {
	s.cache.DeletePattern(ctx, fmt.Sprintf("availability:%s:*", eventID))
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("topic", topic),
			zap.String("ticket_type_id", ticketTypeID),
			zap.Error(err))
	}
}

func (s *PurchaseService) failLedger(ctx context.Context, recordID string, cause error) {
	if err := s.ledger.Fail(ctx, recordID, cause.Error()); err != nil {
		s.logger.Error("marking ledger record failed did not succeed",
			zap.String("record_id", recordID), zap.Error(err))
	}
}

func (s *PurchaseService) recordFailure(err error) {
	switch {
	case errors.Is(err, status.ErrInsufficientAvailability):
		monitoring.RecordPurchase("insufficient_availability")
	case errors.Is(err, status.ErrLockTimeout):
		monitoring.RecordPurchase("lock_timeout")
	case errors.Is(err, status.ErrNotFound):
		monitoring.RecordPurchase("not_found")
	default:
		monitoring.RecordPurchase("error")
	}
}
