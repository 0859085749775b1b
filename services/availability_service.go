package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticketing/internal/status"
	"ticketing/models"
	"ticketing/monitoring"
	"ticketing/store"
)

// AvailabilityService owns the inventory critical section: everything
// between acquiring the per-ticket-type lock and the reservation being
// durable happens in here.
type AvailabilityService struct {
	lock    store.InventoryLock
	tickets TicketRepository
	logger  *zap.Logger
}

func NewAvailabilityService(lock store.InventoryLock, tickets TicketRepository, logger *zap.Logger) *AvailabilityService {
	return &AvailabilityService{lock: lock, tickets: tickets, logger: logger}
}

// Check answers whether quantity units remain, evaluated under the lock.
// Remaining is always quantity minus the live count; the denormalized
// counter is never consulted on this path.
func (s *AvailabilityService) Check(ctx context.Context, ticketTypeID string, quantity int) (models.Availability, error) {
	var avail models.Availability
	err := s.lock.WithLock(ctx, ticketTypeID, func(ctx context.Context, q store.DBTX) error {
		var err error
		avail, _, err = s.remaining(ctx, q, ticketTypeID, quantity)
		return err
	})
	return avail, err
}

// Remaining is the unlocked read used by the cached availability
// endpoint. It may be momentarily stale; writers never use it.
func (s *AvailabilityService) Remaining(ctx context.Context, ticketTypeID string) (models.Availability, error) {
	avail, _, err := s.remaining(ctx, nil, ticketTypeID, 1)
	return avail, err
}

func (s *AvailabilityService) remaining(ctx context.Context, q store.DBTX, ticketTypeID string, quantity int) (models.Availability, *models.TicketType, error) {
	tt, err := s.tickets.GetTicketType(ctx, q, ticketTypeID)
	if err != nil {
		return models.Availability{}, nil, err
	}
	active, err := s.tickets.CountActive(ctx, q, ticketTypeID)
	if err != nil {
		return models.Availability{}, nil, err
	}
	remaining := tt.Quantity - active
	monitoring.SetRemainingCapacity(ticketTypeID, remaining)
	return models.Availability{Available: remaining >= quantity, Remaining: remaining}, tt, nil
}

// Reserve atomically checks availability and creates quantity tickets in
// reserved status for the command's user. The availability check and the
// inserts happen under the same lock acquisition, so concurrent callers
// can never jointly exceed capacity.
func (s *AvailabilityService) Reserve(ctx context.Context, cmd models.PurchaseCommand) ([]*models.Ticket, error) {
	var reserved []*models.Ticket

	start := time.Now()
	err := s.lock.WithLock(ctx, cmd.TicketTypeID, func(ctx context.Context, q store.DBTX) error {
		monitoring.ObserveLockWait(time.Since(start))

		avail, tt, err := s.remaining(ctx, q, cmd.TicketTypeID, cmd.Quantity)
		if err != nil {
			return err
		}
		if tt.EventID != cmd.EventID {
			return fmt.Errorf("%w: ticket type %s does not belong to event %s", status.ErrNotFound, cmd.TicketTypeID, cmd.EventID)
		}
		if !avail.Available {
			return fmt.Errorf("%w: requested %d, remaining %d", status.ErrInsufficientAvailability, cmd.Quantity, avail.Remaining)
		}

		now := time.Now().UTC()
		tickets := make([]*models.Ticket, 0, cmd.Quantity)
		for i := 0; i < cmd.Quantity; i++ {
			tickets = append(tickets, &models.Ticket{
				ID:           uuid.NewString(),
				EventID:      cmd.EventID,
				UserID:       cmd.UserID,
				TicketTypeID: cmd.TicketTypeID,
				Price:        tt.Price,
				Status:       models.TicketReserved,
				ReservedAt:   now,
			})
		}
		if err := s.tickets.CreateReserved(ctx, q, tickets); err != nil {
			return err
		}
		reserved = tickets
		monitoring.SetRemainingCapacity(cmd.TicketTypeID, avail.Remaining-cmd.Quantity)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("tickets reserved",
		zap.String("ticket_type_id", cmd.TicketTypeID),
		zap.String("user_id", cmd.UserID),
		zap.Int("quantity", cmd.Quantity))
	return reserved, nil
}
