package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepService is the background reclaimer: it cancels abandoned
// reservations, purges old ledger rows and repairs counter drift. It is
// the safety net behind the saga's compensation path.
type SweepService struct {
	tickets        *TicketService
	ledger         Ledger
	interval       time.Duration
	reservationTTL time.Duration
	retention      time.Duration
	logger         *zap.Logger
}

func NewSweepService(tickets *TicketService, ledger Ledger, interval, reservationTTL, retention time.Duration, logger *zap.Logger) *SweepService {
	return &SweepService{
		tickets:        tickets,
		ledger:         ledger,
		interval:       interval,
		reservationTTL: reservationTTL,
		retention:      retention,
		logger:         logger,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *SweepService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *SweepService) Sweep(ctx context.Context) {
	if _, err := s.tickets.CancelExpiredReservations(ctx, s.reservationTTL); err != nil {
		s.logger.Error("reservation sweep failed", zap.Error(err))
	}

	// A processing record older than the reservation TTL was abandoned
	// by its orchestrator: its reservations are being reclaimed above,
	// so fail the record to free the key for retries.
	staleCutoff := time.Now().UTC().Add(-s.reservationTTL)
	if failed, err := s.ledger.FailStale(ctx, staleCutoff); err != nil {
		s.logger.Error("stale ledger reclaim failed", zap.Error(err))
	} else if failed > 0 {
		s.logger.Warn("abandoned in-flight commands failed", zap.Int64("count", failed))
	}

	cutoff := time.Now().UTC().Add(-s.retention)
	if purged, err := s.ledger.PurgeOlderThan(ctx, cutoff); err != nil {
		s.logger.Error("ledger purge failed", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("old idempotency records purged", zap.Int64("count", purged))
	}

	if err := s.tickets.ReconcileCounters(ctx); err != nil {
		s.logger.Error("counter reconciliation failed", zap.Error(err))
	}
}
