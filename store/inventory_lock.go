package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticketing/internal/status"
)

// InventoryLock serializes the check-availability-then-reserve sequence
// for one ticket type across all orchestrator instances. Acquisition is
// bounded: callers get status.ErrLockTimeout instead of waiting forever.
// fn receives the query handle its store calls must run on so that, for
// the row-lock implementation, the reservation commits atomically with
// the lock's transaction.
type InventoryLock interface {
	WithLock(ctx context.Context, ticketTypeID string, fn func(ctx context.Context, q DBTX) error) error
}

// RowLock implements InventoryLock with SELECT ... FOR UPDATE on the
// ticket type row. The lock is held until fn's transaction commits or
// rolls back, and Postgres lock_timeout bounds the wait.
type RowLock struct {
	db          *sql.DB
	waitTimeout time.Duration
}

func NewRowLock(db *sql.DB, waitTimeout time.Duration) *RowLock {
	return &RowLock{db: db, waitTimeout: waitTimeout}
}

func (l *RowLock) WithLock(ctx context.Context, ticketTypeID string, fn func(ctx context.Context, q DBTX) error) error {
	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		// lock_timeout does not take a bind parameter.
		timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.waitTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, timeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM ticket_types WHERE id = $1 FOR UPDATE`, ticketTypeID,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: ticket type %s", status.ErrNotFound, ticketTypeID)
		}
		if isLockNotAvailable(err) {
			return fmt.Errorf("%w: ticket type %s", status.ErrLockTimeout, ticketTypeID)
		}
		if err != nil {
			return fmt.Errorf("acquire row lock: %w", err)
		}

		return fn(ctx, tx)
	})
}
