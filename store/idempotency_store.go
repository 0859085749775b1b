package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ticketing/internal/status"
	"ticketing/models"
)

// IdempotencyStore is the durable command ledger. The composite unique
// index on (idempotency_key, command_class) is what serializes duplicate
// submissions across instances; everything else builds on that.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Begin claims the (key, commandClass) slot. Outcomes:
//   - no prior record, or a prior failed one: a fresh processing record is
//     returned and the caller proceeds.
//   - prior record still processing: status.ErrAlreadyProcessing.
//   - prior record completed: that record is returned so the caller can
//     replay its stored result without re-executing anything.
func (s *IdempotencyStore) Begin(ctx context.Context, key, commandClass string) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{
		ID:           uuid.NewString(),
		Key:          key,
		CommandClass: commandClass,
		Status:       models.IdempotencyProcessing,
		CreatedAt:    time.Now().UTC(),
	}

	var claimed *models.IdempotencyRecord
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		// Failed records allow retry: clear them so the insert below can
		// claim the slot. Concurrent retries still race on the unique
		// index, so at most one wins.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE idempotency_key = $1 AND command_class = $2 AND status = $3
		`, key, commandClass, models.IdempotencyFailed); err != nil {
			return fmt.Errorf("clear failed record: %w", err)
		}

		// ON CONFLICT DO NOTHING keeps the transaction alive when we lose
		// the race, so the losing side can still read the winning record.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (id, idempotency_key, command_class, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (idempotency_key, command_class) DO NOTHING
		`, rec.ID, rec.Key, rec.CommandClass, rec.Status, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert idempotency record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			claimed = rec
			return nil
		}

		existing, getErr := s.get(ctx, tx, key, commandClass)
		if getErr != nil {
			return getErr
		}
		switch existing.Status {
		case models.IdempotencyProcessing:
			return fmt.Errorf("%w: key %q", status.ErrAlreadyProcessing, key)
		case models.IdempotencyCompleted:
			claimed = existing
			return nil
		default:
			// Failed record inserted after our delete; treat as in-flight
			// contention rather than looping inside the transaction.
			return fmt.Errorf("%w: key %q", status.ErrAlreadyProcessing, key)
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *IdempotencyStore) get(ctx context.Context, q DBTX, key, commandClass string) (*models.IdempotencyRecord, error) {
	var (
		rec         models.IdempotencyRecord
		result      []byte
		completedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, idempotency_key, command_class, status, result, error, created_at, completed_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND command_class = $2
	`, key, commandClass).Scan(
		&rec.ID, &rec.Key, &rec.CommandClass, &rec.Status,
		&result, &rec.Error, &rec.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: idempotency record for key %q", status.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Result = json.RawMessage(result)
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

// Complete marks the record completed and stores the result payload that
// replays will return verbatim. Only a processing record can complete.
func (s *IdempotencyStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, result = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, models.IdempotencyCompleted, []byte(result), time.Now().UTC(), id, models.IdempotencyProcessing)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return requireOneRow(res, id)
}

func (s *IdempotencyStore) Fail(ctx context.Context, id, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, models.IdempotencyFailed, errorMessage, time.Now().UTC(), id, models.IdempotencyProcessing)
	if err != nil {
		return fmt.Errorf("fail idempotency record: %w", err)
	}
	return requireOneRow(res, id)
}

// PurgeOlderThan removes terminal records created before cutoff. Rows in
// processing state are never purged here.
// FailStale marks processing records older than cutoff as failed. A row
// that old means its orchestrator died before resolving the command;
// failing it lets the same key be retried instead of answering with a
// conflict forever.
func (s *IdempotencyStore) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, error = $2, completed_at = $3
		WHERE status = $4 AND created_at < $5
	`, models.IdempotencyFailed, "abandoned in flight", time.Now().UTC(),
		models.IdempotencyProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale records: %w", err)
	}
	return res.RowsAffected()
}

func (s *IdempotencyStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE created_at < $1 AND status IN ($2, $3)
	`, cutoff, models.IdempotencyCompleted, models.IdempotencyFailed)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: processing idempotency record %s", status.ErrNotFound, id)
	}
	return nil
}
