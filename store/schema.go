package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema bootstrap. Dedicated migration tooling lives outside this
// service; these statements are idempotent so startup can always run them.
const schema = `
CREATE TABLE IF NOT EXISTS ticket_types (
	id                 TEXT PRIMARY KEY,
	event_id           TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	price              NUMERIC(12,2) NOT NULL,
	quantity           INTEGER NOT NULL CHECK (quantity >= 0),
	remaining_quantity INTEGER NOT NULL CHECK (remaining_quantity >= 0)
);

CREATE TABLE IF NOT EXISTS tickets (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	ticket_type_id TEXT NOT NULL REFERENCES ticket_types (id),
	price          NUMERIC(12,2) NOT NULL,
	status         TEXT NOT NULL,
	reserved_at    TIMESTAMPTZ NOT NULL,
	purchased_at   TIMESTAMPTZ,
	payment_id     TEXT NOT NULL DEFAULT '',
	qr_code        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tickets_type_status ON tickets (ticket_type_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_qr_code ON tickets (qr_code) WHERE qr_code <> '';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	command_class   TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          JSONB,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_key_class
	ON idempotency_keys (idempotency_key, command_class);
`

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
