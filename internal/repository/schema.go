package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateTableSQL defines the idempotency_records table (usable for
// initialization/migration). response_headers is JSONB: the value order and
// multiplicity of each header name survive replay; names themselves come
// back in map order, which HTTP semantics do not depend on.
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS gateway;
CREATE TABLE IF NOT EXISTS gateway.idempotency_records (
  idempotency_key VARCHAR(128) PRIMARY KEY,
  correlation_id VARCHAR(64) NOT NULL,
  action VARCHAR(32) NOT NULL,
  status VARCHAR(32) NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  lock_deadline TIMESTAMPTZ NOT NULL,
  request_hash VARCHAR(64),
  response_code INT,
  response_body BYTEA,
  response_headers JSONB,
  compensation_attempts INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_idem_records_expired_locks
  ON gateway.idempotency_records(lock_deadline) WHERE status = 'IN_PROGRESS';
CREATE INDEX IF NOT EXISTS idx_idem_records_pending_comp
  ON gateway.idempotency_records(updated_at) WHERE status = 'PENDING_COMPENSATION';
CREATE INDEX IF NOT EXISTS idx_idem_records_expires
  ON gateway.idempotency_records(expires_at);
`

// EnsureSchema applies the table definition. Intended for development and
// tests; production deployments run migrations out of band.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, CreateTableSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
