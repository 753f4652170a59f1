// Package repository is the Postgres-backed idempotency store. It provides
// the two primitives the protocol is built on: a conflict-detecting insert
// on the unique key, and an exclusive row lock for every read-before-write.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/paygate/idempotency-gateway/internal/record"
)

var (
	// ErrKeyConflict signals the unique-key race: a record for this key
	// already exists. Callers branch on it, it is not a failure.
	ErrKeyConflict = errors.New("idempotency key already exists")
	// ErrNotFound means the row vanished between conflict and lock
	// (retention sweep race).
	ErrNotFound = errors.New("idempotency record not found")
	// ErrVersionConflict means the row changed between read and write.
	ErrVersionConflict = errors.New("idempotency record version conflict")
)

const uniqueViolation = "23505"

// IdempotencyRepository persists idempotency records.
type IdempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(db *sql.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Create atomically inserts a new record. The unique constraint on
// idempotency_key is the race-detection primitive: a concurrent duplicate
// surfaces as ErrKeyConflict, never as a silent overwrite.
func (r *IdempotencyRepository) Create(ctx context.Context, rec *record.IdempotencyRecord) error {
	headers, err := marshalHeaders(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	query := `
		INSERT INTO gateway.idempotency_records
		(idempotency_key, correlation_id, action, status, version,
		 created_at, updated_at, expires_at, lock_deadline,
		 request_hash, response_code, response_body, response_headers,
		 compensation_attempts)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10, $11, $12, 0)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.Key, rec.CorrelationID, string(rec.Action), string(rec.Status),
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt, rec.LockDeadline,
		nullString(rec.RequestHash), nullInt(rec.ResponseCode), rec.ResponseBody, headers,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrKeyConflict
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	rec.Version = 1
	return nil
}

// WithLockedRecord runs fn holding an exclusive row lock on the record for
// key. It is the only way existing records are read before mutation; the
// lock is released when the unit of work commits or rolls back.
func (r *IdempotencyRepository) WithLockedRecord(ctx context.Context, key string, fn func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := r.getForUpdate(ctx, tx, key)
	if err != nil {
		return err
	}

	if err := fn(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) getForUpdate(ctx context.Context, tx *sql.Tx, key string) (*record.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, correlation_id, action, status, version,
		       created_at, updated_at, expires_at, lock_deadline,
		       request_hash, response_code, response_body, response_headers,
		       compensation_attempts
		FROM gateway.idempotency_records
		WHERE idempotency_key = $1
		FOR UPDATE
	`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record for update: %w", err)
	}
	return rec, nil
}

// SaveLocked persists a mutated record. Must be called inside the unit of
// work that locked the row. The version predicate rejects lost updates from
// writers that raced outside the lock (e.g. a reaper instance that read the
// row before this transaction started).
func (r *IdempotencyRepository) SaveLocked(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
	headers, err := marshalHeaders(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	query := `
		UPDATE gateway.idempotency_records
		SET correlation_id = $1, status = $2, updated_at = $3,
		    expires_at = $4, lock_deadline = $5, request_hash = $6,
		    response_code = $7, response_body = $8, response_headers = $9,
		    compensation_attempts = $10, version = version + 1
		WHERE idempotency_key = $11 AND version = $12
	`
	result, err := tx.ExecContext(ctx, query,
		rec.CorrelationID, string(rec.Status), rec.UpdatedAt,
		rec.ExpiresAt, rec.LockDeadline, nullString(rec.RequestHash),
		nullInt(rec.ResponseCode), rec.ResponseBody, headers,
		rec.CompensationAttempts, rec.Key, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

// FindExpiredLocks returns up to limit IN_PROGRESS records whose lock
// deadline passed before now. The read takes no lock; the reaper must
// re-validate each record under WithLockedRecord before mutating it.
func (r *IdempotencyRepository) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]*record.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, correlation_id, action, status, version,
		       created_at, updated_at, expires_at, lock_deadline,
		       request_hash, response_code, response_body, response_headers,
		       compensation_attempts
		FROM gateway.idempotency_records
		WHERE status = 'IN_PROGRESS' AND lock_deadline < $1
		ORDER BY lock_deadline
		LIMIT $2
	`
	return r.queryRecords(ctx, query, now, limit)
}

// FindPendingCompensation returns up to limit records awaiting compensation,
// oldest first. Same re-validation rule as FindExpiredLocks applies.
func (r *IdempotencyRepository) FindPendingCompensation(ctx context.Context, limit int) ([]*record.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, correlation_id, action, status, version,
		       created_at, updated_at, expires_at, lock_deadline,
		       request_hash, response_code, response_body, response_headers,
		       compensation_attempts
		FROM gateway.idempotency_records
		WHERE status = 'PENDING_COMPENSATION'
		ORDER BY updated_at
		LIMIT $1
	`
	return r.queryRecords(ctx, query, limit)
}

func (r *IdempotencyRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*record.IdempotencyRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*record.IdempotencyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*record.IdempotencyRecord, error) {
	var (
		rec         record.IdempotencyRecord
		action      string
		status      string
		requestHash sql.NullString
		code        sql.NullInt64
		headersRaw  []byte
	)
	err := row.Scan(
		&rec.Key, &rec.CorrelationID, &action, &status, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.LockDeadline,
		&requestHash, &code, &rec.ResponseBody, &headersRaw,
		&rec.CompensationAttempts,
	)
	if err != nil {
		return nil, err
	}
	rec.Action = record.Action(action)
	rec.Status = record.Status(status)
	rec.RequestHash = requestHash.String
	rec.ResponseCode = int(code.Int64)
	if len(headersRaw) > 0 {
		var headers http.Header
		if err := json.Unmarshal(headersRaw, &headers); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
		rec.ResponseHeaders = headers
	}
	return &rec, nil
}

// marshalHeaders stores headers as a JSON object of name to value list.
// Encoding sorts the names, but the value order within each name is kept,
// which is what multi-valued headers like Set-Cookie need on replay.
func marshalHeaders(h http.Header) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	return json.Marshal(h)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}
