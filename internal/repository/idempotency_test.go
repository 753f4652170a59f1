package repository

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/paygate/idempotency-gateway/internal/record"
)

func newMockRepo(t *testing.T) (*IdempotencyRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	repo := NewIdempotencyRepository(db)
	return repo, mock, func() {
		_ = db.Close()
	}
}

func testRecord(key string) *record.IdempotencyRecord {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return &record.IdempotencyRecord{
		Key:           key,
		CorrelationID: "corr-1",
		Action:        record.ActionPayment,
		Status:        record.StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(7 * 24 * time.Hour),
		LockDeadline:  now.Add(5 * time.Minute),
	}
}

func recordColumns() []string {
	return []string{
		"idempotency_key", "correlation_id", "action", "status", "version",
		"created_at", "updated_at", "expires_at", "lock_deadline",
		"request_hash", "response_code", "response_body", "response_headers",
		"compensation_attempts",
	}
}

func recordRow(rec *record.IdempotencyRecord) *sqlmock.Rows {
	var headers []byte
	if len(rec.ResponseHeaders) > 0 {
		headers, _ = marshalHeaders(rec.ResponseHeaders)
	}
	return sqlmock.NewRows(recordColumns()).AddRow(
		rec.Key, rec.CorrelationID, string(rec.Action), string(rec.Status), rec.Version,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt, rec.LockDeadline,
		rec.RequestHash, rec.ResponseCode, rec.ResponseBody, headers,
		rec.CompensationAttempts,
	)
}

func expectInsert(mock sqlmock.Sqlmock) *sqlmock.ExpectedExec {
	return mock.ExpectExec(`INSERT INTO gateway\.idempotency_records`)
}

func expectGetForUpdate(mock sqlmock.Sqlmock, key string) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(`SELECT (.+) FROM gateway\.idempotency_records\s+WHERE idempotency_key = \$1\s+FOR UPDATE`).
		WithArgs(key)
}

func TestCreateInsertsRecord(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	rec := testRecord("key-1")
	expectInsert(mock).
		WithArgs(rec.Key, rec.CorrelationID, "PAYMENT", "IN_PROGRESS",
			rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt, rec.LockDeadline,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", rec.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUniqueViolationIsKeyConflict(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	expectInsert(mock).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idempotency_records_idempotency_key_key"})

	err := repo.Create(context.Background(), testRecord("key-1"))
	if !errors.Is(err, ErrKeyConflict) {
		t.Fatalf("expected ErrKeyConflict, got %v", err)
	}
}

func TestCreateOtherErrorPropagates(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	expectInsert(mock).WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), testRecord("key-1"))
	if err == nil || errors.Is(err, ErrKeyConflict) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestWithLockedRecordRunsUnitOfWork(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	rec := testRecord("key-2")
	rec.Version = 3

	mock.ExpectBegin()
	expectGetForUpdate(mock, "key-2").WillReturnRows(recordRow(rec))
	mock.ExpectExec(`UPDATE gateway\.idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithLockedRecord(context.Background(), "key-2", func(ctx context.Context, tx *sql.Tx, got *record.IdempotencyRecord) error {
		if got.Version != 3 {
			t.Fatalf("expected version 3 under lock, got %d", got.Version)
		}
		got.Status = record.StatusUndefined
		got.UpdatedAt = got.UpdatedAt.Add(time.Second)
		return repo.SaveLocked(ctx, tx, got)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithLockedRecordNotFound(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectBegin()
	expectGetForUpdate(mock, "gone").WillReturnRows(sqlmock.NewRows(recordColumns()))
	mock.ExpectRollback()

	err := repo.WithLockedRecord(context.Background(), "gone", func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		t.Fatal("unit of work must not run for a missing record")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithLockedRecordRollsBackOnError(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	rec := testRecord("key-3")
	boom := errors.New("handler exploded")

	mock.ExpectBegin()
	expectGetForUpdate(mock, "key-3").WillReturnRows(recordRow(rec))
	mock.ExpectRollback()

	err := repo.WithLockedRecord(context.Background(), "key-3", func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected unit-of-work error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveLockedVersionConflict(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	rec := testRecord("key-4")
	rec.Version = 2

	mock.ExpectBegin()
	expectGetForUpdate(mock, "key-4").WillReturnRows(recordRow(rec))
	mock.ExpectExec(`UPDATE gateway\.idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithLockedRecord(context.Background(), "key-4", func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		return repo.SaveLocked(ctx, tx, rec)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestFindExpiredLocks(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	now := time.Now()
	rec := testRecord("stuck-key")
	rec.LockDeadline = now.Add(-time.Minute)

	mock.ExpectQuery(`SELECT (.+) FROM gateway\.idempotency_records\s+WHERE status = 'IN_PROGRESS' AND lock_deadline < \$1`).
		WithArgs(now, 100).
		WillReturnRows(recordRow(rec))

	records, err := repo.FindExpiredLocks(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Key != "stuck-key" {
		t.Fatalf("expected the stuck record, got %+v", records)
	}
}

func TestFindPendingCompensation(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	rec := testRecord("comp-key")
	rec.Status = record.StatusPendingCompensation
	rec.ResponseCode = 400
	rec.ResponseBody = []byte(`{"code":"PAYMENT_REJECTED"}`)
	rec.ResponseHeaders = http.Header{"Content-Type": {"application/json"}}

	mock.ExpectQuery(`SELECT (.+) FROM gateway\.idempotency_records\s+WHERE status = 'PENDING_COMPENSATION'`).
		WithArgs(50).
		WillReturnRows(recordRow(rec))

	records, err := repo.FindPendingCompensation(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	got := records[0]
	if got.ResponseCode != 400 {
		t.Fatalf("expected response code 400, got %d", got.ResponseCode)
	}
	if got.ResponseHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("expected content type header round-trip, got %v", got.ResponseHeaders)
	}
}
