// Package idempotency implements the admission state machine that gives
// guarded operations at-most-once semantics per idempotency key.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/internal/repository"
	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// DecisionKind tells the caller what to do with the inbound request.
type DecisionKind int

const (
	// DecisionProceed: this attempt owns the key; execute the handler and
	// report the outcome via Complete.
	DecisionProceed DecisionKind = iota
	// DecisionRetry: another attempt is executing; answer 202 and let the
	// client poll.
	DecisionRetry
	// DecisionReplay: a captured response exists; return it byte-for-byte.
	DecisionReplay
)

// Decision is the coordinator's verdict for one inbound request.
type Decision struct {
	Kind          DecisionKind
	CorrelationID string          // set for Proceed
	Response      *CachedResponse // set for Replay
}

// CachedResponse is a previously captured outcome.
type CachedResponse struct {
	Code    int
	Body    []byte
	Headers http.Header
}

// Outcome is what the wrapped handler produced for a Proceed decision.
type Outcome struct {
	Code    int
	Body    []byte
	Headers http.Header
}

// Config tunes the coordinator's deadlines.
type Config struct {
	// LockTTL is the lock deadline granted to a fresh record.
	LockTTL time.Duration
	// ReclaimTTL is the (shorter) deadline granted when an abandoned
	// record is reclaimed by a duplicate.
	ReclaimTTL time.Duration
	// Retention is how long records are kept before the purge horizon.
	Retention time.Duration
}

// Coordinator decides, per inbound request, whether to proceed, wait or
// replay, and persists the eventual outcome. All record reads-before-write
// go through the store's row lock; the coordinator holds no in-process
// locks, so any number of gateway instances can run concurrently.
type Coordinator struct {
	repo *repository.IdempotencyRepository
	log  *logger.Logger
	cfg  Config

	nowFunc func() time.Time
	idFunc  func() string
}

func NewCoordinator(repo *repository.IdempotencyRepository, log *logger.Logger, cfg Config) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.ReclaimTTL <= 0 {
		cfg.ReclaimTTL = 15 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Coordinator{
		repo:    repo,
		log:     log,
		cfg:     cfg,
		nowFunc: time.Now,
		idFunc:  uuid.NewString,
	}
}

// Admit runs the admission protocol for key. fingerprint is the canonical
// digest of the incoming request; on any duplicate that carries a stored
// request hash, a mismatch fails with an idempotency conflict instead of
// replaying a response that belongs to a different payload.
func (c *Coordinator) Admit(ctx context.Context, key string, action record.Action, fingerprint string) (Decision, error) {
	// Two rounds: if the record vanishes between the insert conflict and
	// the lock (retention sweep race), the insert is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		now := c.nowFunc()
		rec := &record.IdempotencyRecord{
			Key:           key,
			CorrelationID: c.idFunc(),
			Action:        action,
			Status:        record.StatusInProgress,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(c.cfg.Retention),
			LockDeadline:  now.Add(c.cfg.LockTTL),
		}

		err := c.repo.Create(ctx, rec)
		if err == nil {
			return Decision{Kind: DecisionProceed, CorrelationID: rec.CorrelationID}, nil
		}
		if !errors.Is(err, repository.ErrKeyConflict) {
			return Decision{}, err
		}

		decision, err := c.resolveDuplicate(ctx, key, fingerprint)
		if err == nil {
			return decision, nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			c.log.WithContext(ctx).WithField("key", key).
				Warn("record vanished between conflict and lock, retrying create")
			continue
		}
		return Decision{}, err
	}
	return Decision{}, apperrors.ErrUnavailable
}

// resolveDuplicate inspects an existing record under its row lock and maps
// its status to a decision, reclaiming abandoned records on the way.
func (c *Coordinator) resolveDuplicate(ctx context.Context, key, fingerprint string) (Decision, error) {
	var decision Decision
	err := c.repo.WithLockedRecord(ctx, key, func(ctx context.Context, tx *sql.Tx, cur *record.IdempotencyRecord) error {
		if cur.RequestHash != "" && cur.RequestHash != fingerprint {
			return apperrors.New(apperrors.CodeIdempotencyConflict,
				"idempotency key reused with a different payload").WithRequestID(key)
		}

		switch cur.Status {
		case record.StatusUndefined:
			// Abandoned attempt: reclaim under a fresh correlation ID
			// and let the caller re-execute the full handler.
			now := c.nowFunc()
			cur.Status = record.StatusInProgress
			cur.CorrelationID = c.idFunc()
			cur.LockDeadline = now.Add(c.cfg.ReclaimTTL)
			cur.UpdatedAt = now
			if err := c.repo.SaveLocked(ctx, tx, cur); err != nil {
				return err
			}
			decision = Decision{Kind: DecisionProceed, CorrelationID: cur.CorrelationID}
		case record.StatusInProgress:
			decision = Decision{Kind: DecisionRetry}
		default:
			decision = Decision{Kind: DecisionReplay, Response: &CachedResponse{
				Code:    cur.ResponseCode,
				Body:    cur.ResponseBody,
				Headers: cur.ResponseHeaders,
			}}
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Complete persists the outcome of a Proceed decision. The correlation ID
// issued at admit time guards against stale writes: if the record was
// reclaimed by a newer attempt while this handler ran, the write is dropped
// and ErrStale is returned.
func (c *Coordinator) Complete(ctx context.Context, key, correlationID, fingerprint string, out Outcome) error {
	return c.repo.WithLockedRecord(ctx, key, func(ctx context.Context, tx *sql.Tx, cur *record.IdempotencyRecord) error {
		if cur.CorrelationID != correlationID {
			c.log.WithContext(ctx).Warnf("dropping stale completion", map[string]interface{}{
				"key":      key,
				"stale":    correlationID,
				"current":  cur.CorrelationID,
				"status":   cur.Status,
				"respCode": out.Code,
			})
			return apperrors.ErrStale
		}

		status := record.ClassifyStatus(out.Code)
		cur.Status = status
		cur.RequestHash = fingerprint
		cur.UpdatedAt = c.nowFunc()
		if status == record.StatusUndefined {
			// Indeterminate outcome: nothing replayable. Keeping the
			// response fields empty preserves the invariant that a
			// response exists only for completed records.
			cur.ResponseCode = 0
			cur.ResponseBody = nil
			cur.ResponseHeaders = nil
		} else {
			cur.ResponseCode = out.Code
			cur.ResponseBody = out.Body
			cur.ResponseHeaders = out.Headers
		}
		return c.repo.SaveLocked(ctx, tx, cur)
	})
}
