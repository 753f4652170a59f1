package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/paygate/idempotency-gateway/internal/metrics"
	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/internal/repository"
	"github.com/paygate/idempotency-gateway/pkg/health"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// Reaper periodically sweeps IN_PROGRESS records whose processing lock
// deadline has passed and marks them UNDEFINED so a later duplicate can
// reclaim the key. Each candidate is re-checked under the row lock before
// the transition, so a sweep racing the owner's completion loses cleanly.
type Reaper struct {
	repo     *repository.IdempotencyRepository
	log      *logger.Logger
	met      *metrics.Metrics
	interval time.Duration
	pageSize int
	loop     health.LoopMonitor

	nowFunc func() time.Time
}

func NewReaper(repo *repository.IdempotencyRepository, log *logger.Logger, met *metrics.Metrics, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		repo:     repo,
		log:      log,
		met:      met,
		interval: interval,
		pageSize: 100,
		nowFunc:  time.Now,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Infof("lock reaper started", map[string]interface{}{
		"interval": r.interval.String(),
		"page":     r.pageSize,
	})
	for {
		select {
		case <-ctx.Done():
			r.log.Info("lock reaper stopped")
			return
		case <-ticker.C:
			r.loop.Tick()
			r.safeSweepOnce(ctx)
		}
	}
}

func (r *Reaper) safeSweepOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("lock reaper panic recovered", map[string]interface{}{
				"panic": rec,
				"stack": string(debug.Stack()),
			})
			r.loop.SetError(fmt.Errorf("panic during sweep: %v", rec))
		}
	}()
	if err := r.sweepOnce(ctx); err != nil {
		r.loop.SetError(err)
	}
}

func (r *Reaper) Interval() time.Duration {
	return r.interval
}

func (r *Reaper) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return r.loop.Healthy(now, maxAge)
}

func (r *Reaper) sweepOnce(ctx context.Context) error {
	now := r.nowFunc()
	expired, err := r.repo.FindExpiredLocks(ctx, now, r.pageSize)
	if err != nil {
		r.log.WithError(err).Error("list expired locks failed")
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	reaped := 0
	for _, candidate := range expired {
		if err := r.reapOne(ctx, candidate.Key); err != nil {
			r.log.WithError(err).Errorf("reap lock failed", map[string]interface{}{
				"idempotency_key": candidate.Key,
			})
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.log.Infof("expired locks reaped", map[string]interface{}{
			"candidates": len(expired),
			"reaped":     reaped,
		})
	}
	return nil
}

// reapOne re-validates the candidate under its row lock: the owner may have
// completed, or a duplicate may have reclaimed the record, since the page
// was listed. Only a still-expired IN_PROGRESS record transitions.
func (r *Reaper) reapOne(ctx context.Context, key string) error {
	return r.repo.WithLockedRecord(ctx, key, func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		now := r.nowFunc()
		if rec.Status != record.StatusInProgress || !rec.LockDeadline.Before(now) {
			return nil
		}
		rec.Status = record.StatusUndefined
		rec.UpdatedAt = now
		if err := r.repo.SaveLocked(ctx, tx, rec); err != nil {
			return err
		}
		if r.met != nil {
			r.met.IncReapedLock()
		}
		r.log.Warnf("abandoned lock reaped", map[string]interface{}{
			"idempotency_key": key,
			"correlation_id":  rec.CorrelationID,
			"lock_deadline":   rec.LockDeadline.UTC().Format(time.RFC3339),
		})
		return nil
	})
}
