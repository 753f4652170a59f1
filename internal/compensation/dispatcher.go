package compensation

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/paygate/idempotency-gateway/internal/metrics"
	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/internal/repository"
	"github.com/paygate/idempotency-gateway/pkg/health"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// compensationTimeout bounds one handler run plus its outcome write.
const compensationTimeout = 30 * time.Second

// DispatcherConfig tunes the compensation loop.
type DispatcherConfig struct {
	// Interval between polls of the pending-compensation queue.
	Interval time.Duration
	// Workers is the size of the bounded pool running handlers.
	Workers int
	// MaxAttempts bounds compensation retries per record; once spent,
	// the record is forced to FAILURE so the queue cannot wedge.
	MaxAttempts int
	// PageSize caps records claimed per poll.
	PageSize int
}

// Dispatcher drains PENDING_COMPENSATION records: it claims each one under
// its row lock (-> IN_COMPENSATION), runs the registered handler on a
// bounded worker pool outside the lock, then records the outcome. Claiming
// under the lock makes it safe to run one dispatcher per gateway instance.
type Dispatcher struct {
	repo     *repository.IdempotencyRepository
	registry *Registry
	log      *logger.Logger
	met      *metrics.Metrics
	cfg      DispatcherConfig
	loop     health.LoopMonitor

	nowFunc func() time.Time
}

func NewDispatcher(repo *repository.IdempotencyRepository, registry *Registry, log *logger.Logger, met *metrics.Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		log:      log,
		met:      met,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	jobs := make(chan *record.IdempotencyRecord, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				d.processJob(ctx, rec)
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.log.Infof("compensation dispatcher started", map[string]interface{}{
		"interval":     d.cfg.Interval.String(),
		"workers":      d.cfg.Workers,
		"max_attempts": d.cfg.MaxAttempts,
	})
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			d.log.Info("compensation dispatcher stopped")
			return
		case <-ticker.C:
			d.loop.Tick()
			d.safeDispatchOnce(ctx, jobs)
		}
	}
}

func (d *Dispatcher) safeDispatchOnce(ctx context.Context, jobs chan<- *record.IdempotencyRecord) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatcher panic recovered", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
			d.loop.SetError(fmt.Errorf("panic during dispatch: %v", r))
		}
	}()
	if err := d.dispatchOnce(ctx, jobs); err != nil {
		d.loop.SetError(err)
	}
}

func (d *Dispatcher) Interval() time.Duration {
	return d.cfg.Interval
}

func (d *Dispatcher) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return d.loop.Healthy(now, maxAge)
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, jobs chan<- *record.IdempotencyRecord) error {
	pending, err := d.repo.FindPendingCompensation(ctx, d.cfg.PageSize)
	if err != nil {
		d.log.WithError(err).Error("list pending compensation failed")
		return err
	}

	for _, candidate := range pending {
		claimed, err := d.claim(ctx, candidate.Key)
		if err != nil {
			d.log.WithError(err).Errorf("claim compensation failed", map[string]interface{}{
				"idempotency_key": candidate.Key,
			})
			continue
		}
		if claimed == nil {
			continue
		}
		select {
		case <-ctx.Done():
			// Already claimed; run it here rather than leaving the
			// record wedged in IN_COMPENSATION.
			d.processJob(ctx, claimed)
			return ctx.Err()
		case jobs <- claimed:
		}
	}
	return nil
}

// processJob runs one claimed record on a context detached from the loop
// context: shutdown cancels the loop before the pool drains, and a known
// outcome must still be recorded or the record stays IN_COMPENSATION,
// which nothing re-polls.
func (d *Dispatcher) processJob(ctx context.Context, rec *record.IdempotencyRecord) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	d.safeCompensate(jobCtx, rec)
}

// claim re-validates the candidate under its row lock and transitions it to
// IN_COMPENSATION. A nil record means another dispatcher got there first.
func (d *Dispatcher) claim(ctx context.Context, key string) (*record.IdempotencyRecord, error) {
	var claimed *record.IdempotencyRecord
	err := d.repo.WithLockedRecord(ctx, key, func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		if rec.Status != record.StatusPendingCompensation {
			return nil
		}
		rec.Status = record.StatusInCompensation
		rec.UpdatedAt = d.nowFunc()
		if err := d.repo.SaveLocked(ctx, tx, rec); err != nil {
			return err
		}
		snapshot := *rec
		claimed = &snapshot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *Dispatcher) safeCompensate(ctx context.Context, rec *record.IdempotencyRecord) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("compensation handler panic recovered", map[string]interface{}{
				"idempotency_key": rec.Key,
				"panic":           r,
				"stack":           string(debug.Stack()),
			})
			d.finish(ctx, rec.Key, fmt.Errorf("handler panic: %v", r))
		}
	}()
	d.compensate(ctx, rec)
}

func (d *Dispatcher) compensate(ctx context.Context, rec *record.IdempotencyRecord) {
	handler, err := d.registry.Resolve(rec.Action)
	if err != nil {
		// Startup validation should make this unreachable; park the
		// record back in the queue rather than losing it.
		d.log.WithError(err).Errorf("no handler for claimed record", map[string]interface{}{
			"idempotency_key": rec.Key,
			"action":          string(rec.Action),
		})
		d.finish(ctx, rec.Key, err)
		return
	}

	d.finish(ctx, rec.Key, handler.Handle(ctx, rec.Key))
}

// finish records a compensation outcome: success terminates the record at
// FAILURE, an error returns it to PENDING_COMPENSATION until the retry
// budget is spent.
func (d *Dispatcher) finish(ctx context.Context, key string, handlerErr error) {
	err := d.repo.WithLockedRecord(ctx, key, func(ctx context.Context, tx *sql.Tx, rec *record.IdempotencyRecord) error {
		if rec.Status != record.StatusInCompensation {
			return nil
		}
		rec.UpdatedAt = d.nowFunc()

		switch {
		case handlerErr == nil:
			rec.Status = record.StatusFailure
			if d.met != nil {
				d.met.IncCompensation(string(rec.Action), "success")
			}
		case rec.CompensationAttempts+1 >= d.cfg.MaxAttempts:
			rec.CompensationAttempts++
			rec.Status = record.StatusFailure
			if d.met != nil {
				d.met.IncCompensation(string(rec.Action), "exhausted")
				d.met.IncCompensationExhausted()
			}
			d.log.WithError(handlerErr).Errorf("compensation retries exhausted", map[string]interface{}{
				"idempotency_key": key,
				"attempts":        rec.CompensationAttempts,
			})
		default:
			rec.CompensationAttempts++
			rec.Status = record.StatusPendingCompensation
			if d.met != nil {
				d.met.IncCompensation(string(rec.Action), "retry")
			}
			d.log.WithError(handlerErr).Warnf("compensation failed, will retry", map[string]interface{}{
				"idempotency_key": key,
				"attempts":        rec.CompensationAttempts,
			})
		}
		return d.repo.SaveLocked(ctx, tx, rec)
	})
	if err != nil {
		d.log.WithError(err).Errorf("record compensation outcome failed", map[string]interface{}{
			"idempotency_key": key,
		})
	}
}
