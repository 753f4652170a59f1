// Package middleware contains the HTTP filters the gateway wraps around
// protected routes.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/paygate/idempotency-gateway/internal/idempotency"
	"github.com/paygate/idempotency-gateway/internal/metrics"
	"github.com/paygate/idempotency-gateway/internal/record"
	"github.com/paygate/idempotency-gateway/internal/routes"
	apperrors "github.com/paygate/idempotency-gateway/pkg/errors"
	"github.com/paygate/idempotency-gateway/pkg/logger"
)

// HeaderRequestID carries the client-supplied idempotency key.
const HeaderRequestID = "X-Request-Id"

// Coordinator decides and records the fate of guarded requests.
type Coordinator interface {
	Admit(ctx context.Context, key string, action record.Action, fingerprint string) (idempotency.Decision, error)
	Complete(ctx context.Context, key, correlationID, fingerprint string, out idempotency.Outcome) error
}

// IdempotencyFilter guards routed requests with the at-most-once protocol.
// Requests without the key header, or on routes outside the action table,
// pass through untouched.
type IdempotencyFilter struct {
	resolver    *routes.Resolver
	coordinator Coordinator
	log         *logger.Logger
	met         *metrics.Metrics
}

func NewIdempotencyFilter(resolver *routes.Resolver, coordinator Coordinator, log *logger.Logger, met *metrics.Metrics) *IdempotencyFilter {
	return &IdempotencyFilter{
		resolver:    resolver,
		coordinator: coordinator,
		log:         log,
		met:         met,
	}
}

func (f *IdempotencyFilter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, ok := f.resolver.Resolve(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(HeaderRequestID)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		ctx := logger.ContextWithCorrelationID(r.Context(), key)
		r = r.WithContext(ctx)
		log := f.log.WithContext(ctx)

		fingerprint := idempotency.FingerprintRequest(r, key, bodyBytes)

		start := time.Now()
		decision, err := f.coordinator.Admit(ctx, key, action, fingerprint)
		f.met.ObserveAdmitLatency(time.Since(start).Seconds())
		if err != nil {
			f.writeAdmitError(w, log, key, err)
			return
		}

		w.Header().Set(HeaderRequestID, key)
		switch decision.Kind {
		case idempotency.DecisionRetry:
			f.met.IncDecision("retry")
			w.WriteHeader(http.StatusAccepted)
		case idempotency.DecisionReplay:
			f.met.IncDecision("replay")
			writeCached(w, decision.Response)
		case idempotency.DecisionProceed:
			f.met.IncDecision("proceed")
			f.proceed(w, r, next, log, key, decision.CorrelationID, fingerprint)
		}
	})
}

// proceed runs the wrapped handler against a buffering recorder, persists
// the outcome, then flushes the buffered response to the client. Buffering
// keeps the stored response byte-identical to what the first caller saw.
func (f *IdempotencyFilter) proceed(w http.ResponseWriter, r *http.Request, next http.Handler, log *logger.Logger, key, correlationID, fingerprint string) {
	f.met.IncInFlight()
	defer f.met.DecInFlight()

	rec := newCaptureRecorder()
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("handler panic recovered", map[string]interface{}{
					"idempotency_key": key,
					"panic":           p,
					"stack":           string(debug.Stack()),
				})
				rec.reset()
				rec.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(rec, r)
	}()

	outcome := idempotency.Outcome{
		Code:    rec.status,
		Body:    rec.body.Bytes(),
		Headers: rec.header.Clone(),
	}
	// The handler's outcome is known at this point; a client disconnect
	// must not cancel the write, or the record stays IN_PROGRESS and a
	// duplicate re-executes an already-applied effect after reaping.
	persistCtx := context.WithoutCancel(r.Context())
	if err := f.coordinator.Complete(persistCtx, key, correlationID, fingerprint, outcome); err != nil {
		// A stale attempt still answers its own caller; anything else is
		// a store problem the operator needs to see.
		if !errors.Is(err, apperrors.ErrStale) {
			log.WithError(err).Errorf("persist outcome failed", map[string]interface{}{
				"idempotency_key": key,
			})
		}
	}

	rec.flush(w)
}

func (f *IdempotencyFilter) writeAdmitError(w http.ResponseWriter, log *logger.Logger, key string, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Code == apperrors.CodeIdempotencyConflict {
		f.met.IncKeyReuseRejected()
		writeJSONError(w, http.StatusConflict, appErr)
		return
	}

	log.WithError(err).Errorf("admission failed", map[string]interface{}{
		"idempotency_key": key,
	})
	writeJSONError(w, http.StatusServiceUnavailable,
		apperrors.New(apperrors.CodeUnavailable, "idempotency store unavailable").WithRequestID(key))
}

func writeJSONError(w http.ResponseWriter, status int, appErr *apperrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(appErr)
}

func writeCached(w http.ResponseWriter, resp *idempotency.CachedResponse) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Code)
	_, _ = w.Write(resp.Body)
}

// captureRecorder buffers the downstream handler's response so it can be
// persisted before anything reaches the client.
type captureRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{header: make(http.Header), status: http.StatusOK}
}

func (c *captureRecorder) Header() http.Header { return c.header }

func (c *captureRecorder) WriteHeader(status int) { c.status = status }

func (c *captureRecorder) Write(b []byte) (int, error) { return c.body.Write(b) }

func (c *captureRecorder) reset() {
	c.header = make(http.Header)
	c.body.Reset()
	c.status = http.StatusOK
}

func (c *captureRecorder) flush(w http.ResponseWriter) {
	for name, values := range c.header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(c.status)
	_, _ = w.Write(c.body.Bytes())
}
