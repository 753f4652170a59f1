package health

import (
	"sync/atomic"
	"time"
)

// defaultMaxTickAge bounds how stale a tick may be when the caller does
// not supply its own threshold.
const defaultMaxTickAge = 10 * time.Second

// LoopMonitor records liveness for the gateway's background loops (the
// lock reaper and the compensation dispatcher). The loop calls Tick on
// every poll cycle and SetError when a cycle fails; the readiness probe
// reads both from a different goroutine, so all state is atomic.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	lastErr          atomic.Pointer[string]
}

// Tick marks the loop as alive now.
func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

// SetError records the most recent cycle failure. A nil error is ignored
// so callers can pass the cycle result unconditionally.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	m.lastErr.Store(&msg)
}

// LastError returns the message of the most recent cycle failure, or ""
// when no cycle has failed yet.
func (m *LoopMonitor) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Healthy reports whether the loop ticked within maxAge of now. A loop
// that never ticked is unhealthy: the gateway must not report ready while
// expired locks go unreaped. The last cycle error rides along for the
// probe response but does not affect ok; a loop that keeps ticking after
// a failed cycle is still alive.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	tick := time.Unix(0, last)
	if now.Before(tick) {
		return true, 0, lastErr
	}
	age = now.Sub(tick)
	if maxAge <= 0 {
		maxAge = defaultMaxTickAge
	}
	return age <= maxAge, age, lastErr
}
