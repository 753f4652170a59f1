package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c *staticChecker) Name() string                          { return c.name }
func (c *staticChecker) Check(ctx context.Context) CheckResult { return c.result }

func TestReadyNotReady(t *testing.T) {
	h := New()
	resp := h.Ready(context.Background())
	if resp.Status != StatusDown {
		t.Fatalf("expected down before SetReady, got %v", resp.Status)
	}
}

func TestReadySummarizesDependencies(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(&staticChecker{name: "postgres", result: CheckResult{Status: StatusUp}})
	h.Register(&staticChecker{name: "reaper", result: CheckResult{Status: StatusDown}})

	resp := h.Ready(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %v", resp.Status)
	}
	if len(resp.Dependencies) != 2 {
		t.Fatalf("expected 2 dependency results, got %d", len(resp.Dependencies))
	}
}

func TestLiveHandlerAlwaysUp(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.LiveHandler()(rec, httptest.NewRequest("GET", "/health/live", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoopMonitorHealthy(t *testing.T) {
	var m LoopMonitor

	if ok, _, _ := m.Healthy(time.Now(), time.Second); ok {
		t.Fatal("expected unhealthy before first tick")
	}

	m.Tick()
	if ok, _, _ := m.Healthy(time.Now(), time.Second); !ok {
		t.Fatal("expected healthy right after tick")
	}

	if ok, _, _ := m.Healthy(time.Now().Add(5*time.Second), time.Second); ok {
		t.Fatal("expected unhealthy after max age elapsed")
	}

	m.SetError(errors.New("sweep failed"))
	if got := m.LastError(); got != "sweep failed" {
		t.Fatalf("expected last error to be recorded, got %q", got)
	}
	m.SetError(nil)
	if got := m.LastError(); got != "sweep failed" {
		t.Fatalf("nil error must not clear last error, got %q", got)
	}
}

type fakeLoop struct {
	interval time.Duration
	m        LoopMonitor
}

func (f *fakeLoop) Interval() time.Duration { return f.interval }
func (f *fakeLoop) Healthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return f.m.Healthy(now, maxAge)
}

func TestLoopChecker(t *testing.T) {
	loop := &fakeLoop{interval: time.Second}
	c := NewLoopChecker("dispatcher", loop)

	res := c.Check(context.Background())
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded for never-ticked loop, got %v", res.Status)
	}

	loop.m.Tick()
	res = c.Check(context.Background())
	if res.Status != StatusUp {
		t.Fatalf("expected up after tick, got %v", res.Status)
	}
}

func TestRedisCheckerDegradesOnOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	checker := NewRedisChecker(rdb)
	if res := checker.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %s (%s)", res.Status, res.Message)
	}

	mr.Close()
	if res := checker.Check(context.Background()); res.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", res.Status)
	}
}
