package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/health"
)

type flakyProbe struct {
	failures int
	calls    int
}

func (f *flakyProbe) check(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	db := &flakyProbe{failures: 10}
	var changes []bool
	checker := health.New([]health.Probe{{Name: "postgres", Check: db.check}}, health.Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 3,
	}, zap.NewNop())
	checker.OnChange(func(ok bool) { changes = append(changes, ok) })

	for i := 0; i < 2; i++ {
		checker.CheckAll(context.Background())
	}
	if !checker.Healthy() {
		t.Fatal("Healthy() = false before threshold, want true")
	}

	checker.CheckAll(context.Background())
	if checker.Healthy() {
		t.Fatal("Healthy() = true at threshold, want false")
	}
	st := checker.Statuses()
	if len(st) != 1 || st[0].FailCount != 3 || st[0].LastError == "" {
		t.Errorf("Statuses() = %+v, want one degraded entry with 3 failures", st)
	}
	if len(changes) != 1 || changes[0] {
		t.Errorf("changes = %v, want [false]", changes)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	db := &flakyProbe{failures: 3}
	audit := &flakyProbe{}
	var changes []bool
	var probes atomic.Int32
	checker := health.New([]health.Probe{
		{Name: "postgres", Check: db.check},
		{Name: "audit_chain", Check: audit.check},
	}, health.Config{ProbeTimeout: time.Second, FailThreshold: 3}, zap.NewNop())
	checker.OnChange(func(ok bool) { changes = append(changes, ok) })
	checker.SetMetricsRecord(func(string, bool) { probes.Add(1) })

	for i := 0; i < 4; i++ {
		checker.CheckAll(context.Background())
	}

	if !checker.Healthy() {
		t.Error("Healthy() = false after recovery, want true")
	}
	if len(changes) != 2 || changes[0] || !changes[1] {
		t.Errorf("changes = %v, want [false true]", changes)
	}
	if n := probes.Load(); n != 8 {
		t.Errorf("probes recorded = %d, want 8", n)
	}
	for _, s := range checker.Statuses() {
		if !s.Healthy || s.FailCount != 0 {
			t.Errorf("%s = %+v, want healthy", s.Name, s)
		}
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	checker := health.New([]health.Probe{{Name: "rail", Check: slow}}, health.Config{
		ProbeTimeout:  10 * time.Millisecond,
		FailThreshold: 1,
	}, zap.NewNop())

	checker.CheckAll(context.Background())
	if checker.Healthy() {
		t.Error("Healthy() = true after a timed out probe, want false")
	}
}
