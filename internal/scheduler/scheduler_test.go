package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"aqinotify/internal/notifier"
	"aqinotify/pkg/logx"
)

type countingRunner struct {
	mu    sync.Mutex
	runs  int
	block chan struct{}
}

func (r *countingRunner) RunCycle(context.Context, string, []string, bool) notifier.CycleReport {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	return notifier.CycleReport{Success: true}
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &countingRunner{}, logx.Nop())

	for _, good := range []string{"@every 30m", "*/5 * * * *", "0 */10 * * * *", "@hourly"} {
		if err := s.ValidateSpec(good); err != nil {
			t.Fatalf("ValidateSpec(%q) = %v", good, err)
		}
	}
	for _, bad := range []string{"", "not a spec", "61 * * * *"} {
		if err := s.ValidateSpec(bad); err == nil {
			t.Fatalf("ValidateSpec(%q) should fail", bad)
		}
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false, Spec: "@every 1s"}, &countingRunner{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(context.Background())
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Spec: "nonsense"}, &countingRunner{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	t.Parallel()
	runner := &countingRunner{block: make(chan struct{})}
	s := New(Config{Enabled: true, Spec: "@every 1h"}, runner, logx.Nop())
	s.ctx = context.Background()

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()

	// Wait until the first tick is inside RunCycle.
	deadline := time.After(2 * time.Second)
	for runner.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A second tick while the first is running must be dropped.
	s.tick()
	if got := runner.count(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	close(runner.block)
	<-done
}
