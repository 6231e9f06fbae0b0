package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"fnostream/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps restart delays in the millisecond range so tests finish
// quickly.
func fastConfig() Config {
	return Config{
		MinBackoff:          time.Millisecond,
		MaxBackoff:          8 * time.Millisecond,
		QuarantineThreshold: 5,
		QuarantineWindow:    time.Minute,
		DrainTimeout:        time.Second,
	}
}

func runSupervisor(t *testing.T, s *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return cancel
}

func TestOnFailureTaskNotRestartedAfterCleanExit(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), metrics.NewForTest(), testLogger())

	var runs atomic.Int32
	s.Register(Task{
		Name:   "oneshot",
		Policy: OnFailure,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	runSupervisor(t, s)

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 after clean exit", got)
	}
}

func TestAlwaysTaskRestartedAfterCleanExit(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), metrics.NewForTest(), testLogger())

	var runs atomic.Int32
	s.Register(Task{
		Name:   "loop",
		Policy: Always,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	runSupervisor(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runs.Load() >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("runs = %d, want >= 3 restarts", runs.Load())
}

func TestCrashingTaskRestartedThenQuarantined(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), metrics.NewForTest(), testLogger())

	var runs atomic.Int32
	s.Register(Task{
		Name:   "flappy",
		Policy: OnFailure,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	})
	runSupervisor(t, s)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Quarantined()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	q := s.Quarantined()
	if len(q) != 1 || q[0] != "flappy" {
		t.Fatalf("quarantined = %v, want [flappy]", q)
	}
	if got := runs.Load(); got != 5 {
		t.Errorf("runs before quarantine = %d, want 5", got)
	}

	// Quarantine is terminal: no further restarts.
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 5 {
		t.Errorf("runs after quarantine = %d, want 5", got)
	}
}

func TestPanicIsARecoverableCrash(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.QuarantineThreshold = 2
	s := New(cfg, metrics.NewForTest(), testLogger())

	var runs atomic.Int32
	s.Register(Task{
		Name:   "panicky",
		Policy: OnFailure,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			panic("nil map write")
		},
	})
	runSupervisor(t, s)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Quarantined()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(s.Quarantined()) != 1 {
		t.Fatal("panicking task never quarantined")
	}
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}

// A long healthy run clears the crash history, so intermittent crashes
// spread over time never reach the quarantine threshold.
func TestSurvivalResetsCrashCounter(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.QuarantineThreshold = 3
	s := New(cfg, metrics.NewForTest(), testLogger())

	var runs atomic.Int32
	s.Register(Task{
		Name:   "intermittent",
		Policy: OnFailure,
		Run: func(ctx context.Context) error {
			n := runs.Add(1)
			if n%2 == 0 {
				// Every other attempt survives past 10× the min backoff.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10*cfg.MinBackoff + 5*time.Millisecond):
				}
			}
			return errors.New("flaky dependency")
		},
	})
	runSupervisor(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runs.Load() < 12 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := runs.Load(); got < 12 {
		t.Errorf("runs = %d, want >= 12 (still restarting)", got)
	}
	if q := s.Quarantined(); len(q) != 0 {
		t.Errorf("quarantined = %v, want none with periodic recovery", q)
	}
}

func TestTasksStopOnShutdown(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), metrics.NewForTest(), testLogger())

	stopped := make(chan struct{})
	s.Register(Task{
		Name:   "blocker",
		Policy: Always,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		},
	})
	cancel := runSupervisor(t, s)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("task not stopped on shutdown")
	}
}
