// Package worker supervises the long-running goroutines of the server:
// feed consumers, the aggregator, the cleanup worker, the flush loop.
//
// Each task runs under a restart policy with exponential backoff between
// attempts. A task that keeps crashing is quarantined instead of restarted
// forever — a crash-looping cleanup worker hammering the broker is worse
// than a visibly dead one. Quarantine shows up in metrics and the health
// endpoint; recovery is an operator decision (restart the process).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"fnostream/internal/metrics"
)

// RestartPolicy controls what happens when a task's Run returns.
type RestartPolicy int

const (
	// Always restarts the task whether it returned nil or an error.
	Always RestartPolicy = iota
	// OnFailure restarts only after an error or panic; a nil return is a
	// deliberate finish.
	OnFailure
)

// Task is one supervised unit of work. Run must honor ctx cancellation.
type Task struct {
	Name   string
	Policy RestartPolicy
	Run    func(ctx context.Context) error
}

// Config tunes restart and quarantine behavior.
type Config struct {
	MinBackoff          time.Duration // first restart delay
	MaxBackoff          time.Duration // backoff cap
	QuarantineThreshold int           // crashes within the window before quarantine
	QuarantineWindow    time.Duration
	DrainTimeout        time.Duration // shutdown grace before giving up on stragglers
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = 5
	}
	if c.QuarantineWindow <= 0 {
		c.QuarantineWindow = 10 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Supervisor owns a set of tasks and keeps them running.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu          sync.Mutex
	tasks       []Task
	quarantined map[string]struct{}
	started     bool
}

// New creates an empty supervisor.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "supervisor"),
		m:           m,
		now:         time.Now,
		quarantined: make(map[string]struct{}),
	}
}

// Register adds a task. Must be called before Run.
func (s *Supervisor) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic(fmt.Sprintf("worker: Register(%q) after Run", t.Name))
	}
	s.tasks = append(s.tasks, t)
}

// Quarantined lists tasks taken out of rotation. Non-empty means degraded.
func (s *Supervisor) Quarantined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quarantined))
	for name := range s.quarantined {
		out = append(out, name)
	}
	return out
}

// Run starts every registered task and blocks until ctx is cancelled, then
// waits up to DrainTimeout for tasks to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}

	<-ctx.Done()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info("all tasks stopped")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Error("drain timeout, abandoning unresponsive tasks")
		return fmt.Errorf("worker: drain timeout after %s", s.cfg.DrainTimeout)
	}
}

// runTask is the restart loop for one task.
func (s *Supervisor) runTask(ctx context.Context, t Task) {
	logger := s.logger.With("task", t.Name)
	backoff := s.cfg.MinBackoff
	var crashes []time.Time

	for {
		start := s.now()
		err := s.safeRun(ctx, t)
		if ctx.Err() != nil {
			return
		}

		// A task that ran for a while is healthy again: forget old crashes
		// and start the backoff ladder over.
		if s.now().Sub(start) >= 10*s.cfg.MinBackoff {
			backoff = s.cfg.MinBackoff
			crashes = crashes[:0]
		}

		if err == nil {
			if t.Policy == OnFailure {
				logger.Info("task finished")
				return
			}
			logger.Info("task exited, restarting", "backoff", backoff)
		} else {
			logger.Error("task crashed", "error", err, "backoff", backoff)
			crashes = s.recentCrashes(append(crashes, s.now()))
			if len(crashes) >= s.cfg.QuarantineThreshold {
				s.quarantine(t.Name, len(crashes))
				return
			}
		}

		s.m.TaskRestarts.WithLabelValues(t.Name).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// safeRun converts panics into errors so one bad task cannot take down the
// process.
func (s *Supervisor) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Run(ctx)
}

// recentCrashes drops crash timestamps that fell out of the window.
func (s *Supervisor) recentCrashes(crashes []time.Time) []time.Time {
	cutoff := s.now().Add(-s.cfg.QuarantineWindow)
	kept := crashes[:0]
	for _, at := range crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func (s *Supervisor) quarantine(name string, crashes int) {
	s.mu.Lock()
	s.quarantined[name] = struct{}{}
	s.mu.Unlock()

	s.m.TaskQuarantined.WithLabelValues(name).Inc()
	s.logger.Error("task quarantined after crash loop",
		"task", name, "crashes", crashes, "window", s.cfg.QuarantineWindow)
}
