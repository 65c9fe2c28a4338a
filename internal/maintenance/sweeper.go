// Package maintenance runs the bridge's periodic chores on cron schedules:
// pruning the transition journal and publishing health censuses on the event
// bus.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// taskTimeout bounds a single task run.
const taskTimeout = 30 * time.Second

type task struct {
	name   string
	expr   string
	run    func(ctx context.Context) error
	nextAt time.Time
}

// Sweeper fires registered tasks when their cron schedule comes due. Tasks
// run sequentially on the sweeper's goroutine; a slow task delays the rest
// rather than piling up concurrent runs.
type Sweeper struct {
	log *slog.Logger

	mu    sync.Mutex
	tasks []*task

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates an empty sweeper.
func NewSweeper(log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		log:  log.With("component", "maintenance"),
		stop: make(chan struct{}),
	}
}

// Add registers a task under a cron expression. Seconds-precision
// expressions (6 fields) work too.
func (s *Sweeper) Add(name, expr string, run func(ctx context.Context) error) error {
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for task %s", expr, name)
	}
	next, err := gronx.NextTickAfter(expr, time.Now(), false)
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, expr: expr, run: run, nextAt: next})
	return nil
}

// Start begins the scheduling loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()

	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	s.log.Info("maintenance sweeper started", "tasks", n)
}

// Stop halts the loop and waits for an in-flight task to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runDue()
		}
	}
}

func (s *Sweeper) runDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.nextAt.IsZero() && !t.nextAt.After(now) {
			due = append(due, t)
			// Clear until the run reschedules, so a tick during a
			// long run cannot double-fire.
			t.nextAt = time.Time{}
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.runOne(t)
	}
}

func (s *Sweeper) runOne(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	if err := t.run(ctx); err != nil {
		s.log.Error("maintenance task failed", "task", t.name, "error", err)
	}

	next, err := gronx.NextTickAfter(t.expr, time.Now(), false)
	if err != nil {
		s.log.Error("maintenance task unschedulable", "task", t.name, "expr", t.expr, "error", err)
		return
	}
	s.mu.Lock()
	t.nextAt = next
	s.mu.Unlock()
}
