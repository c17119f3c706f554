// Package scheduler runs periodic maintenance: pruning stale cache entries
// and old build history on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultCheckInterval = 60 * time.Second

// Target is something that can drop records older than a cutoff.
// fingerprint.Cache, fingerprint.MemoryBackend and store.CacheStore satisfy it.
type Target interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// TargetFunc adapts a function such as store.HistoryStore.DeleteBefore.
type TargetFunc func(ctx context.Context, cutoff time.Time) (int, error)

func (f TargetFunc) Prune(ctx context.Context, cutoff time.Time) (int, error) { return f(ctx, cutoff) }

// Task prunes one target, removing everything older than MaxAge.
type Task struct {
	Name   string
	Target Target
	MaxAge time.Duration
}

// Result reports one task of a pruning pass.
type Result struct {
	Task    string    `json:"task"`
	Cutoff  time.Time `json:"cutoff"`
	Removed int       `json:"removed"`
	Err     error     `json:"-"`
}

// Pruner checks its cron schedule on a ticker and runs every task when the
// schedule is due. Passes never overlap.
type Pruner struct {
	expr     string
	schedule cron.Schedule
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tasks   []Task
	next    time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewPruner creates a Pruner for a five-field cron expression or a
// descriptor such as "@daily".
func NewPruner(cronExpr string, logger *slog.Logger) (*Pruner, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		expr:     cronExpr,
		schedule: schedule,
		interval: defaultCheckInterval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Add registers a task. Tasks run in the order they were added.
func (p *Pruner) Add(name string, target Target, maxAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, Task{Name: name, Target: target, MaxAge: maxAge})
}

// Next returns when the next pass is due, or the zero time before Start.
func (p *Pruner) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Start launches the background loop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("pruner already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.next = p.schedule.Next(p.now())
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.Info("pruner started", slog.String("schedule", p.expr), slog.Time("next_run", p.Next()))
	return nil
}

func (p *Pruner) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs a pass when the schedule is due and advances it.
func (p *Pruner) tick(ctx context.Context) {
	now := p.now()
	p.mu.Lock()
	due := !p.next.IsZero() && !now.Before(p.next)
	if due {
		p.next = p.schedule.Next(now)
	}
	p.mu.Unlock()

	if due {
		p.RunOnce(ctx)
	}
}

// RunOnce prunes every task immediately. A failing task is logged and does
// not stop the others. It returns nil when another pass is still running.
func (p *Pruner) RunOnce(ctx context.Context) []Result {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	tasks := append([]Task(nil), p.tasks...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	now := p.now()
	results := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		r := Result{Task: t.Name, Cutoff: now.Add(-t.MaxAge)}
		r.Removed, r.Err = t.Target.Prune(ctx, r.Cutoff)
		if r.Err != nil {
			p.logger.Error("prune failed",
				slog.String("task", t.Name),
				slog.String("error", r.Err.Error()),
			)
		} else if r.Removed > 0 {
			p.logger.Info("pruned stale records",
				slog.String("task", t.Name),
				slog.Int("removed", r.Removed),
			)
		}
		results = append(results, r)
	}
	return results
}

// CalculateNextRun computes the next run time for a cron expression.
func CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the pruner.
func (p *Pruner) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.done = nil
	p.next = time.Time{}
	p.mu.Unlock()

	p.logger.Info("pruner stopped")
	return nil
}
