// Package jobs runs the periodic backup and maintenance cycles.
//
// Each job runs on a cron schedule. A failed run is logged and retried after
// a fallback delay instead of stopping the job, and every run gets its own
// trace id so its log lines can be grouped.
//
// Clock injection: the Runner accepts a Clock so tests can advance time
// without wall-clock sleeps.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/mnemos/common/trace"
	"github.com/bdobrica/mnemos/internal/mnemos/observability"
)

// DefaultFallbackDelay is the wait before retrying a failed run.
const DefaultFallbackDelay = time.Hour

// Clock is the time source of a Runner.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Func is the body of a job.
type Func func(ctx context.Context) error

// Result describes one finished run.
type Result struct {
	Job      string
	TraceID  string
	Started  time.Time
	Duration time.Duration
	Err      error
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       Func
}

// Runner runs registered jobs until its context is cancelled.
type Runner struct {
	mu       sync.Mutex
	jobs     []*job
	running  bool
	clk      Clock
	fallback time.Duration
	onResult func(Result)
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(r *Runner) { r.clk = c } }

// WithFallbackDelay sets the wait before retrying a failed run.
func WithFallbackDelay(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.fallback = d
		}
	}
}

// WithOnResult registers a hook called after every run, successful or not.
func WithOnResult(fn func(Result)) Option { return func(r *Runner) { r.onResult = fn } }

// NewRunner returns an idle Runner. Register jobs with Add, then call Run.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{clk: realClock{}, fallback: DefaultFallbackDelay}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers fn under name on spec, which is any expression accepted by
// cron.ParseStandard: five fields, "@daily", "@every 6h" and so on.
func (r *Runner) Add(name, spec string, fn Func) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("jobs: %s: parse schedule %q: %w", name, spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("jobs: %s: runner already started", name)
	}
	for _, j := range r.jobs {
		if j.name == name {
			return fmt.Errorf("jobs: %s: already registered", name)
		}
	}
	r.jobs = append(r.jobs, &job{name: name, spec: spec, schedule: sched, fn: fn})
	return nil
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.name
	}
	return names
}

// Run starts every job and blocks until ctx is done and all in-flight runs
// have returned.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("jobs: runner already started")
	}
	r.running = true
	jobs := append([]*job(nil), r.jobs...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		slog.Info("jobs: starting job", "name", j.name, "schedule", j.spec)
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			r.loop(ctx, j)
		}(j)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, j *job) {
	failed := false
	for {
		now := r.clk.Now()
		var delay time.Duration
		if failed {
			delay = r.fallback
		} else {
			next := j.schedule.Next(now)
			if next.IsZero() {
				slog.Error("jobs: could not compute next run; stopping job", "name", j.name)
				return
			}
			delay = next.Sub(now)
			if delay < 0 {
				delay = 0
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("jobs: job stopped", "name", j.name)
			return
		case <-r.clk.After(delay):
		}

		res := r.runOnce(ctx, j)
		failed = res.Err != nil && ctx.Err() == nil
	}
}

func (r *Runner) runOnce(ctx context.Context, j *job) Result {
	id := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, id)
	log := observability.WithTrace(ctx)

	res := Result{Job: j.name, TraceID: id, Started: r.clk.Now()}
	start := time.Now()
	log.Info("jobs: run started", "name", j.name)
	res.Err = j.fn(ctx)
	res.Duration = time.Since(start)

	if res.Err != nil {
		log.Error("jobs: run failed",
			"name", j.name,
			"duration_ms", res.Duration.Milliseconds(),
			"retry_in", r.fallback,
			"err", res.Err,
		)
	} else {
		log.Info("jobs: run finished",
			"name", j.name,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	if r.onResult != nil {
		r.onResult(res)
	}
	return res
}
