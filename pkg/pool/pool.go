// Package pool provides the fan-out executor that runs one pipeline task per
// fetch target on a fixed set of workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/Sternrassler/statvar-ingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
)

var partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statvar_partitions_total",
	Help: "Total partitions processed by result",
}, []string{"result"})

// progressEvery controls how often Run logs progress.
const progressEvery = 50

// ErrPanic wraps a recovered task panic.
var ErrPanic = errors.New("task panicked")

// Task processes one fetch target. It writes its own partition output, so
// tasks never contend on files.
type Task func(ctx context.Context, target string, limiter ratelimit.Limiter) error

// Config holds executor configuration.
type Config struct {
	// Workers is the number of concurrent tasks. Zero selects DefaultSize().
	Workers int

	// Name labels log events (e.g. "usda-2023", "wto-fetch").
	Name string
}

// DefaultSize returns max(2, logical cores - 1).
func DefaultSize() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	return max(2, cores-1)
}

// Executor distributes targets across workers. The limiter is handed to
// every task; it is the only state shared between them.
type Executor struct {
	workers int
	name    string
	limiter ratelimit.Limiter
	logger  zerolog.Logger
}

// New creates an executor sharing limiter across all tasks.
func New(cfg Config, limiter ratelimit.Limiter) *Executor {
	if limiter == nil {
		panic("pool limiter cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultSize()
	}
	logger := logging.NewLogger("pool")
	if cfg.Name != "" {
		logger = logger.With().Str("run", cfg.Name).Logger()
	}
	return &Executor{
		workers: cfg.Workers,
		name:    cfg.Name,
		limiter: limiter,
		logger:  logger,
	}
}

// Workers returns the configured worker count.
func (e *Executor) Workers() int {
	return e.workers
}

// Report summarises a Run. Targets never started because ctx was cancelled
// count as failed with the context error.
type Report struct {
	Total     int
	Succeeded []string
	Failed    map[string]error
	Duration  time.Duration
}

// Err joins all partition failures, or returns nil when every target
// succeeded.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	targets := make([]string, 0, len(r.Failed))
	for t := range r.Failed {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	errs := make([]error, 0, len(targets))
	for _, t := range targets {
		errs = append(errs, fmt.Errorf("partition %q: %w", t, r.Failed[t]))
	}
	return errors.Join(errs...)
}

// Merge folds other into r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Total += other.Total
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	if len(other.Failed) > 0 && r.Failed == nil {
		r.Failed = make(map[string]error, len(other.Failed))
	}
	for t, err := range other.Failed {
		r.Failed[t] = err
	}
	r.Duration += other.Duration
}

type outcome struct {
	target string
	err    error
}

// Run executes task once per target. A failing or panicking task does not
// stop the others; its target is recorded in Report.Failed. Completion
// order is not the order of targets.
func (e *Executor) Run(ctx context.Context, targets []string, task Task) *Report {
	start := time.Now()
	report := &Report{Total: len(targets), Failed: make(map[string]error)}
	if len(targets) == 0 {
		return report
	}

	workers := min(e.workers, len(targets))
	e.logger.Info().
		Int("targets", len(targets)).
		Int("workers", workers).
		Msg("Starting fan-out")

	queue := make(chan string, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	results := make(chan outcome, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go e.worker(ctx, queue, results, task, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	done := 0
	for res := range results {
		done++
		if res.err != nil {
			report.Failed[res.target] = res.err
			partitionsTotal.WithLabelValues("failed").Inc()
		} else {
			report.Succeeded = append(report.Succeeded, res.target)
			partitionsTotal.WithLabelValues("ok").Inc()
		}

		if done%progressEvery == 0 {
			e.logger.Info().
				Int("done", done).
				Int("total", len(targets)).
				Float64("progress_pct", float64(done)/float64(len(targets))*100).
				Msg("Fan-out progress")
		}
	}

	report.Duration = time.Since(start)
	e.logger.Info().
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Fan-out complete")

	return report
}

// worker drains the queue. After ctx is cancelled the remaining targets are
// reported with the context error instead of being run.
func (e *Executor) worker(ctx context.Context, queue <-chan string, results chan<- outcome, task Task, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for target := range queue {
		if err := ctx.Err(); err != nil {
			results <- outcome{target: target, err: err}
			continue
		}

		err := e.runTask(ctx, target, task)
		if err != nil {
			e.logger.Error().
				Err(err).
				Int("worker_id", workerID).
				Str("partition", target).
				Msg("Partition failed")
		}
		results <- outcome{target: target, err: err}
		processed++
	}

	e.logger.Debug().
		Int("worker_id", workerID).
		Int("partitions_processed", processed).
		Msg("Worker completed")
}

func (e *Executor) runTask(ctx context.Context, target string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("partition", target).
				Bytes("stack", debug.Stack()).
				Msg("Recovered task panic")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task(ctx, target, e.limiter)
}
