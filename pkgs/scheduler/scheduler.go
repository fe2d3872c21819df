// Package scheduler runs the check job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled execution.
type Job func(ctx context.Context)

// Runner fires a Job on a cron schedule. A run that is still in progress
// when the next one is due causes that next one to be skipped.
type Runner struct {
	cron         *cron.Cron
	schedule     cron.Schedule
	spec         string
	job          Job
	runOnStartup bool
	verbose      bool
	logger       *log.Logger
	wg           sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger overrides the runner logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunOnStartup fires the job once immediately when the runner starts.
func WithRunOnStartup(enabled bool) Option {
	return func(r *Runner) {
		r.runOnStartup = enabled
	}
}

// WithVerbose also logs cron's informational events (wake ups, job starts
// and skips). Errors and recovered panics are always logged.
func WithVerbose(enabled bool) Option {
	return func(r *Runner) {
		r.verbose = enabled
	}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates spec (five-field cron or a descriptor such as "@hourly" or
// "@every 15m") and returns a runner for job.
func New(spec string, job Job, opts ...Option) (*Runner, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	r := &Runner{
		schedule: schedule,
		spec:     spec,
		job:      job,
		logger:   log.New(os.Stderr, "[mailmon] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}

	cronLogger := cron.PrintfLogger(r.logger)
	if r.verbose {
		cronLogger = cron.VerbosePrintfLogger(r.logger)
	}
	r.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return r, nil
}

// Next returns the next activation after t.
func (r *Runner) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Start schedules the job and blocks until ctx is cancelled. In-flight runs
// receive the cancelled context and are waited for before Start returns.
func (r *Runner) Start(ctx context.Context) error {
	id := r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		r.job(ctx)
	}))

	r.logger.Printf("scheduler started with schedule %q, next run at %s",
		r.spec, r.Next(time.Now()).Format(time.RFC3339))
	r.cron.Start()

	if r.runOnStartup {
		// The wrapped job carries the skip-if-running chain.
		job := r.cron.Entry(id).WrappedJob
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	r.Stop()
	return nil
}

// Stop stops scheduling new runs and waits for running ones, including the
// startup run, to finish.
func (r *Runner) Stop() {
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.wg.Wait()
	r.logger.Println("scheduler stopped")
}
