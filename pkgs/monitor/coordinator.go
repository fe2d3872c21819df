// Package monitor runs delivery checks for every configured target and
// reports the results.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/email"
	"github.com/emx-mail/mailmon/pkgs/healthcheck"
	"github.com/emx-mail/mailmon/pkgs/metrics"
	"github.com/emx-mail/mailmon/pkgs/probe"
	"github.com/emx-mail/mailmon/pkgs/snippet"
)

// ConfigSource provides the configuration for the next run.
// *config.Store implements it.
type ConfigSource interface {
	Current() *config.Config
}

type staticSource struct{ cfg *config.Config }

func (s staticSource) Current() *config.Config { return s.cfg }

// Static wraps a fixed configuration.
func Static(cfg *config.Config) ConfigSource {
	return staticSource{cfg: cfg}
}

// Coordinator fans a check run out over all targets.
type Coordinator struct {
	configs  ConfigSource
	verifier *probe.Verifier
	metrics  *metrics.Recorder
	logger   *log.Logger
	now      func() time.Time
	onRun    func(time.Time)

	outMu  sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOutput redirects the operator result lines (stdout) and the per
// target error lines (stderr).
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *Coordinator) {
		if stdout != nil {
			c.stdout = stdout
		}
		if stderr != nil {
			c.stderr = stderr
		}
	}
}

// WithMetrics records outcomes on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = rec
	}
}

// WithVerifier replaces the default verifier.
func WithVerifier(v *probe.Verifier) Option {
	return func(c *Coordinator) {
		if v != nil {
			c.verifier = v
		}
	}
}

// WithRunObserver registers fn to be called with the start time of every run.
func WithRunObserver(fn func(time.Time)) Option {
	return func(c *Coordinator) {
		c.onRun = fn
	}
}

// New creates a coordinator reading its configuration from configs.
func New(configs ConfigSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		configs: configs,
		logger:  log.New(os.Stderr, "[mailmon] ", log.LstdFlags),
		now:     time.Now,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = probe.NewVerifier(probe.WithLogger(c.logger))
	}
	return c
}

// Run is the scheduled job: it fetches a snippet and checks every target
// of the current configuration.
func (c *Coordinator) Run(ctx context.Context) []probe.Outcome {
	cfg := c.configs.Current()
	return c.run(ctx, cfg, cfg.Targets, c.snippet(ctx, cfg))
}

// Snippet fetches the text substituted for {snippet} in the body template.
// It returns "" when the source is disabled or unreachable.
func (c *Coordinator) Snippet(ctx context.Context) string {
	return c.snippet(ctx, c.configs.Current())
}

func (c *Coordinator) snippet(ctx context.Context, cfg *config.Config) string {
	if cfg.Snippet.Disabled {
		return ""
	}
	src := snippet.New(snippet.Config{
		URL:     cfg.Snippet.URL,
		Timeout: cfg.Snippet.Timeout,
	})
	text, err := src.Fetch(ctx)
	if err != nil {
		c.printf(c.stderr, "Could not load snippet: %v\n", err)
		return ""
	}
	return text
}

// RunOnce checks targets concurrently and returns their outcomes in target
// order. The probe body is rendered once from text and shared by all
// targets. A failing target never affects the others.
func (c *Coordinator) RunOnce(ctx context.Context, targets []config.TargetConfig, text string) []probe.Outcome {
	return c.run(ctx, c.configs.Current(), targets, text)
}

// run checks targets against one configuration snapshot.
func (c *Coordinator) run(ctx context.Context, cfg *config.Config, targets []config.TargetConfig, text string) []probe.Outcome {
	started := c.now()
	c.printf(c.stdout, "Starting check run\n")
	c.metrics.RunStarted(started)
	if c.onRun != nil {
		c.onRun(started)
	}

	template := probeTemplate(cfg)
	body := template.FormatBody(text)
	dispatcher := email.NewDispatcher(smtpConfig(cfg), template)
	runID := uuid.NewString()

	var reporter *healthcheck.Reporter
	if cfg.Kuma.Host != "" {
		reporter = healthcheck.NewReporter(healthcheck.Config{
			Host:    cfg.Kuma.Host,
			Timeout: cfg.Kuma.Timeout,
		})
	}

	outcomes := make([]probe.Outcome, len(targets))
	p := pool.New().WithMaxGoroutines(workers(cfg))
	for i, target := range targets {
		p.Go(func() {
			out := c.verifier.Verify(ctx, probe.Request{
				Target:      target.Name,
				Address:     target.Address,
				Body:        body,
				Meta:        email.ProbeMeta{RunID: runID, Target: target.Name},
				Inbox:       target.Inbox,
				SpamFolders: target.SpamFolders,
				Open:        sessionOpener(cfg, target),
				Sender:      dispatcher,
			})
			outcomes[i] = out
			c.report(ctx, reporter, target, out)
		})
	}
	p.Wait()

	return outcomes
}

func (c *Coordinator) report(ctx context.Context, reporter *healthcheck.Reporter, target config.TargetConfig, out probe.Outcome) {
	if out.Status == probe.Errored {
		c.printf(c.stderr, "Error while running check for %s: %v\n", target.Name, out.Err)
	} else {
		c.printf(c.stdout, "%s\n", out.Summary())
	}
	if interrupted(ctx, out) {
		// The check did not finish; reporting it would raise a false alert.
		c.logger.Printf("[%s] check interrupted, result not reported", target.Name)
		return
	}
	c.metrics.ObserveOutcome(out)

	if reporter == nil || target.KumaKey == "" {
		return
	}
	// Finished results are still pushed when the run is being cancelled.
	pushCtx := context.WithoutCancel(ctx)
	if err := reporter.Push(pushCtx, target.KumaKey, out.Up(), out.Summary(), out.Elapsed); err != nil {
		c.logger.Printf("[%s] health-check push failed: %v", target.Name, err)
		c.metrics.PushFailed()
	}
}

// interrupted reports whether out failed because the run was cancelled.
func interrupted(ctx context.Context, out probe.Outcome) bool {
	if out.Status != probe.Errored {
		return false
	}
	return ctx.Err() != nil || errors.Is(out.Err, context.Canceled)
}

func (c *Coordinator) printf(w io.Writer, format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(w, format, args...)
}

func workers(cfg *config.Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return runtime.NumCPU()
}
