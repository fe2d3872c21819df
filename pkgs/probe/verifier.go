// Package probe drives one delivery check: send a tagged message, then poll
// the destination mailboxes with back-off until the message shows up, lands
// in a spam folder or the attempts run out.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/emx-mail/mailmon/pkgs/email"
)

// DefaultSpamFolders are tried in order after the inbox on every attempt.
var DefaultSpamFolders = []string{"Junk", "Spam"}

// Sender transmits a probe. *email.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, to, body string, meta email.ProbeMeta) (*email.Probe, error)
}

// Opener returns an authenticated mailbox session for one target.
type Opener func(ctx context.Context) (email.Session, error)

// Request describes one verification.
type Request struct {
	Target  string
	Address string
	Body    string
	Meta    email.ProbeMeta

	// Inbox defaults to email.DefaultInbox, SpamFolders to DefaultSpamFolders.
	Inbox       string
	SpamFolders []string

	Open   Opener
	Sender Sender
}

// Verifier runs the send-then-poll state machine.
type Verifier struct {
	maxAttempts int
	backoff     func(attempt int) time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *log.Logger
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithLogger overrides the logger used for cleanup diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Verifier) {
		v.sleep = sleep
	}
}

// NewVerifier returns a Verifier with the standard attempt cap and back-off.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		maxAttempts: MaxAttempts,
		backoff:     Backoff,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      log.New(os.Stderr, "[mailmon] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify opens the target's mailbox session, sends the probe and polls until
// the probe is resolved. It always returns exactly one Outcome; failures are
// reported as Errored. The session is closed on every path.
func (v *Verifier) Verify(ctx context.Context, req Request) (out Outcome) {
	out = Outcome{Target: req.Target}
	defer func() {
		if r := recover(); r != nil {
			out.Status = Errored
			out.Err = fmt.Errorf("panic during check: %v", r)
		}
	}()

	if req.Open == nil || req.Sender == nil {
		return errored(out, errors.New("verification request needs a session opener and a sender"))
	}

	session, err := req.Open(ctx)
	if err != nil {
		return errored(out, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			v.logger.Printf("[%s] close session: %v", req.Target, err)
		}
	}()

	probe, err := req.Sender.Send(ctx, req.Address, req.Body, req.Meta)
	if err != nil {
		return errored(out, err)
	}
	sentAt := probe.SentAt
	if sentAt.IsZero() {
		sentAt = v.now()
	}

	inbox := req.Inbox
	if inbox == "" {
		inbox = email.DefaultInbox
	}
	spam := req.SpamFolders
	if spam == nil {
		spam = DefaultSpamFolders
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt

		status, mailbox, err := v.poll(session, probe.Token, inbox, spam)
		if err != nil {
			out.Elapsed = v.now().Sub(sentAt)
			return errored(out, fmt.Errorf("attempt %d: %w", attempt, err))
		}
		if status != TimedOut {
			out.Status = status
			out.Mailbox = mailbox
			out.Elapsed = v.now().Sub(sentAt)
			return out
		}

		if attempt >= v.maxAttempts {
			out.Status = TimedOut
			out.Elapsed = v.now().Sub(sentAt)
			return out
		}

		if err := v.sleep(ctx, v.backoff(attempt)); err != nil {
			out.Elapsed = v.now().Sub(sentAt)
			return errored(out, err)
		}
	}
}

// poll runs one attempt. The inbox is checked before any spam folder, so a
// probe present in both counts as delivered. TimedOut means not found.
func (v *Verifier) poll(session email.Session, token, inbox string, spam []string) (Status, string, error) {
	found, err := findIn(session, inbox, token)
	if err != nil {
		return Errored, "", err
	}
	if found {
		return Delivered, inbox, nil
	}

	for _, folder := range spam {
		found, err := findIn(session, folder, token)
		if err != nil {
			return Errored, "", err
		}
		if found {
			return DeliveredToSpam, folder, nil
		}
	}
	return TimedOut, "", nil
}

func findIn(session email.Session, mailbox, token string) (bool, error) {
	ok, err := session.SelectMailbox(mailbox)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return session.FindByCorrelationToken(token)
}

func errored(out Outcome, err error) Outcome {
	out.Status = Errored
	out.Err = err
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
