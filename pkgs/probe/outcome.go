package probe

import (
	"fmt"
	"time"
)

// Status is the terminal state of one verification.
type Status int

const (
	Delivered Status = iota
	DeliveredToSpam
	TimedOut
	Errored
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case DeliveredToSpam:
		return "spam"
	case TimedOut:
		return "timeout"
	case Errored:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of verifying one target.
type Outcome struct {
	Target   string
	Status   Status
	Elapsed  time.Duration
	Attempts int
	// Mailbox is where the probe was found. Empty unless delivered.
	Mailbox string
	// Err is set for Errored outcomes only.
	Err error
}

// Up reports whether the target counts as healthy.
func (o Outcome) Up() bool {
	return o.Status == Delivered
}

// Summary renders the operator line for the outcome.
func (o Outcome) Summary() string {
	switch o.Status {
	case Errored:
		return fmt.Sprintf("[%s] %v", o.Target, o.Err)
	case DeliveredToSpam:
		return fmt.Sprintf("[%s] %.3f seconds (⚠️ Marked as Spam)", o.Target, o.Elapsed.Seconds())
	case TimedOut:
		return fmt.Sprintf("[%s] %.3f seconds (no delivery after %d attempts)", o.Target, o.Elapsed.Seconds(), o.Attempts)
	default:
		return fmt.Sprintf("[%s] %.3f seconds", o.Target, o.Elapsed.Seconds())
	}
}
