package monitor

import (
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
	"github.com/google/uuid"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/email"
)

// Preview composes the probe for every target without sending anything and
// writes the messages to w in mbox format.
func (c *Coordinator) Preview(w io.Writer, targets []config.TargetConfig, text string) error {
	cfg := c.configs.Current()

	template := probeTemplate(cfg)
	body := template.FormatBody(text)
	dispatcher := email.NewDispatcher(smtpConfig(cfg), template)
	runID := uuid.NewString()

	from := dispatcher.EnvelopeFrom()
	if from == "" {
		from = "MAILER-DAEMON"
	}

	mw := mbox.NewWriter(w)
	for _, target := range targets {
		p, err := dispatcher.Compose(target.Address, body, email.ProbeMeta{RunID: runID, Target: target.Name})
		if err != nil {
			return fmt.Errorf("composing probe for %s: %w", target.Name, err)
		}

		msg, err := mw.CreateMessage(from, c.now())
		if err != nil {
			return fmt.Errorf("creating message: %w", err)
		}
		if _, err := msg.Write(p.Raw); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing mbox writer: %w", err)
	}
	return nil
}
