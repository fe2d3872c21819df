package monitor

import (
	"context"
	"strings"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/email"
	"github.com/emx-mail/mailmon/pkgs/probe"
)

// probeTemplate builds the message template from the mail section.
func probeTemplate(cfg *config.Config) email.ProbeTemplate {
	headers := make([]email.Header, 0, len(cfg.Mail.Headers))
	for _, h := range cfg.Mail.Headers {
		headers = append(headers, email.Header{Key: h.Name, Value: h.Value})
	}
	return email.ProbeTemplate{
		Headers:    headers,
		Body:       cfg.Mail.Template,
		FromDomain: cfg.Source.FromDomain,
		IDString:   cfg.Source.IDString,
	}
}

func smtpConfig(cfg *config.Config) email.SMTPConfig {
	src := cfg.Source
	return email.SMTPConfig{
		Host:               src.SMTPHost,
		Port:               src.SMTPPort,
		Username:           src.SMTPUser,
		Password:           src.SMTPPassword,
		SSL:                src.SSL,
		StartTLS:           src.StartTLS && !src.SSL,
		InsecureSkipVerify: src.InsecureSkipVerify,
		From:               src.From,
		LocalName:          src.LocalName,
		DialTimeout:        cfg.Timeouts.Dial,
		Timeout:            cfg.Timeouts.Command,
	}
}

func consumePolicy(t config.TargetConfig) email.ConsumePolicy {
	if t.PreserveForeign {
		return email.ConsumeMatching
	}
	return email.ConsumeAll
}

// sessionOpener returns a function that dials and authenticates the
// target's retrieval endpoint.
func sessionOpener(cfg *config.Config, t config.TargetConfig) probe.Opener {
	if strings.EqualFold(t.Protocol, config.ProtocolPOP3) {
		pc := email.POP3Config{
			Host:               t.Host,
			Port:               t.Port,
			Username:           t.User,
			Password:           t.Password,
			SSL:                t.UseSSL(),
			InsecureSkipVerify: t.InsecureSkipVerify,
			DialTimeout:        cfg.Timeouts.Dial,
			Inbox:              t.Inbox,
			Consume:            consumePolicy(t),
		}
		return func(ctx context.Context) (email.Session, error) {
			s, err := email.DialPOP3(ctx, pc)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	ic := email.IMAPConfig{
		Host:               t.Host,
		Port:               t.Port,
		Username:           t.User,
		Password:           t.Password,
		SSL:                t.UseSSL(),
		StartTLS:           t.StartTLS && !t.UseSSL(),
		InsecureSkipVerify: t.InsecureSkipVerify,
		DialTimeout:        cfg.Timeouts.Dial,
		Timeout:            cfg.Timeouts.Command,
		Consume:            consumePolicy(t),
	}
	return func(ctx context.Context) (email.Session, error) {
		s, err := email.DialIMAP(ctx, ic)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
