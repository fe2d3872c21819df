package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const defaultLocalName = "mailmon.localhost"

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool

	InsecureSkipVerify bool

	// From is the envelope sender. When empty it is taken from the From
	// header of the probe template.
	From string
	// LocalName is sent with EHLO. It is ignored when StartTLS is set.
	LocalName string

	DialTimeout time.Duration
	Timeout     time.Duration
}

func (c SMTPConfig) addr() string {
	port := c.Port
	if port == 0 {
		if c.SSL {
			port = 465
		} else {
			port = 587
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dispatcher composes probe messages and hands them to the outbound relay.
type Dispatcher struct {
	config   SMTPConfig
	template ProbeTemplate
	now      func() time.Time
}

// NewDispatcher creates a new probe dispatcher
func NewDispatcher(config SMTPConfig, template ProbeTemplate) *Dispatcher {
	if config.LocalName == "" {
		config.LocalName = defaultLocalName
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultCommandTimeout
	}
	return &Dispatcher{
		config:   config,
		template: template,
		now:      time.Now,
	}
}

// Compose builds a probe for the recipient without sending it.
func (d *Dispatcher) Compose(to, body string, meta ProbeMeta) (*Probe, error) {
	token := GenerateMessageID(d.template.IDString, d.domain())

	var h mail.Header
	for _, hd := range d.template.Headers {
		value := strings.ReplaceAll(hd.Value, "{addr}", to)
		if strings.EqualFold(hd.Key, "Subject") {
			h.SetSubject(value)
			continue
		}
		h.Set(hd.Key, value)
	}
	if !h.Has("To") {
		h.SetAddressList("To", []*mail.Address{{Address: to}})
	}
	if !h.Has("From") && d.config.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: d.config.From}})
	}
	h.Set("Message-Id", token)
	h.SetDate(d.now())
	if meta.RunID != "" {
		h.Set("X-Mailmon-Run", meta.RunID)
	}
	if meta.Target != "" {
		h.Set("X-Mailmon-Target", meta.Target)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return &Probe{
		Token: token,
		To:    to,
		Body:  body,
		Raw:   buf.Bytes(),
	}, nil
}

// Send composes a probe and transmits it through the relay. SentAt is
// taken after the relay accepted the message data.
func (d *Dispatcher) Send(ctx context.Context, to, body string, meta ProbeMeta) (*Probe, error) {
	probe, err := d.Compose(to, body, meta)
	if err != nil {
		return nil, &SendError{Stage: "compose", Err: err}
	}

	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.SendMail(d.EnvelopeFrom(), []string{to}, bytes.NewReader(probe.Raw)); err != nil {
		return nil, &SendError{Stage: "transmit", Err: err}
	}
	probe.SentAt = d.now()

	// The relay already accepted the message; a failed QUIT does not undo that.
	_ = client.Quit()

	return probe, nil
}

// connect dials the relay, upgrades the connection and authenticates.
func (d *Dispatcher) connect(ctx context.Context) (*smtp.Client, error) {
	addr := d.config.addr()
	tlsCfg := &tls.Config{
		ServerName:         d.config.Host,
		InsecureSkipVerify: d.config.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: d.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &SendError{Stage: "dial", Err: &ConnectionError{Op: "smtp dial", Addr: addr, Err: err}}
	}
	if d.config.SSL {
		conn = tls.Client(conn, tlsCfg)
	}

	var client *smtp.Client
	if d.config.StartTLS && !d.config.SSL {
		// NewClientStartTLS sends its own EHLO, so LocalName is not applied here.
		conn.SetDeadline(time.Now().Add(d.config.Timeout))
		client, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			return nil, &SendError{Stage: "starttls", Err: err}
		}
		conn.SetDeadline(time.Time{})
	} else {
		client = smtp.NewClient(conn)
		if err := client.Hello(d.config.LocalName); err != nil {
			client.Close()
			return nil, &SendError{Stage: "ehlo", Err: err}
		}
	}
	client.CommandTimeout = d.config.Timeout
	client.SubmissionTimeout = d.config.Timeout

	if d.config.Password != "" {
		auth := sasl.NewPlainClient("", d.config.Username, d.config.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			if isSMTPAuthRejection(err) {
				return nil, &AuthError{Protocol: "smtp", User: d.config.Username, Err: err}
			}
			return nil, &SendError{Stage: "auth", Err: err}
		}
	}

	return client, nil
}

// EnvelopeFrom returns the MAIL FROM address used for probes.
func (d *Dispatcher) EnvelopeFrom() string {
	if d.config.From != "" {
		return d.config.From
	}
	for _, hd := range d.template.Headers {
		if !strings.EqualFold(hd.Key, "From") {
			continue
		}
		if addr, err := mail.ParseAddress(hd.Value); err == nil {
			return addr.Address
		}
	}
	return d.config.Username
}

func (d *Dispatcher) domain() string {
	if d.template.FromDomain != "" {
		return d.template.FromDomain
	}
	return DomainOf(d.EnvelopeFrom())
}

func isSMTPAuthRejection(err error) bool {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	switch smtpErr.Code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}
