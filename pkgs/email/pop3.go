package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

// POP3Config holds POP3 configuration
type POP3Config struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool

	InsecureSkipVerify bool
	DialTimeout        time.Duration

	// Inbox is the name under which the maildrop can be selected.
	Inbox   string
	Consume ConsumePolicy
}

func (c POP3Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.SSL {
		return 995
	}
	return 110
}

type pop3Connection interface {
	Auth(user, password string) error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

type pop3ConnFactory func() (pop3Connection, error)

// POP3Session looks for probes in a POP3 maildrop. POP3 locks the maildrop
// for the lifetime of a connection, so every SelectMailbox after a search
// commits the pending deletions with QUIT and reconnects to see new mail.
type POP3Session struct {
	config POP3Config
	addr   string
	dial   pop3ConnFactory
	conn   pop3Connection

	user, secret string
	selected     bool
	dirty        bool
	closed       bool
}

var _ Session = (*POP3Session)(nil)

// OpenPOP3Session connects to the POP3 server. The session is not
// authenticated yet.
func OpenPOP3Session(_ context.Context, config POP3Config) (*POP3Session, error) {
	if config.Host == "" {
		return nil, &ConnectionError{Op: "dial", Err: errors.New("pop3 host not configured")}
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	client := pop3.New(pop3.Opt{
		Host:          config.Host,
		Port:          config.port(),
		DialTimeout:   config.DialTimeout,
		TLSEnabled:    config.SSL,
		TLSSkipVerify: config.InsecureSkipVerify,
	})
	factory := func() (pop3Connection, error) {
		return client.NewConn()
	}
	return newPOP3Session(config, factory)
}

// DialPOP3 opens and authenticates a session with the configured credentials.
func DialPOP3(ctx context.Context, config POP3Config) (*POP3Session, error) {
	s, err := OpenPOP3Session(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := s.Authenticate(config.Username, config.Password); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newPOP3Session(config POP3Config, dial pop3ConnFactory) (*POP3Session, error) {
	if config.Inbox == "" {
		config.Inbox = DefaultInbox
	}
	s := &POP3Session{
		config: config,
		addr:   net.JoinHostPort(config.Host, strconv.Itoa(config.port())),
		dial:   dial,
	}
	conn, err := dial()
	if err != nil {
		return nil, &ConnectionError{Op: "pop3 dial", Addr: s.addr, Err: err}
	}
	s.conn = conn
	return s, nil
}

// Authenticate logs in with USER/PASS.
func (s *POP3Session) Authenticate(user, secret string) error {
	if err := s.conn.Auth(user, secret); err != nil {
		if isNetError(err) {
			return &ConnectionError{Op: "pop3 auth", Addr: s.addr, Err: err}
		}
		return &AuthError{Protocol: "pop3", User: user, Err: err}
	}
	s.user, s.secret = user, secret
	return nil
}

// SelectMailbox selects the maildrop. Only the configured inbox exists.
func (s *POP3Session) SelectMailbox(name string) (bool, error) {
	if !strings.EqualFold(name, s.config.Inbox) {
		return false, nil
	}
	if s.dirty {
		if err := s.reconnect(); err != nil {
			return false, err
		}
	}
	s.selected = true
	return true, nil
}

func (s *POP3Session) reconnect() error {
	old := s.conn
	s.conn = nil
	if err := old.Quit(); err != nil {
		return &ConnectionError{Op: "pop3 quit", Addr: s.addr, Err: err}
	}

	conn, err := s.dial()
	if err != nil {
		return &ConnectionError{Op: "pop3 dial", Addr: s.addr, Err: err}
	}
	s.conn = conn
	s.dirty = false
	if err := s.Authenticate(s.user, s.secret); err != nil {
		return err
	}
	return nil
}

// FindByCorrelationToken retrieves every message in the maildrop and marks
// examined messages for deletion according to the consume policy.
func (s *POP3Session) FindByCorrelationToken(token string) (bool, error) {
	if !s.selected || s.conn == nil {
		return false, errors.New("pop3: no mailbox selected")
	}
	s.dirty = true

	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return false, &ConnectionError{Op: "pop3 uidl", Addr: s.addr, Err: err}
	}

	found := false
	for _, meta := range msgs {
		raw, err := s.conn.RetrRaw(meta.ID)
		if err != nil {
			return found, &ConnectionError{Op: fmt.Sprintf("pop3 retr %d", meta.ID), Addr: s.addr, Err: err}
		}
		match := sameMessageID(messageIDFromHeader(raw.Bytes()), token)
		if match {
			found = true
		}
		if match || s.config.Consume == ConsumeAll {
			if err := s.conn.Dele(meta.ID); err != nil {
				return found, &ConnectionError{Op: fmt.Sprintf("pop3 dele %d", meta.ID), Addr: s.addr, Err: err}
			}
		}
	}
	return found, nil
}

// Close commits deletions with QUIT. Subsequent calls are no-ops.
func (s *POP3Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
