package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// IMAPConfig holds IMAP configuration
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool

	InsecureSkipVerify bool

	// DialTimeout bounds connection setup, Timeout bounds every command.
	DialTimeout time.Duration
	Timeout     time.Duration

	Consume ConsumePolicy
}

func (c IMAPConfig) addr() string {
	port := c.Port
	if port == 0 {
		if c.SSL {
			port = 993
		} else {
			port = 143
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// imapClient is the subset of imapclient.Client used by IMAPSession.
type imapClient interface {
	Login(username, password string) commandWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() closeWaiter
	UnselectAndExpunge() commandWaiter
	Logout() commandWaiter
	Close() error
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type closeWaiter interface{ Close() error }

// IMAPSession is one authenticated IMAP connection used to look for probes.
type IMAPSession struct {
	config IMAPConfig
	addr   string
	conn   net.Conn
	client imapClient

	selected string
	pending  int
	closed   bool
}

var _ Session = (*IMAPSession)(nil)

var headerSection = &imap.FetchItemBodySection{
	Specifier: imap.PartSpecifierHeader,
	Peek:      true,
}

// OpenIMAPSession establishes a connection to the IMAP server. The session
// is not authenticated yet.
func OpenIMAPSession(ctx context.Context, config IMAPConfig) (*IMAPSession, error) {
	if config.Host == "" {
		return nil, &ConnectionError{Op: "dial", Err: errors.New("imap host not configured")}
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultCommandTimeout
	}
	addr := config.addr()

	dialer := &net.Dialer{Timeout: config.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}

	tlsCfg := &tls.Config{
		ServerName:         config.Host,
		InsecureSkipVerify: config.InsecureSkipVerify,
	}
	opts := &imapclient.Options{TLSConfig: tlsCfg}

	// The greeting and STARTTLS negotiation run under the dial deadline.
	_ = raw.SetDeadline(time.Now().Add(config.DialTimeout))

	var client *imapclient.Client
	switch {
	case config.SSL:
		tlsConn := tls.Client(raw, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, &ConnectionError{Op: "tls handshake", Addr: addr, Err: err}
		}
		client = imapclient.New(tlsConn, opts)
	case config.StartTLS:
		client, err = imapclient.NewStartTLS(raw, opts)
		if err != nil {
			raw.Close()
			return nil, &ConnectionError{Op: "starttls", Addr: addr, Err: err}
		}
	default:
		client = imapclient.New(raw, opts)
	}
	_ = raw.SetDeadline(time.Time{})

	return newIMAPSession(config, addr, raw, &imapClientWrapper{Client: client}), nil
}

// DialIMAP opens and authenticates a session with the configured
// credentials. On authentication failure the session is closed.
func DialIMAP(ctx context.Context, config IMAPConfig) (*IMAPSession, error) {
	s, err := OpenIMAPSession(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := s.Authenticate(config.Username, config.Password); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newIMAPSession(config IMAPConfig, addr string, conn net.Conn, client imapClient) *IMAPSession {
	if config.Timeout <= 0 {
		config.Timeout = defaultCommandTimeout
	}
	return &IMAPSession{
		config: config,
		addr:   addr,
		conn:   conn,
		client: client,
	}
}

// Authenticate logs in. A rejection by the server is an AuthError.
func (s *IMAPSession) Authenticate(user, secret string) error {
	defer s.arm()()

	if err := s.client.Login(user, secret).Wait(); err != nil {
		if isIMAPStatusError(err) {
			return &AuthError{Protocol: "imap", User: user, Err: err}
		}
		return s.connErr("login", err)
	}
	return nil
}

// SelectMailbox selects a mailbox, purging deletions pending in the
// previously selected one first. A missing mailbox yields false.
func (s *IMAPSession) SelectMailbox(name string) (bool, error) {
	err := s.selectMailbox(name)
	if errors.Is(err, ErrMailboxUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *IMAPSession) selectMailbox(name string) error {
	if err := s.purgeSelected(); err != nil {
		return err
	}

	defer s.arm()()

	if _, err := s.client.Select(name, nil).Wait(); err != nil {
		// A failed SELECT leaves the connection in the authenticated state.
		s.selected = ""
		if isIMAPStatusError(err) {
			return fmt.Errorf("select %s: %w", name, ErrMailboxUnavailable)
		}
		return s.connErr("select "+name, err)
	}
	s.selected = name
	return nil
}

// purgeSelected expunges the selected mailbox if this session flagged
// messages in it. SELECT of another mailbox would otherwise leave them.
func (s *IMAPSession) purgeSelected() error {
	if s.selected == "" || s.pending == 0 {
		return nil
	}
	defer s.arm()()

	if err := s.client.Expunge().Close(); err != nil {
		return s.connErr("expunge "+s.selected, err)
	}
	s.pending = 0
	return nil
}

// FindByCorrelationToken searches the unseen messages of the selected
// mailbox for the token. Examined messages are flagged \Seen and \Deleted
// according to the consume policy, so a matched probe never matches again.
func (s *IMAPSession) FindByCorrelationToken(token string) (bool, error) {
	if s.selected == "" {
		return false, errors.New("imap: no mailbox selected")
	}

	defer s.arm()()

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return false, s.connErr("search "+s.selected, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return false, nil
	}

	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return false, s.connErr("fetch "+s.selected, err)
	}

	found := false
	consume := make([]imap.UID, 0, len(msgs))
	for _, buf := range msgs {
		match := sameMessageID(messageIDFromHeader(buf.FindBodySection(headerSection)), token)
		if match {
			found = true
		}
		if match || s.config.Consume == ConsumeAll {
			consume = append(consume, buf.UID)
		}
	}

	if len(consume) > 0 {
		store := &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
		}
		if err := s.client.Store(imap.UIDSetNum(consume...), store, nil).Close(); err != nil {
			return found, s.connErr("store "+s.selected, err)
		}
		s.pending += len(consume)
	}

	return found, nil
}

// Close expunges and closes the selected mailbox, logs out and closes the
// connection. Subsequent calls are no-ops.
func (s *IMAPSession) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		if s.conn != nil {
			return s.conn.Close()
		}
		return nil
	}

	var errs []error
	if s.selected != "" {
		done := s.arm()
		if err := s.client.Expunge().Close(); err != nil {
			errs = append(errs, fmt.Errorf("imap expunge: %w", err))
		}
		if err := s.client.UnselectAndExpunge().Wait(); err != nil {
			errs = append(errs, fmt.Errorf("imap close: %w", err))
		}
		done()
		s.selected = ""
		s.pending = 0
	}

	done := s.arm()
	logoutErr := s.client.Logout().Wait()
	done()
	if logoutErr != nil {
		errs = append(errs, fmt.Errorf("imap logout: %w", logoutErr))
	}

	// After a clean LOGOUT the server hangs up, so a close error is expected.
	if err := s.client.Close(); err != nil && logoutErr != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("imap disconnect: %w", err))
	}

	return errors.Join(errs...)
}

// arm puts a deadline on the connection for one command and returns the
// func that clears it. No deadline may stay armed between commands: the
// client reads the socket in the background and would fail while idle.
func (s *IMAPSession) arm() func() {
	if s.conn == nil {
		return func() {}
	}
	_ = s.conn.SetDeadline(time.Now().Add(s.config.Timeout))
	return func() { _ = s.conn.SetDeadline(time.Time{}) }
}

func (s *IMAPSession) connErr(op string, err error) error {
	return &ConnectionError{Op: "imap " + op, Addr: s.addr, Err: err}
}

func isIMAPStatusError(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Expunge() closeWaiter { return w.Client.Expunge() }
func (w *imapClientWrapper) UnselectAndExpunge() commandWaiter {
	return w.Client.UnselectAndExpunge()
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
