package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// ---------------------------------------------------------------------------
// IMAP mock server helper
// ---------------------------------------------------------------------------

const (
	imapTestUser = "testuser"
	imapTestPass = "testpass"
)

// newTestIMAPServer starts an in-memory IMAP server with INBOX and Junk
// and returns the listen address. The server is closed via t.Cleanup.
func newTestIMAPServer(t *testing.T) string {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(imapTestUser, imapTestPass)
	user.Create("INBOX", nil)
	user.Create("Junk", nil)
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

// appendTestMail appends a raw RFC 5322 message to the given mailbox via
// a direct IMAP client (not through IMAPSession).
func appendTestMail(t *testing.T, addr, mailbox, rawMsg string) {
	t.Helper()

	c := dialRawIMAP(t, addr)
	defer c.Close()

	appendCmd := c.Append(mailbox, int64(len(rawMsg)), nil)
	if _, err := appendCmd.Write([]byte(rawMsg)); err != nil {
		t.Fatal(err)
	}
	if err := appendCmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		t.Fatal(err)
	}
}

// countTestMail returns the number of messages currently in mailbox.
func countTestMail(t *testing.T, addr, mailbox string) uint32 {
	t.Helper()

	c := dialRawIMAP(t, addr)
	defer c.Close()

	data, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		t.Fatal(err)
	}
	return data.NumMessages
}

func dialRawIMAP(t *testing.T, addr string) *imapclient.Client {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	if err := c.Login(imapTestUser, imapTestPass).Wait(); err != nil {
		c.Close()
		t.Fatal(err)
	}
	return c
}

func testIMAPConfig(t *testing.T, addr string) IMAPConfig {
	t.Helper()
	host, port := splitHostPort(t, addr)
	return IMAPConfig{
		Host:     host,
		Port:     port,
		Username: imapTestUser,
		Password: imapTestPass,
	}
}

// newIMAPTestSession opens an authenticated session against the test server.
func newIMAPTestSession(t *testing.T, addr string, consume ConsumePolicy) *IMAPSession {
	t.Helper()
	cfg := testIMAPConfig(t, addr)
	cfg.Consume = consume
	s, err := DialIMAP(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DialIMAP() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// probeMail returns a minimal message carrying the given Message-Id.
func probeMail(messageID string) string {
	return "MIME-Version: 1.0\r\n" +
		"From: monitor@example.com\r\n" +
		"To: rcpt@example.com\r\n" +
		"Subject: mailmon probe\r\n" +
		"Date: Mon, 10 Feb 2026 08:00:00 +0000\r\n" +
		"Message-Id: " + messageID + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"probe body"
}

// ---------------------------------------------------------------------------
// Tests against the in-memory server
// ---------------------------------------------------------------------------

func TestIMAPAuthenticate(t *testing.T) {
	addr := newTestIMAPServer(t)

	s, err := DialIMAP(context.Background(), testIMAPConfig(t, addr))
	if err != nil {
		t.Fatalf("DialIMAP() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestIMAPAuthenticate_BadCredentials(t *testing.T) {
	addr := newTestIMAPServer(t)
	cfg := testIMAPConfig(t, addr)
	cfg.Password = "wrong"

	s, err := DialIMAP(context.Background(), cfg)
	if err == nil {
		s.Close()
		t.Fatal("expected auth error, got nil")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %T: %v", err, err)
	}
}

func TestIMAPDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = OpenIMAPSession(context.Background(), testIMAPConfig(t, addr))
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestIMAPSelectMailbox_Missing(t *testing.T) {
	addr := newTestIMAPServer(t)
	s := newIMAPTestSession(t, addr, ConsumeAll)

	ok, err := s.SelectMailbox("Spam")
	if err != nil {
		t.Fatalf("SelectMailbox() error: %v", err)
	}
	if ok {
		t.Fatal("expected missing mailbox to report false")
	}

	// The session stays usable after a failed SELECT.
	ok, err = s.SelectMailbox("INBOX")
	if err != nil || !ok {
		t.Fatalf("SelectMailbox(INBOX) = %v, %v", ok, err)
	}
}

func TestIMAPFindByCorrelationToken_ConsumesMatch(t *testing.T) {
	addr := newTestIMAPServer(t)
	const token = "<1700000000.abc.mailmon@example.com>"
	appendTestMail(t, addr, "INBOX", probeMail(token))

	s := newIMAPTestSession(t, addr, ConsumeAll)
	if ok, err := s.SelectMailbox("INBOX"); err != nil || !ok {
		t.Fatalf("SelectMailbox() = %v, %v", ok, err)
	}

	found, err := s.FindByCorrelationToken(token)
	if err != nil {
		t.Fatalf("FindByCorrelationToken() error: %v", err)
	}
	if !found {
		t.Fatal("expected token to be found")
	}

	// The message is now \Seen and cannot be matched again.
	found, err = s.FindByCorrelationToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("token matched twice")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if n := countTestMail(t, addr, "INBOX"); n != 0 {
		t.Errorf("expected INBOX to be expunged, %d messages left", n)
	}

	// A fresh session does not see the consumed probe either.
	s2 := newIMAPTestSession(t, addr, ConsumeAll)
	if ok, err := s2.SelectMailbox("INBOX"); err != nil || !ok {
		t.Fatalf("SelectMailbox() = %v, %v", ok, err)
	}
	found, err = s2.FindByCorrelationToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("token matched in a later session")
	}
}

func TestIMAPFindByCorrelationToken_BracketInsensitive(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", probeMail("<bare-id@example.com>"))

	s := newIMAPTestSession(t, addr, ConsumeAll)
	s.SelectMailbox("INBOX")

	found, err := s.FindByCorrelationToken("bare-id@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected match without angle brackets")
	}
}

func TestIMAPFindByCorrelationToken_ConsumesForeign(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822)
	appendTestMail(t, addr, "INBOX", probeMail("<other@example.com>"))

	s := newIMAPTestSession(t, addr, ConsumeAll)
	s.SelectMailbox("INBOX")

	found, err := s.FindByCorrelationToken("<missing@example.com>")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("unexpected match")
	}
	s.Close()

	if n := countTestMail(t, addr, "INBOX"); n != 0 {
		t.Errorf("expected every examined message to be removed, %d left", n)
	}
}

func TestIMAPFindByCorrelationToken_PreservesForeign(t *testing.T) {
	addr := newTestIMAPServer(t)
	const token = "<keep-others@example.com>"
	appendTestMail(t, addr, "INBOX", testMailRFC822)
	appendTestMail(t, addr, "INBOX", probeMail(token))

	s := newIMAPTestSession(t, addr, ConsumeMatching)
	s.SelectMailbox("INBOX")

	found, err := s.FindByCorrelationToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected token to be found")
	}
	s.Close()

	if n := countTestMail(t, addr, "INBOX"); n != 1 {
		t.Errorf("expected the foreign message to survive, %d left", n)
	}
}

func TestIMAPSelectMailbox_PurgesPrevious(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822)
	appendTestMail(t, addr, "Junk", probeMail("<in-junk@example.com>"))

	s := newIMAPTestSession(t, addr, ConsumeAll)
	s.SelectMailbox("INBOX")
	if found, _ := s.FindByCorrelationToken("<in-junk@example.com>"); found {
		t.Fatal("unexpected match in INBOX")
	}

	if ok, err := s.SelectMailbox("Junk"); err != nil || !ok {
		t.Fatalf("SelectMailbox(Junk) = %v, %v", ok, err)
	}
	// INBOX was expunged on the switch, before the session closes.
	if n := countTestMail(t, addr, "INBOX"); n != 0 {
		t.Errorf("expected INBOX to be purged on switch, %d left", n)
	}

	found, err := s.FindByCorrelationToken("<in-junk@example.com>")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected match in Junk")
	}
}

func TestIMAPClose_Idempotent(t *testing.T) {
	addr := newTestIMAPServer(t)
	s := newIMAPTestSession(t, addr, ConsumeAll)
	s.SelectMailbox("INBOX")

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	var nilSession *IMAPSession
	if err := nilSession.Close(); err != nil {
		t.Fatalf("nil Close() error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Fake client: command ordering and failure paths
// ---------------------------------------------------------------------------

type fakeIMAPClient struct {
	calls     []string
	mailboxes map[string]bool
	loginErr  error
	searchErr error
}

func (f *fakeIMAPClient) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeIMAPClient) Login(username, _ string) commandWaiter {
	f.record("login " + username)
	return fakeWaiter{err: f.loginErr}
}

func (f *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	f.record("select " + mailbox)
	if !f.mailboxes[mailbox] {
		return fakeSelect{err: &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such mailbox"}}
	}
	return fakeSelect{data: &imap.SelectData{}}
}

func (f *fakeIMAPClient) UIDSearch(*imap.SearchCriteria, *imap.SearchOptions) searchWaiter {
	f.record("search")
	return fakeSearch{data: &imap.SearchData{}, err: f.searchErr}
}

func (f *fakeIMAPClient) Fetch(imap.NumSet, *imap.FetchOptions) fetchWaiter {
	f.record("fetch")
	return fakeFetch{}
}

func (f *fakeIMAPClient) Store(imap.NumSet, *imap.StoreFlags, *imap.StoreOptions) fetchWaiter {
	f.record("store")
	return fakeFetch{}
}

func (f *fakeIMAPClient) Expunge() closeWaiter {
	f.record("expunge")
	return fakeFetch{}
}

func (f *fakeIMAPClient) UnselectAndExpunge() commandWaiter {
	f.record("close")
	return fakeWaiter{}
}

func (f *fakeIMAPClient) Logout() commandWaiter {
	f.record("logout")
	return fakeWaiter{}
}

func (f *fakeIMAPClient) Close() error {
	f.record("disconnect")
	return nil
}

type fakeWaiter struct{ err error }

func (w fakeWaiter) Wait() error { return w.err }

type fakeSelect struct {
	data *imap.SelectData
	err  error
}

func (w fakeSelect) Wait() (*imap.SelectData, error) { return w.data, w.err }

type fakeSearch struct {
	data *imap.SearchData
	err  error
}

func (w fakeSearch) Wait() (*imap.SearchData, error) { return w.data, w.err }

type fakeFetch struct{}

func (fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return nil, nil }
func (fakeFetch) Close() error                                        { return nil }

func newFakeIMAPSession(client *fakeIMAPClient) *IMAPSession {
	return newIMAPSession(IMAPConfig{Host: "fake"}, "fake:143", nil, client)
}

func TestIMAPSession_LoginRejected(t *testing.T) {
	client := &fakeIMAPClient{
		loginErr: &imap.Error{Type: imap.StatusResponseTypeNo, Text: "invalid credentials"},
	}
	s := newFakeIMAPSession(client)

	err := s.Authenticate("probe", "secret")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Protocol != "imap" || authErr.User != "probe" {
		t.Errorf("unexpected AuthError fields: %+v", authErr)
	}
}

func TestIMAPSession_LoginTransportFailure(t *testing.T) {
	client := &fakeIMAPClient{loginErr: fmt.Errorf("read: %w", net.ErrClosed)}
	s := newFakeIMAPSession(client)

	err := s.Authenticate("probe", "secret")
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if IsAuthError(err) {
		t.Fatal("transport failure reported as AuthError")
	}
}

func TestIMAPSession_CloseSequence(t *testing.T) {
	client := &fakeIMAPClient{mailboxes: map[string]bool{"INBOX": true}}
	s := newFakeIMAPSession(client)

	s.Authenticate("probe", "secret")
	s.SelectMailbox("INBOX")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s.Close()

	want := []string{"login probe", "select INBOX", "expunge", "close", "logout", "disconnect"}
	if fmt.Sprint(client.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", client.calls, want)
	}
}

func TestIMAPSession_CloseWithoutSelect(t *testing.T) {
	client := &fakeIMAPClient{}
	s := newFakeIMAPSession(client)
	s.Close()

	want := []string{"logout", "disconnect"}
	if fmt.Sprint(client.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", client.calls, want)
	}
}

func TestIMAPSession_SearchFailure(t *testing.T) {
	client := &fakeIMAPClient{
		mailboxes: map[string]bool{"INBOX": true},
		searchErr: fmt.Errorf("i/o timeout"),
	}
	s := newFakeIMAPSession(client)
	s.SelectMailbox("INBOX")

	_, err := s.FindByCorrelationToken("<x@example.com>")
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestIMAPSession_FindWithoutSelect(t *testing.T) {
	s := newFakeIMAPSession(&fakeIMAPClient{})
	if _, err := s.FindByCorrelationToken("<x@example.com>"); err == nil {
		t.Fatal("expected error without a selected mailbox")
	}
}
