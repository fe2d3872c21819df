package email

import (
	"strings"
	"time"
)

// DefaultInbox is the mailbox checked first on every poll attempt.
const DefaultInbox = "INBOX"

// Probe represents one outbound verification message
type Probe struct {
	// Token is the Message-Id of the probe, including angle brackets.
	Token string
	To    string
	Body  string

	// Raw is the rendered RFC 5322 message as handed to the relay.
	Raw []byte

	// SentAt is recorded after the relay accepted the message data.
	SentAt time.Time
}

// ProbeMeta carries run-scoped metadata written into probe headers
type ProbeMeta struct {
	RunID  string
	Target string
}

// ProbeTemplate holds the header and body templates for probe messages
type ProbeTemplate struct {
	// Headers are applied in order. The placeholder {addr} in a value is
	// replaced by the probe recipient.
	Headers []Header

	// Body may contain the placeholder {snippet}.
	Body string

	// FromDomain scopes generated Message-Ids.
	FromDomain string
	// IDString is embedded in generated Message-Ids (default "mailmon").
	IDString string
}

// Header is a single configured message header
type Header struct {
	Key   string
	Value string
}

// FormatBody renders the body template with the given snippet.
func (t ProbeTemplate) FormatBody(snippet string) string {
	return strings.ReplaceAll(t.Body, "{snippet}", snippet)
}

// sameMessageID compares two Message-Ids ignoring angle brackets and
// surrounding whitespace.
func sameMessageID(a, b string) bool {
	a = trimMessageID(a)
	b = trimMessageID(b)
	return a != "" && a == b
}

func trimMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}
