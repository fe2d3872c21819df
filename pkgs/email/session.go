package email

import (
	"bytes"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Session is the common interface implemented by both IMAPSession and
// POP3Session. It exposes the handful of operations a delivery check needs
// so that calling code does not need to switch on the protocol.
type Session interface {
	// SelectMailbox selects a mailbox by name. It returns false, not an
	// error, when the server does not have the mailbox.
	SelectMailbox(name string) (bool, error)

	// FindByCorrelationToken searches unseen messages in the selected
	// mailbox, flags every examined message for deletion and reports
	// whether one of them carries the given Message-Id.
	FindByCorrelationToken(token string) (bool, error)

	// Close purges pending deletions, closes the mailbox and logs out.
	// It is safe to call more than once.
	Close() error
}

// ConsumePolicy controls which examined messages are flagged for deletion.
type ConsumePolicy int

const (
	// ConsumeAll flags every unseen message, treating the mailbox as
	// dedicated probe traffic.
	ConsumeAll ConsumePolicy = iota
	// ConsumeMatching flags only the message carrying the token.
	ConsumeMatching
)

// messageIDFromHeader extracts the Message-Id from a raw header block (or a
// full message). It returns "" when the header is missing or malformed.
func messageIDFromHeader(raw []byte) string {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if entity == nil {
		return ""
	}
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return ""
	}
	h := mail.Header{Header: entity.Header}
	id, err := h.MessageID()
	if err != nil || id == "" {
		// Fall back to the raw value for ids go-message refuses to parse.
		return trimMessageID(h.Get("Message-Id"))
	}
	return id
}
