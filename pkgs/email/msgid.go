package email

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateMessageID produces a RFC 5322 compliant Message-ID scoped to the
// given domain.
// Format: <timestamp.uuid.idstring@domain>
func GenerateMessageID(idstring, domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = "localhost"
	}
	idstring = strings.TrimSpace(idstring)
	if idstring == "" {
		idstring = "mailmon"
	}

	return fmt.Sprintf("<%d.%s.%s@%s>", time.Now().UnixNano(), uuid.NewString(), idstring, domain)
}

// DomainOf returns the domain part of an email address, or "localhost" if
// no domain can be extracted.
func DomainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if idx := strings.LastIndex(addr, "@"); idx >= 0 && idx < len(addr)-1 {
		return addr[idx+1:]
	}
	return "localhost"
}
