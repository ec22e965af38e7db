package transport

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// buildMessage constructs RFC 5322 email data for an HTML message
func buildMessage(from string, msg Message, now time.Time) []byte {
	var buf bytes.Buffer

	// Headers
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), extractDomain(from)))

	// MIME headers
	boundary := uuid.New().String()
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	// HTML part
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return buf.Bytes()
}

// extractDomain extracts the domain part of an address, tolerating "Name <addr>"
func extractDomain(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}

// envelopeAddress strips a display name from addr
func envelopeAddress(addr string) string {
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return strings.TrimSpace(addr)
}
