package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-smtp"
)

// Message is one personalised email
type Message struct {
	To      string
	Subject string
	HTML    string
	ReplyTo string
}

// Sender delivers a single message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code/100 != 5, Message: msg}
	}

	// Extract SMTP code from error message
	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 && strings.HasPrefix(matches[1], "5") {
		return &DeliveryError{Temporary: false, Message: msg}
	}

	// Assume temporary by default
	return &DeliveryError{Temporary: true, Message: msg}
}
