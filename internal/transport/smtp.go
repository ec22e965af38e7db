package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Signer signs raw message data before submission
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Domain() string
}

// SMTPConfig describes the relay campaign mail is submitted to
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	TLS                string
	InsecureSkipVerify bool
	Hostname           string
	Timeout            time.Duration
}

// SMTPSender submits each message to a relay over SMTP
type SMTPSender struct {
	cfg    SMTPConfig
	signer Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With("component", "smtp"),
		now:    time.Now,
	}
}

// SetSigner enables DKIM signing of outgoing messages
func (s *SMTPSender) SetSigner(signer Signer) {
	s.signer = signer
}

// Send submits msg to the relay
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return &DeliveryError{Temporary: false, Message: "no recipient"}
	}

	data := buildMessage(s.cfg.From, msg, s.now())

	// Sign message with DKIM if a signer is configured
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(s.cfg.Hostname); err != nil {
		return categorizeError(err, "HELO")
	}

	if s.cfg.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return categorizeError(err, "STARTTLS")
			}
		}
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	from := envelopeAddress(s.cfg.From)
	if err := client.SendMail(from, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return categorizeError(err, "SEND")
	}

	// Quit
	client.Quit()

	s.logger.Debug("message delivered", "to", msg.To)
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	// Create connection with timeout
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	// Set deadline
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	if s.cfg.TLS == TLSImplicit {
		conn = tls.Client(conn, s.tlsConfig())
	}
	return smtp.NewClient(conn), nil
}

func (s *SMTPSender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
}
