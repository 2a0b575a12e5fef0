// Package mail delivers trigger notifications over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

const (
	// DefaultPort is used when an SMTP target carries no port.
	DefaultPort = 25

	customHeader      = "X-Custom-Header"
	customHeaderValue = "Sent by Kronos"
	messageIDDomain   = "kronos"
)

// Message is a single notification email.
type Message struct {
	Host    string
	Port    int
	From    string
	To      string // One address or a comma-separated list
	Subject string
	Body    string
}

// Addr returns the host:port of the SMTP server.
func (m Message) Addr() string {
	port := m.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(m.Host, strconv.Itoa(port))
}

// Sender delivers messages over plain SMTP, upgrading to STARTTLS when the
// server offers it.
type Sender struct {
	logger    *slog.Logger
	timeout   time.Duration
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewSender creates a new Sender. A zero timeout disables command timeouts.
func NewSender(logger *slog.Logger, timeout time.Duration) *Sender {
	return &Sender{logger: logger, timeout: timeout, now: time.Now}
}

// Send composes msg and delivers it to msg.Addr().
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, err := gomail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	to, err := gomail.ParseAddressList(msg.To)
	if err == nil && len(to) == 0 {
		err = errors.New("no recipients")
	}
	if err != nil {
		return fmt.Errorf("invalid to address %q: %w", msg.To, err)
	}

	var buf bytes.Buffer
	if err := s.compose(&buf, msg, from, to); err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}

	rcpts := make([]string, 0, len(to))
	for _, a := range to {
		rcpts = append(rcpts, a.Address)
	}

	c, err := s.dial(ctx, msg)
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.SendMail(from.Address, rcpts, &buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to send mail via %s: %w", msg.Addr(), err)
	}
	if err := c.Quit(); err != nil {
		s.logger.Debug("SMTP QUIT failed", "addr", msg.Addr(), "error", err)
	}

	s.logger.Info("Email sent", "to", msg.To, "subject", msg.Subject, "smtp", msg.Addr())
	return nil
}

// dial connects to the server of msg. When the server advertises STARTTLS
// the plain connection is dropped and a second one is upgraded before any
// envelope is sent.
func (s *Sender) dial(ctx context.Context, msg Message) (*smtp.Client, error) {
	s.logger.Debug("Connecting to SMTP server", "addr", msg.Addr())
	c, err := s.connect(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, nil
	}
	c.Close()

	tlsConfig := s.tlsConfig.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = msg.Host
	}
	s.logger.Debug("Upgrading SMTP connection with STARTTLS", "addr", msg.Addr())
	return s.connect(ctx, msg, tlsConfig)
}

// connect opens a client connection honouring ctx and greets the server. A
// non-nil tlsConfig upgrades the connection with STARTTLS first.
func (s *Sender) connect(ctx context.Context, msg Message, tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", msg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", msg.Addr(), err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fail := func(what string, err error) (*smtp.Client, error) {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", what, msg.Addr(), err)
	}

	var c *smtp.Client
	if tlsConfig == nil {
		c = smtp.NewClient(conn)
	} else if c, err = smtp.NewClientStartTLS(conn, tlsConfig); err != nil {
		return fail("failed to start TLS with", err)
	}
	if s.timeout > 0 {
		c.CommandTimeout = s.timeout
		c.SubmissionTimeout = s.timeout
	}
	// EHLO loads the extension list and, after STARTTLS, runs the handshake.
	if err := c.Hello("localhost"); err != nil {
		if tlsConfig != nil {
			return fail("failed to start TLS with", err)
		}
		return fail("failed to greet", err)
	}
	return c, nil
}

// compose writes msg as a single-part text/plain RFC 5322 message.
func (s *Sender) compose(w io.Writer, msg Message, from *gomail.Address, to []*gomail.Address) error {
	var h gomail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*gomail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetMessageID(uuid.NewString() + "@" + messageIDDomain)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set(customHeader, customHeaderValue)

	body, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(body, msg.Body); err != nil {
		body.Close()
		return err
	}
	return body.Close()
}
