package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"time"

	emessage "github.com/emersion/go-message"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/transform"
)

// SMTPSender delivers the transformed message by speaking SMTP directly to
// one or more downstream relays, tried in order until one accepts the
// connection. It never pools connections across sends: each Send dials,
// transmits, and hangs up, trading a little latency for the simplicity the
// gateway's low outbound volume affords.
type SMTPSender struct {
	hostname    string
	endpoints   []string
	requireTLS  bool
	username    string
	password    string
	dryRun      bool
	dialTimeout time.Duration
}

// SMTPOption configures an SMTPSender.
type SMTPOption func(*SMTPSender)

// WithSMTPAuth enables PLAIN auth against the downstream relay.
func WithSMTPAuth(username, password string) SMTPOption {
	return func(s *SMTPSender) {
		s.username = username
		s.password = password
	}
}

// WithRequireTLS refuses to hand off the message over a plaintext connection.
func WithRequireTLS(require bool) SMTPOption {
	return func(s *SMTPSender) { s.requireTLS = require }
}

// NewSMTPSender builds a sender that tries endpoints (host:port) in order.
// hostname is the HELO/EHLO identity the gateway presents to the relay.
func NewSMTPSender(hostname string, endpoints []string, dryRun bool, opts ...SMTPOption) *SMTPSender {
	s := &SMTPSender{
		hostname:    hostname,
		endpoints:   endpoints,
		dryRun:      dryRun,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error) {
	if s.dryRun {
		logger.Info("dry-run outbound send", "provider", "smtp", "to", msg.To, "idempotency_key", idempotencyKey)
		return SendResult{Outcome: Delivered, MessageID: idempotencyKey}, nil
	}

	wire, err := buildWireMessage(msg, idempotencyKey)
	if err != nil {
		return SendResult{}, Permanent(fmt.Sprintf("build wire message: %v", err))
	}

	var lastErr error
	for _, endpoint := range s.endpoints {
		if err := ctx.Err(); err != nil {
			return SendResult{}, err
		}

		if err := s.deliverTo(ctx, endpoint, msg, wire); err != nil {
			lastErr = err
			logger.Info("smtp downstream attempt failed", "endpoint", endpoint, "error", err.Error())
			continue
		}

		logger.Info("smtp sender delivered", "to", msg.To, "endpoint", endpoint)
		return SendResult{Outcome: Delivered, MessageID: idempotencyKey}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no downstream endpoints configured")
	}
	return SendResult{}, classifySMTPError(lastErr)
}

func (s *SMTPSender) deliverTo(ctx context.Context, endpoint string, msg *transform.OutboundMessage, wire []byte) error {
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	host, _, _ := net.SplitHostPort(endpoint)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", endpoint, err)
	}
	defer client.Close()

	if err := client.Hello(s.hostname); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if s.requireTLS {
		return fmt.Errorf("downstream %s does not offer STARTTLS and require_tls is set", endpoint)
	}

	if s.username != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(msg.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(wire); err != nil {
		w.Close()
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing DATA: %w", err)
	}

	return client.Quit()
}

// buildWireMessage renders msg as an RFC 5322 message with a multipart
// alternative body when both text and HTML are present.
func buildWireMessage(msg *transform.OutboundMessage, idempotencyKey string) ([]byte, error) {
	var hdr emessage.Header
	hdr.Set("From", msg.From)
	hdr.Set("To", msg.To)
	hdr.Set("Subject", msg.Subject)
	hdr.Set("X-Cellophanemail-Idempotency-Key", idempotencyKey)
	for k, v := range msg.Headers {
		hdr.Set(k, v)
	}

	var buf bytes.Buffer

	if msg.HTMLBody == "" {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		w, err := emessage.CreateWriter(&buf, hdr)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(msg.TextBody)); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	w, err := emessage.CreateWriter(&buf, hdr)
	if err != nil {
		return nil, err
	}

	var textHdr emessage.Header
	textHdr.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := w.CreatePart(textHdr)
	if err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(msg.TextBody)); err != nil {
		return nil, err
	}
	tw.Close()

	var htmlHdr emessage.Header
	htmlHdr.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := w.CreatePart(htmlHdr)
	if err != nil {
		return nil, err
	}
	if _, err := hw.Write([]byte(msg.HTMLBody)); err != nil {
		return nil, err
	}
	hw.Close()

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classifySMTPError maps an SMTP reply's status class to transient vs
// permanent: 4xx is temporary per RFC 5321, 5xx is permanent.
func classifySMTPError(err error) error {
	if e, ok := err.(*smtp.SMTPError); ok {
		if e.Code >= 500 {
			return Permanent(fmt.Sprintf("smtp %d: %s", e.Code, e.Message))
		}
		return Transient(fmt.Sprintf("smtp %d: %s", e.Code, e.Message))
	}
	if e, ok := err.(*textproto.Error); ok {
		if e.Code >= 500 {
			return Permanent(fmt.Sprintf("smtp %d: %s", e.Code, e.Msg))
		}
		return Transient(fmt.Sprintf("smtp %d: %s", e.Code, e.Msg))
	}
	return Transient(fmt.Sprintf("smtp transport error: %v", err))
}
