package inbound

import (
	"bytes"
	"context"
	"io"
	"time"

	emessage "github.com/emersion/go-message"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/cellophanemail/gateway-core/internal/ephemeral"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/shield"
)

// SMTPConfig bounds the inbound SMTP provider's behavior. No authentication
// is required at this hop: the listener is assumed to sit behind a trusted
// relay or be bound to localhost.
type SMTPConfig struct {
	TTL      time.Duration
	Hostname string
}

// SMTPProvider accepts mail for any shield address the router recognizes,
// normalizes each message, and hands it to the orchestrator.
type SMTPProvider struct {
	acceptor Acceptor
	router   *shield.Router
	cfg      SMTPConfig
}

// NewSMTPProvider builds a provider backed by router for recipient
// validation.
func NewSMTPProvider(acceptor Acceptor, router *shield.Router, cfg SMTPConfig) *SMTPProvider {
	return &SMTPProvider{acceptor: acceptor, router: router, cfg: cfg}
}

// Server wraps the provider in a go-smtp server ready to Serve a listener.
func (p *SMTPProvider) Server() *smtp.Server {
	s := smtp.NewServer(p)
	s.Domain = p.cfg.Hostname
	s.AllowInsecureAuth = true
	s.MaxMessageBytes = 25 * 1024 * 1024
	s.MaxRecipients = 1
	return s
}

// NewSession implements smtp.Backend.
func (p *SMTPProvider) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{provider: p}, nil
}

type smtpSession struct {
	provider *SMTPProvider
	from     string
	to       string
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt rejects recipients the shield router does not recognize, mirroring
// the reject codes the inbound-webhook path maps onto HTTP status.
func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.provider.router.Resolve(ctx, to); err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "recipient not recognized",
		}
	}

	s.to = to
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := emessage.Read(bytes.NewReader(raw))
	if err != nil {
		return &smtp.SMTPError{Code: 554, Message: "malformed message"}
	}

	headers := map[string]string{}
	fields := msg.Header.Fields()
	for fields.Next() {
		headers[fields.Key()] = fields.Value()
	}

	textBody, htmlBody := extractBodies(msg)

	email := ephemeral.NewEphemeralEmail(
		messageIDOrGenerated(headers), s.to, s.from,
		headers["Subject"], textBody, htmlBody, headers,
		time.Now(), s.provider.cfg.TTL)

	if err := s.provider.acceptor.Accept(email); err != nil {
		logger.Info("inbound smtp: accept rejected", "message_id", email.MessageID, "error", err.Error())
		return &smtp.SMTPError{Code: 452, Message: "temporarily unable to accept message"}
	}

	return nil
}

func (s *smtpSession) Reset()        { s.from, s.to = "", "" }
func (s *smtpSession) Logout() error { return nil }

func messageIDOrGenerated(headers map[string]string) string {
	if id := headers["Message-Id"]; id != "" {
		return id
	}
	return uuid.NewString()
}

// extractBodies walks a parsed message for its first text/plain and
// text/html parts, descending into multipart bodies.
func extractBodies(msg *emessage.Entity) (textBody, htmlBody string) {
	if mr := msg.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			t, _, _ := part.Header.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch t {
			case "text/plain":
				if textBody == "" {
					textBody = string(body)
				}
			case "text/html":
				if htmlBody == "" {
					htmlBody = string(body)
				}
			}
		}
		return textBody, htmlBody
	}

	t, _, _ := msg.Header.ContentType()
	body, _ := io.ReadAll(msg.Body)
	if t == "text/html" {
		return "", string(body)
	}
	return string(body), ""
}
