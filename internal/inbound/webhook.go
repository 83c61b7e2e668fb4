// Package inbound normalizes provider-specific payloads into an
// EphemeralEmail and hands it to the orchestrator.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/cellophanemail/gateway-core/internal/ephemeral"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/security"
)

// Acceptor is the orchestrator's surface this package depends on.
type Acceptor interface {
	Accept(email *ephemeral.EphemeralEmail) error
}

// RateLimiter is the limiter's surface this package depends on.
type RateLimiter interface {
	Allow(ctx context.Context, tenantKey string) (bool, time.Duration, error)
}

// WebhookConfig bounds the webhook provider's behavior.
type WebhookConfig struct {
	TTL             time.Duration
	SignatureMaxAge time.Duration
	ReplayCacheSize int
	MaxBodyBytes    int64
}

// WebhookProvider exposes a chi router handling POST /webhooks/{provider}.
type WebhookProvider struct {
	acceptor   Acceptor
	validators map[string]*security.Validator
	limiter    RateLimiter
	cfg        WebhookConfig
}

// defaultMaxBodyBytes is used when WebhookConfig.MaxBodyBytes is zero.
const defaultMaxBodyBytes = 5 * 1024 * 1024

// NewWebhookProvider builds a provider. secretsByProvider maps a provider
// name ("sparkpost", "ses", "mailgun", "sendgrid") to its HMAC secret.
func NewWebhookProvider(acceptor Acceptor, limiter RateLimiter, secretsByProvider map[string]string, cfg WebhookConfig) *WebhookProvider {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	validators := make(map[string]*security.Validator, len(secretsByProvider))
	for provider, secret := range secretsByProvider {
		validators[provider] = security.NewValidator(secret, cfg.SignatureMaxAge, cfg.ReplayCacheSize, cfg.MaxBodyBytes)
	}
	return &WebhookProvider{acceptor: acceptor, validators: validators, limiter: limiter, cfg: cfg}
}

// Router builds the chi router for the webhook surface.
func (p *WebhookProvider) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", p.handleHealth)
	r.Post("/webhooks/{provider}", p.handleWebhook)

	return r
}

func (p *WebhookProvider) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// normalizedMessage is the provider-agnostic shape every parser below
// produces before it becomes an EphemeralEmail.
type normalizedMessage struct {
	MessageID string
	To        string
	From      string
	Subject   string
	TextBody  string
	HTMLBody  string
	Headers   map[string]string
}

func (p *WebhookProvider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if p.limiter != nil {
		allowed, retryAfter, err := p.limiter.Allow(r.Context(), clientKey(r))
		if err == nil && !allowed {
			w.Header().Set("Retry-After", retryAfter.String())
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if validator, ok := p.validators[provider]; ok {
		sigHeader := r.Header.Get("X-Gateway-Signature")
		if err := validator.Validate(body, sigHeader, time.Now()); err != nil {
			switch {
			case errors.Is(err, security.ErrPayloadTooLarge):
				w.WriteHeader(http.StatusRequestEntityTooLarge)
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
			return
		}
	} else {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	msg, err := parsePayload(provider, body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	email := ephemeral.NewEphemeralEmail(
		msg.MessageID, msg.To, msg.From, msg.Subject, msg.TextBody, msg.HTMLBody,
		msg.Headers, time.Now(), p.cfg.TTL)

	if err := p.acceptor.Accept(email); err != nil {
		switch err {
		case ephemeral.ErrRejectedDuplicate:
			w.WriteHeader(http.StatusOK)
		case ephemeral.ErrRejectedCapacity:
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			logger.Error("inbound: accept failed", "message_id", msg.MessageID, "error", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// parsePayload normalizes a provider's inbound-relay webhook body. Each
// provider's inbound payload shape differs from its delivery-event
// webhook shape; these are the "mail received" payloads, not bounce/open
// events.
func parsePayload(provider string, body []byte) (normalizedMessage, error) {
	switch provider {
	case "sparkpost":
		return parseSparkPostInbound(body)
	case "ses":
		return parseSESInbound(body)
	case "mailgun":
		return parseMailgunInbound(body)
	case "sendgrid":
		return parseSendGridInbound(body)
	default:
		return normalizedMessage{}, errUnknownProvider
	}
}

var errUnknownProvider = &providerError{"inbound: unknown provider"}

type providerError struct{ msg string }

func (e *providerError) Error() string { return e.msg }

type sparkPostInboundEvent struct {
	MSys struct {
		RelayMessage struct {
			MessageID string            `json:"message_id"`
			Content   map[string]string `json:"content"`
			Rcpt      string            `json:"rcpt_to"`
			FromAddr  string            `json:"from"`
		} `json:"relay_message"`
	} `json:"msys"`
}

func parseSparkPostInbound(body []byte) (normalizedMessage, error) {
	var events []sparkPostInboundEvent
	if err := json.Unmarshal(body, &events); err != nil || len(events) == 0 {
		return normalizedMessage{}, errMalformedPayload
	}
	rm := events[0].MSys.RelayMessage
	return normalizedMessage{
		MessageID: rm.MessageID,
		To:        rm.Rcpt,
		From:      rm.FromAddr,
		Subject:   rm.Content["subject"],
		TextBody:  rm.Content["text"],
		HTMLBody:  rm.Content["html"],
	}, nil
}

type sesInboundNotification struct {
	Mail struct {
		MessageID        string `json:"messageId"`
		Source           string `json:"source"`
		Destination      []string `json:"destination"`
		CommonHeaders struct {
			Subject string `json:"subject"`
		} `json:"commonHeaders"`
	} `json:"mail"`
	Content string `json:"content"`
}

func parseSESInbound(body []byte) (normalizedMessage, error) {
	var note sesInboundNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return normalizedMessage{}, errMalformedPayload
	}
	to := ""
	if len(note.Mail.Destination) > 0 {
		to = note.Mail.Destination[0]
	}
	return normalizedMessage{
		MessageID: note.Mail.MessageID,
		To:        to,
		From:      note.Mail.Source,
		Subject:   note.Mail.CommonHeaders.Subject,
		TextBody:  note.Content,
	}, nil
}

type mailgunInboundForm struct {
	Recipient   string `json:"recipient"`
	Sender      string `json:"sender"`
	Subject     string `json:"subject"`
	BodyPlain   string `json:"body-plain"`
	BodyHTML    string `json:"body-html"`
	MessageID   string `json:"Message-Id"`
}

func parseMailgunInbound(body []byte) (normalizedMessage, error) {
	var form mailgunInboundForm
	if err := json.Unmarshal(body, &form); err != nil {
		return normalizedMessage{}, errMalformedPayload
	}
	return normalizedMessage{
		MessageID: form.MessageID,
		To:        form.Recipient,
		From:      form.Sender,
		Subject:   form.Subject,
		TextBody:  form.BodyPlain,
		HTMLBody:  form.BodyHTML,
	}, nil
}

type sendGridInboundParse struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	Headers string `json:"headers"`
}

func parseSendGridInbound(body []byte) (normalizedMessage, error) {
	var parsed sendGridInboundParse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return normalizedMessage{}, errMalformedPayload
	}
	return normalizedMessage{
		To:       parsed.To,
		From:     parsed.From,
		Subject:  parsed.Subject,
		TextBody: parsed.Text,
		HTMLBody: parsed.HTML,
	}, nil
}

var errMalformedPayload = &providerError{"inbound: malformed provider payload"}
