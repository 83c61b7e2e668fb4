package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cellophanemail/gateway-core/internal/pkg/httpretry"
	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/transform"
)

// APISender delivers mail through an opaque HTTP-based transactional mail
// API: an authenticated POST of a JSON transmission, mapping 2xx to
// Delivered, 429/5xx to TransientFailure (429, 500, 502, 503 and 504 are
// retried by httpretry before this layer even sees them; all are retried
// again by RetryingSender above it), and other 4xx to PermanentFailure.
type APISender struct {
	baseURL string
	apiKey  string
	client  *httpretry.RetryClient
	dryRun  bool
}

// NewAPISender creates a sender targeting baseURL (a transmissions-style
// endpoint) authenticated with apiKey.
func NewAPISender(baseURL, apiKey string, dryRun bool) *APISender {
	return &APISender{
		baseURL: baseURL,
		apiKey:  apiKey,
		// One transport-level retry absorbs a dropped connection within a
		// single attempt; the officially specified 3-attempt backoff policy
		// lives one layer up in RetryingSender.
		client: httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 1),
		dryRun: dryRun,
	}
}

type transmissionRequest struct {
	Recipients []struct {
		Address map[string]string `json:"address"`
	} `json:"recipients"`
	Content struct {
		From    map[string]string `json:"from"`
		Subject string             `json:"subject"`
		HTML    string             `json:"html,omitempty"`
		Text    string             `json:"text,omitempty"`
	} `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Send implements Sender. In dry-run mode no network I/O occurs; a
// structured log record is emitted and Delivered is returned unconditionally
// so tests never consume provider quota.
func (s *APISender) Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error) {
	if s.dryRun {
		logger.Info("dry-run outbound send", "provider", "api", "to", msg.To, "idempotency_key", idempotencyKey)
		return SendResult{Outcome: Delivered, MessageID: idempotencyKey}, nil
	}

	var req transmissionRequest
	req.Recipients = []struct {
		Address map[string]string `json:"address"`
	}{{Address: map[string]string{"email": msg.To}}}
	req.Content.From = map[string]string{"email": msg.From}
	req.Content.Subject = msg.Subject
	req.Content.HTML = msg.HTMLBody
	req.Content.Text = msg.TextBody
	req.Metadata = map[string]string{"idempotency_key": idempotencyKey}

	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, Permanent(fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, Permanent(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Authorization", s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		outcome, reason := classify(Transient(fmt.Sprintf("transport error: %v", err)))
		return SendResult{Outcome: outcome, Reason: reason}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed struct {
			Results struct {
				ID string `json:"id"`
			} `json:"results"`
		}
		_ = json.Unmarshal(respBody, &parsed)
		logger.Info("api sender delivered", "to", msg.To, "message_id", parsed.Results.ID)
		return SendResult{Outcome: Delivered, MessageID: parsed.Results.ID}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return SendResult{Outcome: TransientFailure, Reason: fmt.Sprintf("http %d", resp.StatusCode)}, nil

	default:
		return SendResult{Outcome: PermanentFailure, Reason: fmt.Sprintf("http %d: %s", resp.StatusCode, string(respBody))}, nil
	}
}
