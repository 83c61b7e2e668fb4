package outbound

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cellophanemail/gateway-core/internal/pkg/logger"
	"github.com/cellophanemail/gateway-core/internal/transform"
)

// RetryingSender wraps a Sender with exponential backoff and jitter on
// TransientFailure outcomes and on errors that classify as transient.
// PermanentFailure outcomes and permanent errors are never retried.
type RetryingSender struct {
	inner      Sender
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryingSender wraps inner with up to maxRetries retry attempts after
// the initial send (default 3), base delay 1s, factor 2, full jitter.
func NewRetryingSender(inner Sender, maxRetries int) *RetryingSender {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryingSender{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  1 * time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Send attempts delivery, retrying TransientFailure outcomes with backoff.
// Cancellation is checked before each attempt and before each backoff
// sleep, per the orchestrator's suspension-point contract.
func (r *RetryingSender) Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error) {
	var last SendResult

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		if attempt > 0 {
			delay := r.backoff(attempt)
			logger.Info("retrying outbound send", "attempt", attempt, "delay_ms", delay.Milliseconds())
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return last, ctx.Err()
			}
		}

		result, err := r.inner.Send(ctx, msg, idempotencyKey)
		if err != nil {
			outcome, reason := classify(err)
			if outcome != TransientFailure {
				return result, err
			}
			result = SendResult{Outcome: TransientFailure, Reason: reason}
		}
		last = result

		if result.Outcome != TransientFailure {
			return result, nil
		}
	}

	return last, nil
}

// backoff computes full-jitter exponential backoff for the given attempt,
// mirroring the gateway's generic HTTP retry client: random(0, min(maxDelay,
// baseDelay * 2^(attempt-1))), floored at 100ms to avoid busy-looping.
func (r *RetryingSender) backoff(attempt int) time.Duration {
	expDelay := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(r.maxDelay) {
		expDelay = float64(r.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}
