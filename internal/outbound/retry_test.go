package outbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellophanemail/gateway-core/internal/transform"
)

type scriptedSender struct {
	outcomes []Outcome
	calls    int
}

func (s *scriptedSender) Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error) {
	o := s.outcomes[s.calls]
	s.calls++
	return SendResult{Outcome: o}, nil
}

func TestRetryingSenderRetriesTransientThenSucceeds(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{TransientFailure, TransientFailure, Delivered}}
	r := NewRetryingSender(inner, 3)
	r.baseDelay = time.Millisecond
	r.maxDelay = 5 * time.Millisecond

	result, err := r.Send(context.Background(), testMessage(), "idem-1")

	require.NoError(t, err)
	assert.Equal(t, Delivered, result.Outcome)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingSenderStopsOnPermanentFailure(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{PermanentFailure, Delivered}}
	r := NewRetryingSender(inner, 3)
	r.baseDelay = time.Millisecond

	result, err := r.Send(context.Background(), testMessage(), "idem-1")

	require.NoError(t, err)
	assert.Equal(t, PermanentFailure, result.Outcome)
	assert.Equal(t, 1, inner.calls, "must not retry after a permanent failure")
}

func TestRetryingSenderGivesUpAfterMaxRetries(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{
		TransientFailure, TransientFailure, TransientFailure, TransientFailure,
	}}
	r := NewRetryingSender(inner, 3)
	r.baseDelay = time.Millisecond
	r.maxDelay = 5 * time.Millisecond

	result, err := r.Send(context.Background(), testMessage(), "idem-1")

	require.NoError(t, err)
	assert.Equal(t, TransientFailure, result.Outcome)
	assert.Equal(t, 4, inner.calls, "initial attempt plus 3 retries")
}

func TestRetryingSenderHonoursContextCancellation(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{TransientFailure, TransientFailure, TransientFailure, TransientFailure}}
	r := NewRetryingSender(inner, 3)
	r.baseDelay = 50 * time.Millisecond
	r.maxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Send(ctx, testMessage(), "idem-1")
	assert.Error(t, err)
}

func TestDefaultsMaxRetriesToThree(t *testing.T) {
	r := NewRetryingSender(&scriptedSender{outcomes: []Outcome{Delivered}}, 0)
	assert.Equal(t, 3, r.maxRetries)
}
