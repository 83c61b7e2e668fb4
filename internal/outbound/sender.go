// Package outbound delivers a transformed message through a provider, with
// a shared retry loop and a dry-run mode that performs no network I/O.
package outbound

import (
	"context"
	"fmt"

	"github.com/cellophanemail/gateway-core/internal/transform"
)

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// SendResult carries the outcome plus a human-readable reason and, when
// available, the provider's message id for idempotency bookkeeping.
type SendResult struct {
	Outcome   Outcome
	Reason    string
	MessageID string
}

// Sender is the common contract every outbound provider implements.
type Sender interface {
	Send(ctx context.Context, msg *transform.OutboundMessage, idempotencyKey string) (SendResult, error)
}

// transientError and permanentError let provider adapters report outcomes
// without the caller needing a provider-specific status-code table.
type transientError struct{ reason string }

func (e *transientError) Error() string { return e.reason }

type permanentError struct{ reason string }

func (e *permanentError) Error() string { return e.reason }

// Transient wraps reason as a retryable delivery failure.
func Transient(reason string) error { return &transientError{reason: reason} }

// Permanent wraps reason as a terminal delivery failure.
func Permanent(reason string) error { return &permanentError{reason: reason} }

func classify(err error) (Outcome, string) {
	if err == nil {
		return Delivered, ""
	}
	switch e := err.(type) {
	case *transientError:
		return TransientFailure, e.reason
	case *permanentError:
		return PermanentFailure, e.reason
	default:
		return TransientFailure, fmt.Sprintf("unclassified error: %v", err)
	}
}
