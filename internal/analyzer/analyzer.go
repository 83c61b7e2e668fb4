// Package analyzer defines the text-agnostic toxicity-analysis port and its
// concrete implementations. The port accepts any string content; nothing in
// this package knows it is being handed an email body.
package analyzer

import (
	"context"
	"errors"
)

// Horseman is one of the four communication patterns the analyzer detects.
type Horseman string

const (
	Criticism     Horseman = "criticism"
	Contempt      Horseman = "contempt"
	Defensiveness Horseman = "defensiveness"
	Stonewalling  Horseman = "stonewalling"
)

// Severity qualifies how strongly a horseman was detected.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ThreatLevel is the derived bucket of a toxicity score.
type ThreatLevel string

const (
	Safe     ThreatLevel = "safe"
	Low      ThreatLevel = "low"
	Medium   ThreatLevel = "medium"
	High     ThreatLevel = "high"
	Critical ThreatLevel = "critical"
)

// Detection is one horseman finding with its supporting evidence.
type Detection struct {
	Horseman   Horseman
	Confidence float64
	Severity   Severity
	Indicators []string
}

// Result is what Analyze produces, consumed by the decision engine.
type Result struct {
	ToxicityScore     float64
	ThreatLevel       ThreatLevel
	HorsemenDetected  []Detection
	Reasoning         string
	ProcessingTimeMS  int64
}

// Safe reports whether the result's threat level is the safe bucket.
func (r Result) Safe() bool { return r.ThreatLevel == Safe }

// ErrUnavailable signals the analyzer could not produce a result: timeout,
// upstream error, or a response that failed to parse into Result.
var ErrUnavailable = errors.New("analyzer: unavailable")

// Analyzer is the single abstract operation the orchestrator depends on.
// Implementations must not block past the caller's context deadline; the
// orchestrator — not the analyzer — owns the hard wall-clock ceiling.
type Analyzer interface {
	Analyze(ctx context.Context, content, senderHint string) (Result, error)
}

// DeriveThreatLevel maps a toxicity score to its canonical bucket, used by
// both analyzer implementations and the decision engine for
// cross-validation. Boundaries are half-open: (lo, hi]. On an exact
// threshold value the lower-severity bucket applies.
func DeriveThreatLevel(score float64) ThreatLevel {
	switch {
	case score <= 0.30:
		return Safe
	case score <= 0.55:
		return Low
	case score <= 0.70:
		return Medium
	case score <= 0.90:
		return High
	default:
		return Critical
	}
}
