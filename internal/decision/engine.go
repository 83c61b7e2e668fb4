// Package decision maps an analyzer Result to a graduated protection
// action, as a pure function of the result and a policy table.
package decision

import "github.com/cellophanemail/gateway-core/internal/analyzer"

// Action is one of the five graduated protection responses.
type Action string

const (
	ForwardClean       Action = "forward_clean"
	ForwardWithContext Action = "forward_with_context"
	RedactHarmful      Action = "redact_harmful"
	SummarizeOnly      Action = "summarize_only"
	BlockEntirely      Action = "block_entirely"
)

// Decision is the output of decide(): an action, rationale, and the
// analysis the transformer needs to build the outbound body (horsemen
// detections for context notes and redaction spans). Analysis is the zero
// Result when the decision came from the AnalysisUnavailable fallback.
type Decision struct {
	Action    Action
	Rationale string
	Analysis  analyzer.Result
}

// Policy is a table of threat-level -> action rows. Representing the
// mapping as data lets a tenant override thresholds without a code change;
// the zero value is the canonical spec mapping.
type Policy struct {
	rows map[analyzer.ThreatLevel]Action
}

// DefaultPolicy returns the canonical threat-level -> action mapping.
func DefaultPolicy() Policy {
	return Policy{rows: map[analyzer.ThreatLevel]Action{
		analyzer.Safe:     ForwardClean,
		analyzer.Low:      ForwardWithContext,
		analyzer.Medium:   RedactHarmful,
		analyzer.High:     SummarizeOnly,
		analyzer.Critical: BlockEntirely,
	}}
}

// NewPolicy builds a policy from an explicit threat-level -> action table,
// for tenant overrides. Any threat level absent from rows falls back to
// the default policy's mapping for that level.
func NewPolicy(rows map[analyzer.ThreatLevel]Action) Policy {
	merged := DefaultPolicy()
	for level, action := range rows {
		merged.rows[level] = action
	}
	return merged
}

// Decide is a pure function: identical inputs always produce an identical
// Decision. On AnalysisUnavailable (signaled by the caller passing a zero
// Result with unavailable=true) the engine fails open to
// ForwardWithContext, because a false positive from a silent block is
// worse than a missed toxic message.
func Decide(result analyzer.Result, unavailable bool, policy Policy) Decision {
	if unavailable {
		return Decision{
			Action:    ForwardWithContext,
			Rationale: "analysis-unavailable",
		}
	}

	rows := policy.rows
	if rows == nil {
		rows = DefaultPolicy().rows
	}
	action, ok := rows[result.ThreatLevel]
	if !ok {
		action = ForwardWithContext
	}

	return Decision{
		Action:    action,
		Rationale: string(result.ThreatLevel),
		Analysis:  result,
	}
}
