package analyzer

import (
	"context"
	"strings"
)

// MockRule is one substring-keyed fixture row in the mock analyzer's table.
type MockRule struct {
	Substring string
	Result    Result
}

// Mock is a deterministic Analyzer used by tests. It returns the first
// fixture row whose Substring matches (case-insensitive) the content, or a
// default safe result if nothing matches.
type Mock struct {
	rules   []MockRule
	Default Result
}

// NewMock creates a mock analyzer with the given fixture table. If
// defaultResult is the zero value, a safe default is used.
func NewMock(rules []MockRule, defaultResult Result) *Mock {
	if defaultResult.ThreatLevel == "" {
		defaultResult = Result{ToxicityScore: 0.05, ThreatLevel: Safe}
	}
	return &Mock{rules: rules, Default: defaultResult}
}

// Analyze implements Analyzer by table lookup; it never fails and never
// blocks.
func (m *Mock) Analyze(ctx context.Context, content, senderHint string) (Result, error) {
	lower := strings.ToLower(content)
	for _, rule := range m.rules {
		if strings.Contains(lower, strings.ToLower(rule.Substring)) {
			return rule.Result, nil
		}
	}
	return m.Default, nil
}
