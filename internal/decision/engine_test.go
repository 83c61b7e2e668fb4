package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cellophanemail/gateway-core/internal/analyzer"
)

func TestDecideMapsEachThreatLevel(t *testing.T) {
	policy := DefaultPolicy()
	tests := []struct {
		level analyzer.ThreatLevel
		want  Action
	}{
		{analyzer.Safe, ForwardClean},
		{analyzer.Low, ForwardWithContext},
		{analyzer.Medium, RedactHarmful},
		{analyzer.High, SummarizeOnly},
		{analyzer.Critical, BlockEntirely},
	}
	for _, tt := range tests {
		got := Decide(analyzer.Result{ThreatLevel: tt.level}, false, policy)
		assert.Equal(t, tt.want, got.Action)
	}
}

func TestDecideIsPure(t *testing.T) {
	policy := DefaultPolicy()
	result := analyzer.Result{ThreatLevel: analyzer.Medium, ToxicityScore: 0.63}

	d1 := Decide(result, false, policy)
	d2 := Decide(result, false, policy)
	assert.Equal(t, d1, d2)
}

func TestDecideFailsOpenOnAnalysisUnavailable(t *testing.T) {
	d := Decide(analyzer.Result{}, true, DefaultPolicy())
	assert.Equal(t, ForwardWithContext, d.Action)
	assert.Equal(t, "analysis-unavailable", d.Rationale)
}

func TestDecideScoreBoundaries(t *testing.T) {
	policy := DefaultPolicy()

	at030 := Decide(analyzer.Result{ThreatLevel: analyzer.DeriveThreatLevel(0.30)}, false, policy)
	assert.Equal(t, ForwardClean, at030.Action, "0.30 belongs to the lower bucket on an exact boundary")

	at090 := Decide(analyzer.Result{ThreatLevel: analyzer.DeriveThreatLevel(0.90)}, false, policy)
	assert.Equal(t, SummarizeOnly, at090.Action, "0.90 selects SummarizeOnly, not BlockEntirely")
}

func TestNewPolicyOverridesFallBackToDefaultForUnlistedLevels(t *testing.T) {
	policy := NewPolicy(map[analyzer.ThreatLevel]Action{
		analyzer.Medium: BlockEntirely,
	})

	assert.Equal(t, BlockEntirely, Decide(analyzer.Result{ThreatLevel: analyzer.Medium}, false, policy).Action)
	assert.Equal(t, ForwardClean, Decide(analyzer.Result{ThreatLevel: analyzer.Safe}, false, policy).Action)
}
