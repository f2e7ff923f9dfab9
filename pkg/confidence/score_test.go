package confidence

import (
	"testing"

	"github.com/codeready-toolchain/relgraph/pkg/config"
	"github.com/stretchr/testify/assert"
)

func testConfig() config.ConfidenceConfig {
	return config.Default().Confidence
}

func TestScoreAllHighEvidenceYieldsHighLevel(t *testing.T) {
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.9},
		{Factor: FactorSemantic, Strength: 0.9},
		{Factor: FactorContext, Strength: 0.9},
		{Factor: FactorCrossRef, Strength: 0.9},
	}
	result := Score(items, testConfig())

	assert.InDelta(t, 0.9, result.Final, 0.001)
	assert.Equal(t, LevelHigh, result.Level)
	assert.False(t, result.Escalate)
}

func TestScoreNoEvidenceEscalates(t *testing.T) {
	result := Score(nil, testConfig())

	assert.Equal(t, 0.0, result.Final)
	assert.Equal(t, LevelVeryLow, result.Level)
	assert.True(t, result.Escalate)
}

func TestScoreBelowEscalationThreshold(t *testing.T) {
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.4},
		{Factor: FactorSemantic, Strength: 0.4},
		{Factor: FactorContext, Strength: 0.4},
		{Factor: FactorCrossRef, Strength: 0.4},
	}
	result := Score(items, testConfig())

	assert.InDelta(t, 0.4, result.Final, 0.001)
	assert.True(t, result.Escalate, "final below 0.5 escalation threshold")
}

func TestScoreEscalatesOnPerFactorFloorEvenWithHighFinal(t *testing.T) {
	cfg := testConfig()
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.95},
		{Factor: FactorSemantic, Strength: 0.95},
		{Factor: FactorContext, Strength: 0.95},
		{Factor: FactorCrossRef, Strength: 0.05}, // below the 0.2 floor
	}
	result := Score(items, cfg)

	assert.Greater(t, result.Final, cfg.Thresholds.Escalation)
	assert.True(t, result.Escalate, "one factor below the per-factor floor escalates regardless of final score")
}

func TestScoreIdentifiesLowestFactor(t *testing.T) {
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.9},
		{Factor: FactorSemantic, Strength: 0.8},
		{Factor: FactorContext, Strength: 0.2},
		{Factor: FactorCrossRef, Strength: 0.7},
	}
	result := Score(items, testConfig())
	assert.Equal(t, FactorContext, result.LowestFactor)
}

func TestScoreLevelBoundaries(t *testing.T) {
	cfg := testConfig()
	uniform := func(v float64) []EvidenceItem {
		return []EvidenceItem{
			{Factor: FactorSyntactic, Strength: v},
			{Factor: FactorSemantic, Strength: v},
			{Factor: FactorContext, Strength: v},
			{Factor: FactorCrossRef, Strength: v},
		}
	}

	assert.Equal(t, LevelHigh, Score(uniform(cfg.Thresholds.High), cfg).Level)
	assert.Equal(t, LevelMedium, Score(uniform(cfg.Thresholds.Medium), cfg).Level)
	assert.Equal(t, LevelLow, Score(uniform(cfg.Thresholds.Low), cfg).Level)
	assert.Equal(t, LevelVeryLow, Score(uniform(cfg.Thresholds.Low-0.01), cfg).Level)
}

func TestScoreIsDeterministic(t *testing.T) {
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 0.6},
		{Factor: FactorSemantic, Strength: 0.7},
	}
	cfg := testConfig()

	r1 := Score(items, cfg)
	r2 := Score(items, cfg)
	assert.Equal(t, r1, r2)
}

func TestScoreAveragesMultipleItemsPerFactor(t *testing.T) {
	items := []EvidenceItem{
		{Factor: FactorSyntactic, Strength: 1.0},
		{Factor: FactorSyntactic, Strength: 0.0},
	}
	result := Score(items, testConfig())
	assert.InDelta(t, 0.5, result.Breakdown.Syntactic, 0.001)
}
