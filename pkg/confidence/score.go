// Package confidence implements the Confidence Scorer (C5): a pure,
// deterministic function over an already-gathered set of evidence. It
// never reads from the store and holds no state of its own, so it needs
// nothing beyond the standard library.
package confidence

import "github.com/codeready-toolchain/relgraph/pkg/config"

// Level is one of the four confidence bands a score resolves to.
type Level string

const (
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
	LevelVeryLow  Level = "VERY_LOW"
)

// Factor names the four evidence dimensions the scorer combines.
type Factor string

const (
	FactorSyntactic   Factor = "syntactic"
	FactorSemantic    Factor = "semantic"
	FactorContext     Factor = "context"
	FactorCrossRef    Factor = "cross_reference"
)

// EvidenceItem is one piece of corroborating (or contradicting) evidence
// for a relationship, already reduced to a [0,1] strength per factor by
// whatever produced it (a worker's LLM parse, a heuristic check, ...).
type EvidenceItem struct {
	Factor   Factor
	Strength float64
}

// Breakdown reports the per-factor contribution behind a Result.
type Breakdown struct {
	Syntactic float64
	Semantic  float64
	Context   float64
	CrossRef  float64
}

// Result is the scorer's output.
type Result struct {
	Final     float64
	Level     Level
	Breakdown Breakdown
	Escalate  bool
	// LowestFactor is the factor with the weakest breakdown value, used by
	// C8 to pick which enhanced re-prompt template to use.
	LowestFactor Factor
}

// Score combines evidenceItems into a single confidence result using the
// weights and thresholds in cfg. It is deterministic: the same evidence
// and config always produce the same Result.
func Score(evidenceItems []EvidenceItem, cfg config.ConfidenceConfig) Result {
	b := aggregate(evidenceItems)

	final := b.Syntactic*cfg.Weights.Syntactic +
		b.Semantic*cfg.Weights.Semantic +
		b.Context*cfg.Weights.Context +
		b.CrossRef*cfg.Weights.CrossRef

	level := classify(final, cfg.Thresholds)

	escalate := final < cfg.Thresholds.Escalation || belowFloor(b, cfg.PerFactorFloor)

	return Result{
		Final:        final,
		Level:        level,
		Breakdown:    b,
		Escalate:     escalate,
		LowestFactor: lowestFactor(b),
	}
}

// aggregate averages same-factor evidence items; a factor with no
// evidence contributes zero.
func aggregate(items []EvidenceItem) Breakdown {
	var sums, counts [4]float64

	idx := func(f Factor) int {
		switch f {
		case FactorSyntactic:
			return 0
		case FactorSemantic:
			return 1
		case FactorContext:
			return 2
		case FactorCrossRef:
			return 3
		default:
			return -1
		}
	}

	for _, item := range items {
		i := idx(item.Factor)
		if i < 0 {
			continue
		}
		sums[i] += item.Strength
		counts[i]++
	}

	avg := func(i int) float64 {
		if counts[i] == 0 {
			return 0
		}
		return sums[i] / counts[i]
	}

	return Breakdown{
		Syntactic: avg(0),
		Semantic:  avg(1),
		Context:   avg(2),
		CrossRef:  avg(3),
	}
}

func classify(final float64, t config.ConfidenceThresholds) Level {
	switch {
	case final >= t.High:
		return LevelHigh
	case final >= t.Medium:
		return LevelMedium
	case final >= t.Low:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func belowFloor(b Breakdown, floor float64) bool {
	return b.Syntactic < floor || b.Semantic < floor || b.Context < floor || b.CrossRef < floor
}

func lowestFactor(b Breakdown) Factor {
	lowest := FactorSyntactic
	lowestVal := b.Syntactic

	if b.Semantic < lowestVal {
		lowest, lowestVal = FactorSemantic, b.Semantic
	}
	if b.Context < lowestVal {
		lowest, lowestVal = FactorContext, b.Context
	}
	if b.CrossRef < lowestVal {
		lowest = FactorCrossRef
	}
	return lowest
}
