// Package adaptive implements the per-account AIMD concurrency controller
// (additive-increase / multiplicative-decrease) and its probe strategy.
package adaptive

import "math"

// Controller holds the AIMD tuning parameters.
type Controller struct {
	AdditiveIncrease      float64
	MultiplicativeDecrease float64
	MinLimit              int64
	MaxLimit              int64
}

// DefaultController matches the spec's default AIMD parameters.
func DefaultController() Controller {
	return Controller{
		AdditiveIncrease:       0.05,
		MultiplicativeDecrease: 0.7,
		MinLimit:               10,
		MaxLimit:               1000,
	}
}

// Reward expands a confirmed limit by the additive-increase fraction,
// capped at MaxLimit.
func (c Controller) Reward(current int64) int64 {
	next := int64(math.Ceil(float64(current) * (1 + c.AdditiveIncrease)))
	if next > c.MaxLimit {
		return c.MaxLimit
	}
	return next
}

// Penalize contracts a confirmed limit by the multiplicative-decrease
// factor, floored at MinLimit.
func (c Controller) Penalize(current int64) int64 {
	next := int64(math.Floor(float64(current) * c.MultiplicativeDecrease))
	if next < c.MinLimit {
		return c.MinLimit
	}
	return next
}

// ProbeStrategy names the hedging behavior chosen from the instantaneous
// usage ratio (spec §4.3).
type ProbeStrategy int

const (
	ProbeNone ProbeStrategy = iota
	ProbeCheap
	ProbeDelayedHedge
	ProbeImmediateHedge
)

// String renders the strategy name for logging.
func (p ProbeStrategy) String() string {
	switch p {
	case ProbeNone:
		return "none"
	case ProbeCheap:
		return "cheap_probe"
	case ProbeDelayedHedge:
		return "delayed_hedge"
	case ProbeImmediateHedge:
		return "immediate_hedge"
	default:
		return "unknown"
	}
}

// StrategyFromUsageRatio maps in_flight/working_threshold to a ProbeStrategy.
func StrategyFromUsageRatio(ratio float64) ProbeStrategy {
	switch {
	case ratio < 0.7:
		return ProbeNone
	case ratio < 0.85:
		return ProbeCheap
	case ratio < 0.95:
		return ProbeDelayedHedge
	default:
		return ProbeImmediateHedge
	}
}

// NeedsSecondary reports whether the strategy dispatches a secondary request
// that the caller must await before giving up on the primary.
func (p ProbeStrategy) NeedsSecondary() bool {
	return p == ProbeDelayedHedge || p == ProbeImmediateHedge
}

// IsFireAndForget reports whether the strategy's secondary request result can
// be discarded (only CheapProbe).
func (p ProbeStrategy) IsFireAndForget() bool {
	return p == ProbeCheap
}
