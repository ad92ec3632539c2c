package adaptive

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultConfirmedLimit is the initial concurrency ceiling for a fresh account.
const DefaultConfirmedLimit int64 = 15

// DefaultUsageRatio is the fraction of confirmed_limit the working threshold
// targets (spec §3: working_threshold = floor(confirmed * usage_ratio)).
const DefaultUsageRatio = 0.85

// Tracker is the per-account AIMD concurrency ceiling plus its in-flight
// counter. All fields are accessed concurrently; a single lock serializes
// the expand/contract transition so concurrent successes cannot double-expand.
type Tracker struct {
	controller Controller
	usageRatio float64

	mu              sync.Mutex
	confirmedLimit  int64
	workingThreshold int64
	windowSuccesses int64
	persistedAt     time.Time

	inFlight atomic.Int64
}

// NewTracker creates a Tracker at the default confirmed limit.
func NewTracker(usageRatio float64, controller Controller) *Tracker {
	t := &Tracker{
		controller:     controller,
		usageRatio:     usageRatio,
		confirmedLimit: DefaultConfirmedLimit,
		persistedAt:    time.Now(),
	}
	t.workingThreshold = workingThreshold(t.confirmedLimit, usageRatio)
	return t
}

// FromPersisted rebuilds a Tracker from a previously persisted confirmed
// limit, applying linear decay towards min_limit based on the age of the
// persisted value, so a long-idle account is re-probed conservatively.
func FromPersisted(confirmedLimit, workingThreshold int64, ageSeconds int64, usageRatio float64, controller Controller) *Tracker {
	decayed := decayTowardsMin(confirmedLimit, controller.MinLimit, ageSeconds)
	t := &Tracker{
		controller:       controller,
		usageRatio:       usageRatio,
		confirmedLimit:   decayed,
		workingThreshold: workingThreshold,
		persistedAt:      time.Now().Add(-time.Duration(ageSeconds) * time.Second),
	}
	return t
}

// decayTowardsMin applies a 10%-per-day linear decay of the distance above
// min_limit, clamped so it never falls below min_limit.
func decayTowardsMin(confirmedLimit, minLimit, ageSeconds int64) int64 {
	if ageSeconds <= 0 || confirmedLimit <= minLimit {
		return confirmedLimit
	}
	ageDays := float64(ageSeconds) / 86400.0
	survival := 1.0 - 0.1*ageDays
	if survival < 0 {
		survival = 0
	}
	above := float64(confirmedLimit - minLimit)
	decayed := minLimit + int64(above*survival)
	if decayed < minLimit {
		decayed = minLimit
	}
	return decayed
}

func workingThreshold(confirmedLimit int64, usageRatio float64) int64 {
	wt := int64(float64(confirmedLimit) * usageRatio)
	if wt < 1 {
		wt = 1
	}
	return wt
}

// ConfirmedLimit returns the current concurrency ceiling.
func (t *Tracker) ConfirmedLimit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmedLimit
}

// InFlight returns the current in-flight request count.
func (t *Tracker) InFlight() int64 {
	return t.inFlight.Load()
}

// UsageRatio returns in_flight-window-successes / working_threshold, the
// signal the probe strategy is computed from.
func (t *Tracker) UsageRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workingThreshold == 0 {
		return 0
	}
	return float64(t.windowSuccesses) / float64(t.workingThreshold)
}

// TryAcquire increments the in-flight counter and reports whether the
// account is still under its working ceiling (the selector's sole authority
// to admit a request even when AdaptiveLimitTracker alone would say "over").
func (t *Tracker) TryAcquire() (acquired bool, release func()) {
	t.inFlight.Add(1)
	return true, func() { t.inFlight.Add(-1) }
}

// IsOverCeiling reports whether in-flight has reached the confirmed limit.
func (t *Tracker) IsOverCeiling() bool {
	return t.inFlight.Load() >= t.ConfirmedLimit()
}

// RecordSuccess increments the success window; if it exceeds the working
// threshold, the confirmed limit expands (AIMD reward) and the window resets.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windowSuccesses++
	if t.windowSuccesses > t.workingThreshold {
		t.confirmedLimit = t.controller.Reward(t.confirmedLimit)
		t.workingThreshold = workingThreshold(t.confirmedLimit, t.usageRatio)
		t.windowSuccesses = 0
	}
}

// Record429 contracts the confirmed limit by the multiplicative-decrease
// factor (AIMD penalize).
func (t *Tracker) Record429() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmedLimit = t.controller.Penalize(t.confirmedLimit)
	t.workingThreshold = workingThreshold(t.confirmedLimit, t.usageRatio)
	t.windowSuccesses = 0
}

// ProbeStrategy computes the current probe strategy from in-flight/working
// threshold (distinct from UsageRatio, which tracks the success window).
func (t *Tracker) ProbeStrategy() ProbeStrategy {
	t.mu.Lock()
	wt := t.workingThreshold
	t.mu.Unlock()
	if wt == 0 {
		return ProbeImmediateHedge
	}
	ratio := float64(t.inFlight.Load()) / float64(wt)
	return StrategyFromUsageRatio(ratio)
}
