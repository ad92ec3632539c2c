package ratelimit

import (
	"net/http"
	"sync"
	"time"
)

// FailureCountIdleReset is how long a consecutive-failure counter survives
// without a new failure before it resets to zero (spec §3 FailureCount).
const FailureCountIdleReset = 15 * time.Minute

// quotaExhaustedTiers are the QuotaExhausted back-off seconds for attempts 1,2,3,4+.
var quotaExhaustedTiers = []int64{60, 300, 1800, 7200}

const (
	rateLimitExceededSeconds = 5
	serverErrorSeconds       = 20
	unknownSeconds           = 60
)

// adaptiveLockoutTiers are the dispatcher-driven temporary lockout seconds
// for attempts 1,2,3,4+ (not tied to a specific 4xx/5xx).
var adaptiveLockoutTiers = []int64{5, 15, 30, 60}

type failureEntry struct {
	count int
	last  time.Time
}

// Tracker owns the per-account and per-(account,model) lockout records plus
// their consecutive-failure counters.
type Tracker struct {
	mu       sync.RWMutex
	limits   map[Key]Info
	failures map[Key]failureEntry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		limits:   make(map[Key]Info),
		failures: make(map[Key]failureEntry),
	}
}

func (t *Tracker) bumpFailureCount(key Key, now time.Time) int {
	entry, ok := t.failures[key]
	if !ok || now.Sub(entry.last) > FailureCountIdleReset {
		entry = failureEntry{count: 0}
	}
	entry.count++
	entry.last = now
	t.failures[key] = entry
	return entry.count
}

// ParseFromError implements the Parsing(status, headers, body) pipeline from
// spec §4.2: returns nil when the status isn't rate-limit-relevant or the
// reason is ModelCapacityExhausted (no record is inserted in that case).
func (t *Tracker) ParseFromError(accountID string, status int, headers http.Header, body string, model string) *Info {
	if status != 429 && status != 500 && status != 503 && status != 529 {
		return nil
	}

	reason := ReasonForStatus(status, body)
	if reason == ReasonModelCapacityExhausted {
		return nil
	}

	now := time.Now()
	key := FromOptionalModel(accountID, model)

	var retrySec int64
	if headerMs := ParseResetMsFromHeaders(headers); headerMs >= 2000 {
		retrySec = headerMs / 1000
	} else if s, ok := ParseRetryAfterSeconds(headers.Get("retry-after"), body); ok {
		retrySec = s
	} else {
		t.mu.Lock()
		failureCount := t.bumpFailureCount(key, now)
		t.mu.Unlock()
		retrySec = t.synthesizeBackoff(reason, failureCount)
	}

	info := Info{
		ResetTime:     now.Add(time.Duration(retrySec) * time.Second),
		RetryAfterSec: retrySec,
		DetectedAt:    now,
		Reason:        reason,
		Model:         model,
	}

	t.mu.Lock()
	t.limits[key] = info
	t.mu.Unlock()

	return &info
}

func (t *Tracker) synthesizeBackoff(reason Reason, failureCount int) int64 {
	tierIndex := failureCount - 1
	if tierIndex < 0 {
		tierIndex = 0
	}
	switch reason {
	case ReasonQuotaExhausted:
		if tierIndex >= len(quotaExhaustedTiers) {
			tierIndex = len(quotaExhaustedTiers) - 1
		}
		return quotaExhaustedTiers[tierIndex]
	case ReasonRateLimitExceeded:
		return rateLimitExceededSeconds
	case ReasonServerError:
		return serverErrorSeconds
	default:
		return unknownSeconds
	}
}

// SetAdaptiveTemporaryLockout applies the dispatcher-driven 5/15/30/60s
// progression used when rotating away from an account for a soft reason.
// Returns the lockout duration applied.
func (t *Tracker) SetAdaptiveTemporaryLockout(accountID string) time.Duration {
	now := time.Now()
	key := AccountKey(accountID)

	t.mu.Lock()
	failureCount := t.bumpFailureCount(key, now)
	tierIndex := failureCount - 1
	if tierIndex < 0 {
		tierIndex = 0
	}
	if tierIndex >= len(adaptiveLockoutTiers) {
		tierIndex = len(adaptiveLockoutTiers) - 1
	}
	seconds := adaptiveLockoutTiers[tierIndex]

	t.limits[key] = Info{
		ResetTime:     now.Add(time.Duration(seconds) * time.Second),
		RetryAfterSec: seconds,
		DetectedAt:    now,
		Reason:        ReasonUnknown,
	}
	t.mu.Unlock()

	return time.Duration(seconds) * time.Second
}

// SetLockoutUntil pins a key's lockout to an exact reset instant (e.g. parsed
// from the account's own quota-refresh time). Negative or pre-epoch times are
// rejected.
func (t *Tracker) SetLockoutUntil(accountID string, resetTime time.Time, reason Reason, model string) bool {
	if resetTime.Unix() < 0 {
		return false
	}
	now := time.Now()
	retrySec := int64(resetTime.Sub(now).Seconds())
	if retrySec < 0 {
		retrySec = 0
	}

	key := FromOptionalModel(accountID, model)
	t.mu.Lock()
	t.limits[key] = Info{
		ResetTime:     resetTime,
		RetryAfterSec: retrySec,
		DetectedAt:    now,
		Reason:        reason,
		Model:         model,
	}
	t.mu.Unlock()
	return true
}

// SetLockoutUntilISO parses an RFC3339 timestamp and calls SetLockoutUntil.
func (t *Tracker) SetLockoutUntilISO(accountID, resetTimeISO string, reason Reason, model string) bool {
	parsed, err := time.Parse(time.RFC3339, resetTimeISO)
	if err != nil {
		return false
	}
	return t.SetLockoutUntil(accountID, parsed, reason, model)
}

// IsRateLimited reports whether the account-wide key is currently locked.
func (t *Tracker) IsRateLimited(accountID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.limits[AccountKey(accountID)]
	return ok && info.IsRateLimited()
}

// IsRateLimitedForModel returns true if either the account-wide key or the
// (account, model) key is locked — spec §4.2.
func (t *Tracker) IsRateLimitedForModel(accountID, model string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if info, ok := t.limits[AccountKey(accountID)]; ok && info.IsRateLimited() {
		return true
	}
	if info, ok := t.limits[ModelKey(accountID, model)]; ok && info.IsRateLimited() {
		return true
	}
	return false
}

// GetRemainingWaitForModel returns the longer of the account-wide and
// model-specific remaining wait, in whole seconds (ceiling).
func (t *Tracker) GetRemainingWaitForModel(accountID, model string) int64 {
	now := time.Now()
	var maxWait int64

	t.mu.RLock()
	defer t.mu.RUnlock()
	if info, ok := t.limits[AccountKey(accountID)]; ok && info.ResetTime.After(now) {
		if w := ceilSeconds(info.ResetTime.Sub(now)); w > maxWait {
			maxWait = w
		}
	}
	if info, ok := t.limits[ModelKey(accountID, model)]; ok && info.ResetTime.After(now) {
		if w := ceilSeconds(info.ResetTime.Sub(now)); w > maxWait {
			maxWait = w
		}
	}
	return maxWait
}

func ceilSeconds(d time.Duration) int64 {
	secs := d / time.Second
	if d%time.Second > 0 {
		secs++
	}
	return int64(secs)
}

// MarkSuccess clears the account-wide lockout and failure counter.
func (t *Tracker) MarkSuccess(accountID string) {
	key := AccountKey(accountID)
	t.mu.Lock()
	delete(t.limits, key)
	delete(t.failures, key)
	t.mu.Unlock()
}

// MarkModelSuccess clears the (account, model) lockout and failure counter.
func (t *Tracker) MarkModelSuccess(accountID, model string) {
	key := ModelKey(accountID, model)
	t.mu.Lock()
	delete(t.limits, key)
	delete(t.failures, key)
	t.mu.Unlock()
}

// Get returns the account-wide record, if any.
func (t *Tracker) Get(accountID string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.limits[AccountKey(accountID)]
	return info, ok
}

// Clear removes the account-wide record.
func (t *Tracker) Clear(accountID string) bool {
	key := AccountKey(accountID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.limits[key]; ok {
		delete(t.limits, key)
		return true
	}
	return false
}

// ClearAll removes every lockout record (optimistic reset).
func (t *Tracker) ClearAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.limits)
	t.limits = make(map[Key]Info)
	return count
}

// CleanupExpired removes every record whose reset_time has passed, matching
// the periodic cleanup task described in spec §4.2/§5.
func (t *Tracker) CleanupExpired() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for k, v := range t.limits {
		if !v.ResetTime.After(now) {
			delete(t.limits, k)
			count++
		}
	}
	return count
}

// RunCleanupLoop runs CleanupExpired every interval until stop is closed.
func (t *Tracker) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.CleanupExpired()
		case <-stop:
			return
		}
	}
}
