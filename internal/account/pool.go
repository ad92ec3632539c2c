package account

import (
	"context"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/adaptive"
	"github.com/poemonsense/antigravity-proxy-go/internal/circuit"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/ratelimit"
	"github.com/poemonsense/antigravity-proxy-go/internal/session"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// sessionBindingTTL is how long a session_id -> account binding survives
// between uses, per spec §4.5.
const sessionBindingTTL = 2 * time.Hour

// Lease releases an admitted request's concurrency-ceiling slot. Callers
// must invoke it exactly once the request completes, regardless of outcome.
type Lease func()

// TokenResult is what GetToken hands back to the dispatcher.
type TokenResult struct {
	AccessToken string
	ProjectID   string
	Email       string
	Release     Lease
}

// attachSubsystems wires the rate-limit, adaptive-limit, circuit-breaker
// and session subsystems into the manager, and points the active strategy
// (when it is a *strategies.TieredStrategy) at the circuit/adaptive gates
// it needs for candidate filtering and load-cost scoring.
func (m *Manager) attachSubsystems() {
	m.rateLimits = ratelimit.NewTracker()
	m.adaptiveLimits = adaptive.DefaultManager()
	m.circuits = circuit.DefaultManager()
	m.sessions = session.NewMap(sessionBindingTTL)
}

// GetToken implements the pool's core operation: resolve a usable
// account for (sessionID, modelID), honoring session affinity, rate
// limits, the circuit breaker, and the adaptive concurrency ceiling,
// then return a live access token plus a lease the caller must release.
func (m *Manager) GetToken(ctx context.Context, sessionID, modelID string, exclusions map[string]struct{}) (*TokenResult, error) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil, NewNotInitializedError()
	}

	usable := func(accountID string) bool {
		return m.isAccountStillUsable(accountID, modelID, exclusions)
	}

	if sessionID != "" {
		if accountID, ok := m.sessions.Lookup(sessionID, usable); ok {
			if result, err := m.acquireToken(ctx, accountID); err == nil {
				return result, nil
			}
			m.sessions.Clear(sessionID)
		}
	}

	acc, err := m.selectExcluding(ctx, modelID, exclusions)
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		m.sessions.Bind(sessionID, acc.Email)
	}

	return m.acquireToken(ctx, acc)
}

// selectExcluding runs the active strategy's cascade against a slice with
// exclusions and open circuits filtered out ahead of time (the strategy
// interface has no exclusions parameter, so filtering happens on the
// slice it's handed).
func (m *Manager) selectExcluding(ctx context.Context, modelID string, exclusions map[string]struct{}) (*redis.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		return nil, NewNoAccountsError("No accounts configured", false)
	}

	m.clearExpiredLimitsLocked(ctx)

	candidates := make([]*redis.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if _, excluded := exclusions[acc.Email]; excluded {
			continue
		}
		if m.circuits.GetState(acc.Email) == circuit.Open {
			continue
		}
		candidates = append(candidates, acc)
	}

	result := m.strategy.SelectAccount(ctx, candidates, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		OnSave:       func() { m.saveToDiskLocked(ctx) },
	})

	if result.Account == nil {
		allRateLimited := m.isAllRateLimitedLocked(modelID)
		return nil, NewNoAccountsError("No available accounts", allRateLimited)
	}

	m.currentIndex = result.Index
	return result.Account, nil
}

// acquireToken resolves accountID to an account record, acquires its
// adaptive-limit lease, and fetches a fresh access token; on any
// failure the lease is released so it never leaks.
func (m *Manager) acquireToken(ctx context.Context, accountOrID interface{}) (*TokenResult, error) {
	var acc *redis.Account
	switch v := accountOrID.(type) {
	case *redis.Account:
		acc = v
	case string:
		found, err := m.GetAccountByEmail(ctx, v)
		if err != nil {
			return nil, err
		}
		acc = found
	}
	if acc == nil {
		return nil, NewNoAccountsError("account not found", false)
	}

	tracker := m.adaptiveLimits.GetOrCreate(acc.Email)
	acquired, release := tracker.TryAcquire()
	if !acquired {
		return nil, errors.NewPoolExhaustedError("account at concurrency ceiling", 0)
	}

	token, err := m.GetTokenForAccount(ctx, acc)
	if err != nil {
		release()
		return nil, err
	}

	return &TokenResult{
		AccessToken: token,
		ProjectID:   acc.ProjectID,
		Email:       acc.Email,
		Release:     Lease(release),
	}, nil
}

// isAccountStillUsable re-validates a session-bound account against the
// current rate-limit, circuit, and exclusion state (spec §4.5).
func (m *Manager) isAccountStillUsable(accountID, modelID string, exclusions map[string]struct{}) bool {
	if _, excluded := exclusions[accountID]; excluded {
		return false
	}
	m.mu.RLock()
	var acc *redis.Account
	for _, a := range m.accounts {
		if a.Email == accountID {
			acc = a
			break
		}
	}
	m.mu.RUnlock()
	if acc == nil || !acc.Enabled || acc.IsInvalid || acc.ProxyDisabled {
		return false
	}
	if m.rateLimits.IsRateLimitedForModel(accountID, modelID) {
		return false
	}
	if m.circuits.GetState(accountID) == circuit.Open {
		return false
	}
	if m.adaptiveLimits.GetOrCreate(accountID).IsOverCeiling() {
		return false
	}
	return true
}

// RecordSessionFailure increments sessionID's failure counter (spec §4.5);
// at FailureLimit the next GetToken call rebinds to a fresh account.
func (m *Manager) RecordSessionFailure(sessionID string) int {
	return m.sessions.RecordFailure(sessionID)
}

// NotifyUpstreamOutcome folds an upstream call's outcome into every
// subsystem that tracks per-account health: the strategy's own
// success/rate-limit/failure hooks, the circuit breaker, and the
// adaptive concurrency controller.
func (m *Manager) NotifyUpstreamOutcome(acc *redis.Account, modelID string, status int, reason ratelimit.Reason) {
	if acc == nil {
		return
	}
	switch {
	case status == 0:
		m.NotifySuccess(acc, modelID)
		m.circuits.RecordSuccess(acc.Email)
		m.adaptiveLimits.RecordSuccess(acc.Email)
	case status == 429 || status == 500 || status == 503 || status == 529:
		m.NotifyRateLimit(acc, modelID)
		m.circuits.RecordFailure(acc.Email, string(reason))
		if reason != ratelimit.ReasonModelCapacityExhausted {
			m.adaptiveLimits.Record429(acc.Email)
		}
	default:
		m.NotifyFailure(acc, modelID)
		m.circuits.RecordFailure(acc.Email, "upstream_error")
	}
}
