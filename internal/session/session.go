// Package session implements the session fingerprint → account binding
// table: a stable session_id derived from the first user message maps
// to the account that served it, for as long as the account stays
// usable and the session's failure counter stays below its limit.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureLimit is the consecutive-failure count at which a binding is
// dropped and the dispatcher must pick a fresh account (spec §4.5).
const FailureLimit = 3

// MaxEntries is the size cap that triggers pruning (spec §3).
const MaxEntries = 10000

// PruneTo is how many entries survive a prune pass — the oldest
// MaxEntries-PruneTo bindings are evicted.
const PruneTo = 5000

// DeriveID derives a stable session id from the first non-empty user
// message in text, normalized by trimming. Callers pass already-extracted
// text (one string per user message, in order) rather than a protocol
// type, so this package stays independent of any wire format.
func DeriveID(userMessageTexts []string) string {
	for _, text := range userMessageTexts {
		if text == "" {
			continue
		}
		hash := sha256.Sum256([]byte(text))
		return "sid-" + hex.EncodeToString(hash[:8])
	}
	return "sid-" + uuid.New().String()[:16]
}

type binding struct {
	accountID   string
	failures    int
	lastUsed    time.Time
	createdAt   time.Time
}

// Map is the process-wide session_id → account_id binding table.
type Map struct {
	ttl time.Duration

	mu       sync.Mutex
	bindings map[string]*binding
}

// NewMap creates an empty Map with the given binding TTL.
func NewMap(ttl time.Duration) *Map {
	return &Map{
		ttl:      ttl,
		bindings: make(map[string]*binding),
	}
}

// isUsable reports whether a candidate account may still serve a bound
// session; the dispatcher supplies this since eligibility also depends
// on the account's own disabled/rate-limited/ceiling state.
type UsabilityCheck func(accountID string) bool

// Lookup returns the bound account for sessionID if the binding exists,
// hasn't expired, the session-failure count is under FailureLimit, and
// usable(accountID) reports true. Otherwise the binding (if any) is
// removed and ok is false, so the caller performs a fresh selection and
// calls Bind.
func (m *Map) Lookup(sessionID string, usable UsabilityCheck) (accountID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.bindings[sessionID]
	if !exists {
		return "", false
	}
	if m.ttl > 0 && time.Since(b.lastUsed) > m.ttl {
		delete(m.bindings, sessionID)
		return "", false
	}
	if b.failures >= FailureLimit {
		delete(m.bindings, sessionID)
		return "", false
	}
	if usable != nil && !usable(b.accountID) {
		delete(m.bindings, sessionID)
		return "", false
	}
	b.lastUsed = time.Now()
	return b.accountID, true
}

// Bind records sessionID → accountID, replacing any prior binding and
// resetting its failure counter. Prunes if the table has grown past
// MaxEntries.
func (m *Map) Bind(sessionID, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.bindings[sessionID] = &binding{
		accountID: accountID,
		lastUsed:  now,
		createdAt: now,
	}
	if len(m.bindings) > MaxEntries {
		m.pruneLocked()
	}
}

// RecordFailure increments sessionID's failure counter. At FailureLimit
// the next Lookup drops the binding so the dispatcher rotates away.
func (m *Map) RecordFailure(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[sessionID]
	if !ok {
		return 0
	}
	b.failures++
	return b.failures
}

// Clear removes sessionID's binding unconditionally.
func (m *Map) Clear(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[sessionID]; ok {
		delete(m.bindings, sessionID)
		return true
	}
	return false
}

// Len returns the number of live bindings.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}

// pruneLocked drops the oldest (MaxEntries-PruneTo) bindings by createdAt.
// Must be called with m.mu held.
func (m *Map) pruneLocked() {
	if len(m.bindings) <= PruneTo {
		return
	}
	type entry struct {
		id        string
		createdAt time.Time
	}
	entries := make([]entry, 0, len(m.bindings))
	for id, b := range m.bindings {
		entries = append(entries, entry{id, b.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	toDrop := len(m.bindings) - PruneTo
	for i := 0; i < toDrop; i++ {
		delete(m.bindings, entries[i].id)
	}
}

// PruneExpired removes every binding older than ttl, for use from a
// periodic cleanup loop alongside the size-based prune.
func (m *Map) PruneExpired() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	count := 0
	for id, b := range m.bindings {
		if now.Sub(b.lastUsed) > m.ttl {
			delete(m.bindings, id)
			count++
		}
	}
	return count
}

// RunCleanupLoop runs PruneExpired every interval until stop is closed.
func (m *Map) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.PruneExpired()
		case <-stop:
			return
		}
	}
}
