// Package strategies: TieredStrategy implements the exact selection
// cascade — tier rank, then remaining quota, then health score, then
// load-balanced cost — used as the pool's default Selector.
package strategies

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

const StrategyTiered = "tiered"

// Tier names ranking from best to worst.
const (
	TierUltraBusiness = "ULTRA_BUSINESS"
	TierUltra         = "ULTRA"
	TierPro           = "PRO"
	TierFree          = "FREE"
	TierUnknown       = "UNKNOWN"
)

var tierRank = map[string]int{
	TierUltraBusiness: 0,
	TierUltra:         1,
	TierPro:           2,
	TierFree:          3,
	TierUnknown:       4,
}

// tierWeight descends by tier so a lightly-loaded low tier can still
// beat a heavily-loaded high tier in the load-balanced cost term.
var tierWeight = map[string]float64{
	TierUltraBusiness: 0.1,
	TierUltra:         0.25,
	TierPro:           0.8,
	TierFree:          1.0,
	TierUnknown:       1.25,
}

func rankOf(tier string) int {
	if r, ok := tierRank[strings.ToUpper(tier)]; ok {
		return r
	}
	return tierRank[TierUnknown]
}

func weightOf(tier string) float64 {
	if w, ok := tierWeight[strings.ToUpper(tier)]; ok {
		return w
	}
	return tierWeight[TierUnknown]
}

// CircuitGate reports whether accountID's circuit breaker currently
// admits a request (Closed, or the just-elected HalfOpen probe).
type CircuitGate func(accountID string) bool

// InFlightGate returns accountID's current in-flight request count, for
// the load-balanced cost term.
type InFlightGate func(accountID string) int64

// TieredStrategy is the spec-exact Selector: filters candidates by
// eligibility (usable, not protected for this model, circuit open-able)
// then sorts lexicographically by tier, remaining quota, health, cost.
type TieredStrategy struct {
	*BaseStrategy
	healthTracker *trackers.HealthTracker
	circuitGate   CircuitGate
	inFlightGate  InFlightGate
}

// NewTieredStrategy creates a TieredStrategy. circuitGate/inFlightGate
// may be nil, in which case every account is treated as circuit-closed
// with zero in-flight (useful in tests or when those subsystems are
// wired in separately by the pool).
func NewTieredStrategy(cfg *Config, redisClient *redis.Client, circuitGate CircuitGate, inFlightGate InFlightGate) *TieredStrategy {
	var healthCfg config.HealthScoreConfig
	if cfg != nil {
		healthCfg = cfg.HealthScore
	}
	return &TieredStrategy{
		BaseStrategy:  NewBaseStrategy(cfg, redisClient),
		healthTracker: trackers.NewHealthTracker(healthCfg),
		circuitGate:   circuitGate,
		inFlightGate:  inFlightGate,
	}
}

func (s *TieredStrategy) accountTier(acc *redis.Account) string {
	if acc.Subscription != nil && acc.Subscription.Tier != "" {
		return strings.ToUpper(acc.Subscription.Tier)
	}
	return TierUnknown
}

func (s *TieredStrategy) remainingQuota(acc *redis.Account, modelID string) (float64, bool) {
	if acc.Quota == nil || acc.Quota.Models == nil {
		return 0, false
	}
	if m, ok := acc.Quota.Models[modelID]; ok {
		return m.RemainingFraction, true
	}
	return 0, false
}

func (s *TieredStrategy) isCircuitOpenable(accountID string) bool {
	if s.circuitGate == nil {
		return true
	}
	return s.circuitGate(accountID)
}

func (s *TieredStrategy) inFlight(accountID string) int64 {
	if s.inFlightGate == nil {
		return 0
	}
	return s.inFlightGate(accountID)
}

type tieredCandidate struct {
	account        *redis.Account
	index          int
	tierRank       int
	quota          float64
	hasQuota       bool
	health         float64
	cost           float64
}

// SelectAccount implements the Strategy interface.
func (s *TieredStrategy) SelectAccount(ctxArg interface{}, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	ctx, _ := ctxArg.(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	candidates := make([]tieredCandidate, 0, len(accounts))
	for i, acc := range accounts {
		if !s.IsAccountUsable(ctx, acc, modelID) {
			continue
		}
		if !s.isCircuitOpenable(acc.Email) {
			continue
		}

		tier := s.accountTier(acc)
		quota, hasQuota := s.remainingQuota(acc, modelID)
		health := s.healthTracker.GetScore(acc.Email)
		w := weightOf(tier)
		inFlight := s.inflightOrZero(acc.Email)
		cost := w + float64(inFlight)*w

		candidates = append(candidates, tieredCandidate{
			account:  acc,
			index:    i,
			tierRank: rankOf(tier),
			quota:    quota,
			hasQuota: hasQuota,
			health:   health,
			cost:     cost,
		})
	}

	if len(candidates) == 0 {
		utils.Warn("[TieredStrategy] No eligible candidates for model %s", modelID)
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.tierRank != b.tierRank {
			return a.tierRank < b.tierRank
		}
		if a.hasQuota != b.hasQuota {
			// None sorts after any Some.
			return a.hasQuota
		}
		if a.hasQuota && a.quota != b.quota {
			return a.quota > b.quota
		}
		if a.health != b.health {
			return a.health > b.health
		}
		return a.cost < b.cost
	})

	best := candidates[0]
	best.account.LastUsed = time.Now().UnixMilli()
	if options.OnSave != nil {
		options.OnSave()
	}

	utils.Info("[TieredStrategy] Selected %s (tier rank %d, health %.1f, cost %.2f)",
		best.account.Email, best.tierRank, best.health, best.cost)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: 0}
}

func (s *TieredStrategy) inflightOrZero(email string) int64 {
	return s.inFlight(email)
}

// OnSuccess records a health-tracker success.
func (s *TieredStrategy) OnSuccess(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordSuccess(account.Email)
	}
}

// OnRateLimit records a health-tracker rate limit.
func (s *TieredStrategy) OnRateLimit(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordRateLimit(account.Email)
	}
}

// OnFailure records a health-tracker failure.
func (s *TieredStrategy) OnFailure(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordFailure(account.Email)
	}
}

// GetHealthTracker exposes the tracker for inspection endpoints.
func (s *TieredStrategy) GetHealthTracker() HealthTracker {
	return s.healthTracker
}
