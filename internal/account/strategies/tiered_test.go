package strategies

import (
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

func account(email, tier string, quota float64, hasQuota bool) *redis.Account {
	acc := &redis.Account{
		Email:        email,
		Enabled:      true,
		Subscription: &redis.SubscriptionInfo{Tier: tier},
	}
	if hasQuota {
		acc.Quota = &redis.QuotaInfo{
			Models: map[string]*redis.ModelQuotaInfo{
				"gpt-4": {RemainingFraction: quota},
			},
		}
	}
	return acc
}

func TestTieredStrategyPrefersHigherTier(t *testing.T) {
	s := NewTieredStrategy(nil, nil, nil, nil)
	accounts := []*redis.Account{
		account("free@x.com", TierFree, 1.0, true),
		account("ultra@x.com", TierUltra, 0.1, true),
	}
	result := s.SelectAccount(nil, accounts, "gpt-4", SelectOptions{})
	if result.Account == nil || result.Account.Email != "ultra@x.com" {
		t.Fatalf("expected ultra@x.com to win on tier rank, got %+v", result.Account)
	}
}

func TestTieredStrategyQuotaBreaksTieWithinTier(t *testing.T) {
	s := NewTieredStrategy(nil, nil, nil, nil)
	accounts := []*redis.Account{
		account("low@x.com", TierPro, 0.2, true),
		account("high@x.com", TierPro, 0.9, true),
	}
	result := s.SelectAccount(nil, accounts, "gpt-4", SelectOptions{})
	if result.Account.Email != "high@x.com" {
		t.Fatalf("expected high@x.com (more remaining quota), got %s", result.Account.Email)
	}
}

func TestTieredStrategySomeQuotaBeatsNone(t *testing.T) {
	s := NewTieredStrategy(nil, nil, nil, nil)
	accounts := []*redis.Account{
		account("noquota@x.com", TierPro, 0, false),
		account("hasquota@x.com", TierPro, 0.01, true),
	}
	result := s.SelectAccount(nil, accounts, "gpt-4", SelectOptions{})
	if result.Account.Email != "hasquota@x.com" {
		t.Fatalf("expected hasquota@x.com (Some beats None), got %s", result.Account.Email)
	}
}

func TestTieredStrategyExcludesProtectedModel(t *testing.T) {
	s := NewTieredStrategy(nil, nil, nil, nil)
	protected := account("protected@x.com", TierUltra, 1.0, true)
	protected.ProtectedModels = []string{"gpt-4"}
	fallback := account("fallback@x.com", TierFree, 1.0, true)

	result := s.SelectAccount(nil, []*redis.Account{protected, fallback}, "gpt-4", SelectOptions{})
	if result.Account == nil || result.Account.Email != "fallback@x.com" {
		t.Fatalf("expected the protected account to be excluded, got %+v", result.Account)
	}
}

func TestTieredStrategyExcludesCircuitNotOpenable(t *testing.T) {
	gate := func(accountID string) bool { return accountID != "blocked@x.com" }
	s := NewTieredStrategy(nil, nil, gate, nil)
	blocked := account("blocked@x.com", TierUltra, 1.0, true)
	ok := account("ok@x.com", TierFree, 1.0, true)

	result := s.SelectAccount(nil, []*redis.Account{blocked, ok}, "gpt-4", SelectOptions{})
	if result.Account == nil || result.Account.Email != "ok@x.com" {
		t.Fatalf("expected the circuit-blocked account to be excluded, got %+v", result.Account)
	}
}

func TestTieredStrategyLoadCostBreaksTieWithinTierAndQuota(t *testing.T) {
	inFlight := map[string]int64{"busy@x.com": 10, "idle@x.com": 0}
	gate := func(string) bool { return true }
	load := func(accountID string) int64 { return inFlight[accountID] }
	s := NewTieredStrategy(nil, nil, gate, load)

	accounts := []*redis.Account{
		account("busy@x.com", TierPro, 0.5, true),
		account("idle@x.com", TierPro, 0.5, true),
	}
	result := s.SelectAccount(nil, accounts, "gpt-4", SelectOptions{})
	if result.Account.Email != "idle@x.com" {
		t.Fatalf("expected idle@x.com (lower load cost), got %s", result.Account.Email)
	}
}

func TestTieredStrategyNoEligibleCandidatesReturnsNil(t *testing.T) {
	s := NewTieredStrategy(nil, nil, nil, nil)
	disabled := account("off@x.com", TierUltra, 1.0, true)
	disabled.Enabled = false

	result := s.SelectAccount(nil, []*redis.Account{disabled}, "gpt-4", SelectOptions{})
	if result.Account != nil {
		t.Fatalf("expected no account selected, got %+v", result.Account)
	}
}
