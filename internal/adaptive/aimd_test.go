package adaptive

import (
	"sync"
	"testing"
)

func TestControllerRewardPenalizeLiteralValues(t *testing.T) {
	c := DefaultController()

	if got := c.Reward(15); got != 16 {
		t.Errorf("Reward(15) = %d, want 16", got)
	}
	if got := c.Reward(1000); got != 1000 {
		t.Errorf("Reward(1000) = %d, want capped at 1000", got)
	}
	if got := c.Penalize(15); got != 10 {
		t.Errorf("Penalize(15) = %d, want 10", got)
	}
	if got := c.Penalize(10); got != 10 {
		t.Errorf("Penalize(10) = %d, want floored at 10", got)
	}
}

func TestStrategyFromUsageRatioTable(t *testing.T) {
	cases := []struct {
		ratio float64
		want  ProbeStrategy
	}{
		{0, ProbeNone},
		{9.0 / 12.0, ProbeCheap},
		{11.0 / 12.0, ProbeDelayedHedge},
		{12.0 / 12.0, ProbeImmediateHedge},
	}
	for _, c := range cases {
		if got := StrategyFromUsageRatio(c.ratio); got != c.want {
			t.Errorf("StrategyFromUsageRatio(%v) = %v, want %v", c.ratio, got, c.want)
		}
	}
}

func TestTrackerMonotoneUnderSuccessStrictDecreaseOn429(t *testing.T) {
	tr := NewTracker(DefaultUsageRatio, DefaultController())
	start := tr.ConfirmedLimit()

	for i := int64(0); i < tr.workingThreshold+1; i++ {
		tr.RecordSuccess()
	}
	if got := tr.ConfirmedLimit(); got <= start {
		t.Fatalf("expected expansion after exceeding working threshold, got %d from %d", got, start)
	}

	expanded := tr.ConfirmedLimit()
	tr.Record429()
	if got := tr.ConfirmedLimit(); got >= expanded {
		t.Fatalf("expected strict decrease on 429, got %d from %d", got, expanded)
	}
}

func TestTrackerProbeStrategyFollowsInFlightRatio(t *testing.T) {
	tr := NewTracker(DefaultUsageRatio, DefaultController())
	if got := tr.ProbeStrategy(); got != ProbeNone {
		t.Errorf("idle tracker: got %v, want ProbeNone", got)
	}

	var releases []func()
	for i := 0; i < int(tr.workingThreshold); i++ {
		_, release := tr.TryAcquire()
		releases = append(releases, release)
	}
	if got := tr.ProbeStrategy(); got != ProbeImmediateHedge {
		t.Errorf("fully saturated tracker: got %v, want ProbeImmediateHedge", got)
	}
	for _, release := range releases {
		release()
	}
}

func TestManagerGetOrCreateConcurrentNoOverwrite(t *testing.T) {
	m := DefaultManager()
	const workers = 64

	var wg sync.WaitGroup
	results := make([]*Tracker, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.GetOrCreate("acct-shared")
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, tr := range results {
		if tr != first {
			t.Fatalf("worker %d got a different tracker instance than worker 0", i)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("expected exactly 1 tracked account, got %d", m.Len())
	}
}

func TestManagerRecordSuccessAndRecord429DelegateToTracker(t *testing.T) {
	m := DefaultManager()
	m.RecordSuccess("acct-1")
	tr, ok := m.Get("acct-1")
	if !ok {
		t.Fatal("expected acct-1 to be tracked after RecordSuccess")
	}
	if tr.windowSuccesses != 1 {
		t.Errorf("windowSuccesses = %d, want 1", tr.windowSuccesses)
	}

	start := tr.ConfirmedLimit()
	m.Record429("acct-1")
	if got := tr.ConfirmedLimit(); got >= start {
		t.Errorf("expected Record429 via manager to contract the limit, got %d from %d", got, start)
	}
}

func TestManagerIsEmptyAndShouldAllow(t *testing.T) {
	m := DefaultManager()
	if !m.IsEmpty() {
		t.Fatal("fresh manager should be empty")
	}
	if !m.ShouldAllow("acct-1") {
		t.Fatal("fresh account should be allowed")
	}
	if m.IsEmpty() {
		t.Fatal("manager should no longer be empty after ShouldAllow created a tracker")
	}
}
