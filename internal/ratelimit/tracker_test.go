package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseFromError_QuotaExhaustedTiers(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`
	headers := http.Header{}

	expected := []int64{60, 300, 1800, 7200, 7200}
	for i, want := range expected {
		info := tr.ParseFromError("acct-1", 429, headers, body, "")
		if info == nil {
			t.Fatalf("attempt %d: expected a lockout record", i+1)
		}
		if info.RetryAfterSec != want {
			t.Errorf("attempt %d: got retry %ds, want %ds", i+1, info.RetryAfterSec, want)
		}
	}
}

func TestParseFromError_ModelCapacityExhaustedSkipsRecord(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"details":[{"reason":"MODEL_CAPACITY_EXHAUSTED"}]}}`
	info := tr.ParseFromError("acct-2", 429, http.Header{}, body, "")
	if info != nil {
		t.Fatalf("expected no record for ModelCapacityExhausted, got %+v", info)
	}
	if tr.IsRateLimited("acct-2") {
		t.Fatal("account should not be marked rate limited")
	}
}

func TestIsRateLimitedForModel_ChecksBothKeys(t *testing.T) {
	tr := NewTracker()
	tr.SetLockoutUntil("acct-3", time.Now().Add(time.Minute), ReasonRateLimitExceeded, "gpt-4")
	if !tr.IsRateLimitedForModel("acct-3", "gpt-4") {
		t.Fatal("expected model-keyed lockout to apply")
	}
	if tr.IsRateLimitedForModel("acct-3", "gpt-5") {
		t.Fatal("lockout on one model must not apply to another")
	}
}

func TestSetLockoutUntil_RejectsPreEpoch(t *testing.T) {
	tr := NewTracker()
	ok := tr.SetLockoutUntil("acct-4", time.Unix(-10, 0), ReasonUnknown, "")
	if ok {
		t.Fatal("expected pre-epoch reset time to be rejected")
	}
}

func TestParseDurationWindowRoundTrip(t *testing.T) {
	for s := int64(0); s <= 10*3600; s += 60 {
		text := FormatDurationWindow(s)
		got := ParseDurationWindow(text)
		if got != s {
			t.Errorf("round trip failed for %ds: formatted %q, parsed back %ds", s, text, got)
		}
	}
}

func TestParseDurationWindow_S9(t *testing.T) {
	cases := map[string]int64{
		"4h 30m":       16200,
		"0h 0m":        0,
		"":             0,
		"192.168.1.1":  0,
	}
	for input, want := range cases {
		if got := ParseDurationWindow(input); got != want {
			t.Errorf("ParseDurationWindow(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestAdaptiveTemporaryLockoutProgression(t *testing.T) {
	tr := NewTracker()
	expected := []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, want := range expected {
		got := tr.SetAdaptiveTemporaryLockout("acct-5")
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, want)
		}
	}
}
