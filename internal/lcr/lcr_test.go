package lcr

import (
	"testing"
	"time"
)

func mustPattern(t *testing.T, re string) *Pattern {
	t.Helper()
	p, err := NewPattern(re, "")
	if err != nil {
		t.Fatalf("compiling pattern: %v", err)
	}
	return p
}

func TestRateEstimatedCostAppliesMinimumAndIncrement(t *testing.T) {
	r := &Rate{
		RatePerMinute:    0.02,
		ConnectionFee:    0.01,
		MinimumSeconds:   30,
		BillingIncrement: 6,
	}

	// 10s call: floored to 30s minimum, already a multiple of 6.
	got := r.EstimatedCost(10 * time.Second)
	want := 0.01 + (30.0/60.0)*0.02
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRateEstimatedCostRoundsUpToIncrement(t *testing.T) {
	r := &Rate{RatePerMinute: 0.06, BillingIncrement: 6}
	// 31s rounds up to 36s.
	got := r.EstimatedCost(31 * time.Second)
	want := (36.0 / 60.0) * 0.06
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestEngineSelectTrunkPicksCheapestEnabledTrunk(t *testing.T) {
	pattern := mustPattern(t, `^1\d{10}$`)
	e := NewEngine([]*Rate{
		{TrunkID: 1, Pattern: pattern, RatePerMinute: 0.05},
		{TrunkID: 2, Pattern: pattern, RatePerMinute: 0.02},
		{TrunkID: 3, Pattern: pattern, RatePerMinute: 0.01},
	})

	sel, err := e.SelectTrunk("12125551234", []Trunk{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true},
		{ID: 3, Enabled: false}, // cheapest but disabled
	})
	if err != nil {
		t.Fatalf("select trunk: %v", err)
	}
	if sel.TrunkID != 2 {
		t.Fatalf("expected trunk 2 (cheapest enabled), got %d", sel.TrunkID)
	}
}

func TestEngineSelectTrunkNoMatchReturnsError(t *testing.T) {
	e := NewEngine([]*Rate{{TrunkID: 1, Pattern: mustPattern(t, `^911$`)}})
	_, err := e.SelectTrunk("12125551234", []Trunk{{ID: 1, Enabled: true}})
	if err == nil {
		t.Fatalf("expected no-match error")
	}
}
