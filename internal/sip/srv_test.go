package sip

import (
	"log/slog"
	"testing"
)

func TestWeightedSelectSinglePicksOnlyRecord(t *testing.T) {
	rec := &SRVRecord{Target: "only.example.com", Weight: 50}
	got := weightedSelect([]*SRVRecord{rec})
	if got != rec {
		t.Fatalf("expected the only record to be selected")
	}
}

func TestWeightedSelectZeroWeightPicksSomeRecord(t *testing.T) {
	tier := []*SRVRecord{
		{Target: "a", Weight: 0},
		{Target: "b", Weight: 0},
	}
	got := weightedSelect(tier)
	if got != tier[0] && got != tier[1] {
		t.Fatalf("expected one of the zero-weight records, got %v", got)
	}
}

func TestSRVResolverMarkFailedUnavailableAfterMaxFailures(t *testing.T) {
	r := NewSRVResolver(3, slog.Default())
	name := srvName("sip", "udp", "carrier.example.com")
	r.cache[name] = &srvSet{records: []*SRVRecord{
		{Target: "primary.carrier.example.com.", Port: 5060, Priority: 10, Weight: 60, available: true},
		{Target: "backup.carrier.example.com.", Port: 5060, Priority: 20, Weight: 40, available: true},
	}}

	for i := 0; i < 3; i++ {
		r.MarkFailed("sip", "udp", "carrier.example.com", "primary.carrier.example.com.", 5060)
	}

	rec := r.cache[name].records[0]
	if rec.available {
		t.Fatalf("expected primary to be marked unavailable after 3 failures")
	}

	sel, err := r.Select(nil, "sip", "udp", "carrier.example.com")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Target != "backup.carrier.example.com." {
		t.Fatalf("expected failover to backup, got %s", sel.Target)
	}
}

func TestSRVResolverMarkRecoveredRestoresAvailability(t *testing.T) {
	r := NewSRVResolver(3, slog.Default())
	name := srvName("sip", "udp", "carrier.example.com")
	r.cache[name] = &srvSet{records: []*SRVRecord{
		{Target: "primary.carrier.example.com.", Port: 5060, Priority: 10, Weight: 60, available: false, failureCount: 3},
	}}

	r.MarkRecovered("sip", "udp", "carrier.example.com", "primary.carrier.example.com.", 5060)

	rec := r.cache[name].records[0]
	if !rec.available || rec.failureCount != 0 {
		t.Fatalf("expected recovery to reset availability and failure count")
	}
}
