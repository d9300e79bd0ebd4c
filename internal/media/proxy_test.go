package media

import (
	"log/slog"
	"testing"
	"time"
)

func TestProxyAllocateExhaustsSmallRange(t *testing.T) {
	p, err := NewProxy(20000, 20001, slog.Default())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	first, err := p.Allocate()
	if err != nil {
		t.Fatalf("first allocation should succeed: %v", err)
	}
	defer p.Release(first)

	if _, err := p.Allocate(); err == nil {
		t.Fatal("second allocation in a 2-port range should fail with pool exhausted")
	}
}

func TestProxyReleasedPortStaysInCooldown(t *testing.T) {
	p, err := NewProxy(20010, 20011, slog.Default())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	first, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	port := first.Ports.RTP
	p.Release(first)

	// Immediately after release, the port is cooling down; the range has
	// exactly one pair, so a second allocation must still fail.
	if _, err := p.Allocate(); err == nil {
		t.Fatal("expected pool exhausted immediately after release (cooldown not elapsed)")
	}

	p.mu.Lock()
	_, cooling := p.cooling[port]
	p.mu.Unlock()
	if !cooling {
		t.Fatal("expected released port to be tracked in the cooldown set")
	}
}

func TestProxySweepCooldownPromotesEligiblePorts(t *testing.T) {
	p, err := NewProxy(20020, 20021, slog.Default())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	first, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	port := first.Ports.RTP
	p.Release(first)

	// Force the cooldown to have already elapsed and sweep manually, rather
	// than sleeping for the full 5s cooldown in a test.
	p.mu.Lock()
	p.cooling[port] = time.Now().Add(-time.Millisecond)
	p.mu.Unlock()

	p.sweepCooldown()

	second, err := p.Allocate()
	if err != nil {
		t.Fatalf("expected allocation to succeed after cooldown sweep: %v", err)
	}
	p.Release(second)
}
