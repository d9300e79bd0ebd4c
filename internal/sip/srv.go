package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"sync"
)

// SRVRecord is one resolved DNS SRV target (RFC 2782), carrying the
// failover bookkeeping the trunk subsystem needs on top of the raw record.
type SRVRecord struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string

	available    bool
	failureCount int
}

// srvSet is the cached result of one SRV lookup, keyed by the full SRV name.
type srvSet struct {
	records []*SRVRecord
}

// SRVResolver resolves `_service._proto.domain` SRV records and selects the
// best available target per RFC 2782, tracking per-target failure counts so
// repeated failures divert traffic to the next-best record.
//
// Only non-empty lookups are cached; an empty or failed lookup is retried
// on the next selection attempt rather than poisoning the cache.
type SRVResolver struct {
	resolver    *net.Resolver
	logger      *slog.Logger
	maxFailures int

	mu    sync.Mutex
	cache map[string]*srvSet
}

// NewSRVResolver creates a resolver. maxFailures is the number of consecutive
// failures (default 3, per spec) before a target is marked unavailable.
func NewSRVResolver(maxFailures int, logger *slog.Logger) *SRVResolver {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &SRVResolver{
		resolver:    net.DefaultResolver,
		maxFailures: maxFailures,
		logger:      logger.With("subsystem", "dns-srv"),
		cache:       make(map[string]*srvSet),
	}
}

func srvName(service, proto, domain string) string {
	return fmt.Sprintf("_%s._%s.%s", service, proto, domain)
}

// lookup performs (or returns the cached result of) a SRV query.
func (r *SRVResolver) lookup(ctx context.Context, service, proto, domain string) (*srvSet, error) {
	name := srvName(service, proto, domain)

	r.mu.Lock()
	if set, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return set, nil
	}
	r.mu.Unlock()

	_, srvs, err := r.resolver.LookupSRV(ctx, service, proto, domain)
	if err != nil {
		return nil, fmt.Errorf("srv lookup %s: %w", name, err)
	}
	if len(srvs) == 0 {
		return &srvSet{}, nil
	}

	records := make([]*SRVRecord, 0, len(srvs))
	for _, s := range srvs {
		records = append(records, &SRVRecord{
			Priority:  s.Priority,
			Weight:    s.Weight,
			Port:      s.Port,
			Target:    s.Target,
			available: true,
		})
	}

	set := &srvSet{records: records}

	r.mu.Lock()
	r.cache[name] = set
	r.mu.Unlock()

	r.logger.Info("srv lookup resolved", "name", name, "records", len(records))
	return set, nil
}

// Select resolves (or reuses the cached resolution of) the SRV name and
// returns the best available target: lowest priority first, then
// weighted-random among same-priority records per RFC 2782.
func (r *SRVResolver) Select(ctx context.Context, service, proto, domain string) (*SRVRecord, error) {
	set, err := r.lookup(ctx, service, proto, domain)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var available []*SRVRecord
	for _, rec := range set.records {
		if rec.available {
			available = append(available, rec)
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no available srv targets for %s", srvName(service, proto, domain))
	}

	sort.Slice(available, func(i, j int) bool { return available[i].Priority < available[j].Priority })
	best := available[0].Priority

	var tier []*SRVRecord
	for _, rec := range available {
		if rec.Priority == best {
			tier = append(tier, rec)
		}
	}

	return weightedSelect(tier), nil
}

// weightedSelect picks one record from a same-priority tier using RFC 2782's
// cumulative-weight algorithm. Equal probability if all weights are zero.
func weightedSelect(tier []*SRVRecord) *SRVRecord {
	if len(tier) == 1 {
		return tier[0]
	}

	total := 0
	for _, r := range tier {
		total += int(r.Weight)
	}
	if total == 0 {
		return tier[rand.Intn(len(tier))]
	}

	pick := rand.Intn(total + 1)
	cumulative := 0
	for _, r := range tier {
		cumulative += int(r.Weight)
		if pick <= cumulative {
			return r
		}
	}
	return tier[len(tier)-1]
}

// MarkFailed records a failed attempt against target:port within the given
// SRV name's cached record set. After maxFailures consecutive failures the
// target is marked unavailable and subsequent Select calls skip it.
func (r *SRVResolver) MarkFailed(service, proto, domain, target string, port uint16) {
	name := srvName(service, proto, domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.cache[name]
	if !ok {
		return
	}
	for _, rec := range set.records {
		if rec.Target == target && rec.Port == port {
			rec.failureCount++
			if rec.failureCount >= r.maxFailures && rec.available {
				rec.available = false
				r.logger.Warn("srv target marked unavailable",
					"name", name, "target", target, "port", port,
					"failures", rec.failureCount,
				)
			}
			return
		}
	}
}

// MarkRecovered clears a target's failure count and restores its
// availability, e.g. after a successful health-check probe.
func (r *SRVResolver) MarkRecovered(service, proto, domain, target string, port uint16) {
	name := srvName(service, proto, domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.cache[name]
	if !ok {
		return
	}
	for _, rec := range set.records {
		if rec.Target == target && rec.Port == port {
			rec.failureCount = 0
			rec.available = true
			return
		}
	}
}
