// Package lcr implements the least-cost-routing collaborator contract from
// spec.md §4.11: given a dialed number and the set of available trunks, pick
// the cheapest trunk and report the estimated cost.
package lcr

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Pattern is a compiled dial pattern used to match a rate entry against a
// dialed number.
type Pattern struct {
	Regex       *regexp.Regexp
	Description string
}

// NewPattern compiles a dial-pattern regex.
func NewPattern(pattern, description string) (*Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling dial pattern %q: %w", pattern, err)
	}
	return &Pattern{Regex: re, Description: description}, nil
}

// Matches reports whether number matches this pattern.
func (p *Pattern) Matches(number string) bool {
	return p.Regex.MatchString(number)
}

// Rate is one carrier rate for a destination pattern on a specific trunk.
type Rate struct {
	TrunkID          int64
	Pattern          *Pattern
	RatePerMinute    float64
	ConnectionFee    float64
	MinimumSeconds   int
	BillingIncrement int

	// QualityScore is an optional 0..1 historical success ratio used to
	// weight otherwise-tied rates toward more reliable trunks.
	QualityScore float64
}

// EstimatedCost computes the cost of a call of the given duration,
// applying the minimum-duration floor and rounding up to the billing
// increment, mirroring the teacher-adjacent rate-engine semantics.
func (r *Rate) EstimatedCost(duration time.Duration) float64 {
	seconds := int(duration.Seconds())
	if seconds < r.MinimumSeconds {
		seconds = r.MinimumSeconds
	}
	if r.BillingIncrement > 1 {
		remainder := seconds % r.BillingIncrement
		if remainder != 0 {
			seconds += r.BillingIncrement - remainder
		}
	}
	minutes := float64(seconds) / 60.0
	return r.ConnectionFee + minutes*r.RatePerMinute
}

// Trunk is the minimal view of a trunk the router needs for selection;
// callers adapt their database model to this shape.
type Trunk struct {
	ID      int64
	Name    string
	Enabled bool
}

// Selection is the result of a successful routing decision.
type Selection struct {
	TrunkID       int64
	EstimatedCost float64
}

// Engine evaluates rate entries against a dialed number and the currently
// available trunks.
type Engine struct {
	rates []*Rate
}

// NewEngine creates an LCR engine over a static rate table. Rates are
// re-loaded by the caller (typically on a config/database change) by
// constructing a new Engine; the engine itself is immutable once built.
func NewEngine(rates []*Rate) *Engine {
	return &Engine{rates: rates}
}

// referenceDuration is used to estimate cost for trunk comparison before a
// call's actual duration is known; one billable minute is the conventional
// unit carriers quote rates in.
const referenceDuration = time.Minute

// SelectTrunk matches dialedNumber against the rate table restricted to the
// given available trunks, and returns the cheapest match. Ties are broken by
// higher QualityScore, then by lower trunk ID for determinism.
func (e *Engine) SelectTrunk(dialedNumber string, trunks []Trunk) (*Selection, error) {
	enabled := make(map[int64]bool, len(trunks))
	for _, t := range trunks {
		if t.Enabled {
			enabled[t.ID] = true
		}
	}

	var candidates []*Rate
	for _, rate := range e.rates {
		if !enabled[rate.TrunkID] {
			continue
		}
		if rate.Pattern.Matches(dialedNumber) {
			candidates = append(candidates, rate)
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no trunk rate matches %q among available trunks", dialedNumber)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci := candidates[i].EstimatedCost(referenceDuration)
		cj := candidates[j].EstimatedCost(referenceDuration)
		if ci != cj {
			return ci < cj
		}
		if candidates[i].QualityScore != candidates[j].QualityScore {
			return candidates[i].QualityScore > candidates[j].QualityScore
		}
		return candidates[i].TrunkID < candidates[j].TrunkID
	})

	best := candidates[0]
	return &Selection{
		TrunkID:       best.TrunkID,
		EstimatedCost: best.EstimatedCost(referenceDuration),
	}, nil
}
