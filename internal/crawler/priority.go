package crawler

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Interval bounds the re-crawl delay of a priority tier.
type Interval struct {
	Min time.Duration
	Max time.Duration
}

var intervals = map[Priority]Interval{
	PriorityPrimary:   {Min: time.Hour, Max: 6 * time.Hour},
	PrioritySecondary: {Min: 24 * time.Hour, Max: 7 * 24 * time.Hour},
}

// IntervalFor returns the fixed bounds for a priority tier.
func IntervalFor(p Priority) (Interval, bool) {
	iv, ok := intervals[p]
	return iv, ok
}

// ParsePriority accepts a tier name case-insensitively.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := intervals[p]; !ok {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// Pick draws a uniformly random whole-second duration in [Min, Max].
func (iv Interval) Pick(rng *rand.Rand) time.Duration {
	minSec := int64(iv.Min / time.Second)
	maxSec := int64(iv.Max / time.Second)
	if maxSec <= minSec {
		return iv.Min
	}
	return time.Duration(minSec+rng.Int64N(maxSec-minSec+1)) * time.Second
}
