package engine

import (
	"math"
	"time"
)

func tail(candles []Candle, n int) []Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// rangeRatio is (maxHigh - minLow) / maxHigh over candles.
func rangeRatio(candles []Candle) float64 {
	maxHigh := 0.0
	minLow := math.Inf(1)
	for _, c := range candles {
		maxHigh = math.Max(maxHigh, c.High)
		minLow = math.Min(minLow, c.Low)
	}
	if maxHigh <= 0 {
		return 0
	}
	return (maxHigh - minLow) / maxHigh
}

// DeepDetected reports a volatile market over the last window candles. An
// under-sampled market (fewer than window candles) counts as volatile.
func DeepDetected(candles []Candle, window int, threshold float64) bool {
	if len(candles) < window {
		return true
	}
	return rangeRatio(tail(candles, window)) >= threshold
}

// Stagnating reports a flat market over the last window candles. Without a
// full window there is no evidence of flatness.
func Stagnating(candles []Candle, window int, threshold float64) bool {
	if window <= 0 || len(candles) < window {
		return false
	}
	return rangeRatio(tail(candles, window)) < threshold
}

// RecentLow is the lowest low among the last window closed candles and the
// current one.
func RecentLow(candles []Candle, current Candle, window int) float64 {
	low := current.Low
	for _, c := range tail(candles, window) {
		low = math.Min(low, c.Low)
	}
	return low
}

// Streak counts consecutive moves ending at price: positive for rising
// closes, negative for falling ones, zero when the last move was flat.
func Streak(candles []Candle, price float64) int {
	streak := 0
	next := price
	for i := len(candles) - 1; i >= 0; i-- {
		prev := candles[i].Close
		switch {
		case next > prev && streak >= 0:
			streak++
		case next < prev && streak <= 0:
			streak--
		default:
			return streak
		}
		next = prev
	}
	return streak
}

type pricePoint struct {
	at    time.Time
	price float64
}

// RugDetector latches when the price falls by drop or more within a rolling
// window. The latch holds for cooldown after detection and then re-arms,
// ignoring the samples that caused it.
type RugDetector struct {
	window     time.Duration
	cooldown   time.Duration
	drop       float64
	samples    []pricePoint // live from head
	head       int
	latched    bool
	detectedAt time.Time
}

// NewRugDetector builds a detector from the trend configuration.
func NewRugDetector(cfg TrendConfig) *RugDetector {
	cfg = cfg.normalized()
	return &RugDetector{window: cfg.RugWindow, cooldown: cfg.RugCooldown, drop: cfg.RugDrop}
}

// Observe records a price sample and returns the latch state.
func (r *RugDetector) Observe(now time.Time, price float64) bool {
	r.samples = append(r.samples, pricePoint{at: now, price: price})
	r.evict(func(p pricePoint) bool { return now.Sub(p.at) > r.window })

	if r.latched && now.Sub(r.detectedAt) >= r.cooldown {
		r.latched = false
		detectedAt := r.detectedAt
		r.evict(func(p pricePoint) bool { return !p.at.After(detectedAt) })
	}

	if live := r.live(); !r.latched && len(live) >= 2 {
		first := live[0].price
		last := live[len(live)-1].price
		if first > 0 && (first-last)/first >= r.drop {
			r.latched = true
			r.detectedAt = now
		}
	}
	return r.latched
}

// Detected returns the latch state without sampling.
func (r *RugDetector) Detected() bool {
	return r.latched
}

// Reset clears samples and the latch.
func (r *RugDetector) Reset() {
	r.samples = r.samples[:0]
	r.head = 0
	r.latched = false
	r.detectedAt = time.Time{}
}

// evict drops leading samples matching stale. The backing array is compacted
// once the dead prefix outgrows the live part.
func (r *RugDetector) evict(stale func(pricePoint) bool) {
	for r.head < len(r.samples) && stale(r.samples[r.head]) {
		r.head++
	}
	if r.head > 0 && r.head*2 >= len(r.samples) {
		n := copy(r.samples, r.samples[r.head:])
		r.samples = r.samples[:n]
		r.head = 0
	}
}

// live returns the samples inside the window, oldest first.
func (r *RugDetector) live() []pricePoint {
	return r.samples[r.head:]
}
