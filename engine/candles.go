package engine

import "time"

// candleSeries holds the one mutable current candle and the bounded,
// append-only history of closed candles.
//
// Periods without operations are not recorded: the market was flat, so the
// current candle restarts at the same price instead of producing an empty bar.
type candleSeries struct {
	current Candle
	history []Candle
	limit   int
}

func newCandle(open float64, now time.Time) Candle {
	return Candle{Open: open, High: open, Low: open, Close: open, StartedAt: now}
}

func newCandleSeries(open float64, now time.Time, limit int) *candleSeries {
	return &candleSeries{current: newCandle(open, now), limit: limit}
}

// record appends op to the current candle and stretches its range to the
// resulting price.
func (s *candleSeries) record(op Operation) {
	c := &s.current
	c.Close = op.Price
	if op.Price > c.High {
		c.High = op.Price
	}
	if op.Price < c.Low {
		c.Low = op.Price
	}
	c.Operations = append(c.Operations, op)
}

// roll closes the current period. It reports whether a candle was recorded.
func (s *candleSeries) roll(now time.Time) bool {
	closing := s.current
	s.current = newCandle(closing.Close, now)
	if len(closing.Operations) == 0 {
		return false
	}
	s.history = append(s.history, closing)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	return true
}

func (s *candleSeries) reset(open float64, now time.Time) {
	s.current = newCandle(open, now)
	s.history = nil
}

// closed returns a copy of the history. Closed candles are never mutated so
// their operation slices are shared.
func (s *candleSeries) closed() []Candle {
	return append([]Candle(nil), s.history...)
}

// currentCopy returns the current candle with its operations capped at their
// present length, so later appends stay invisible to the caller.
func (s *candleSeries) currentCopy() Candle {
	c := s.current
	c.Operations = c.Operations[:len(c.Operations):len(c.Operations)]
	return c
}
