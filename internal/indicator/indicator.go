// Package indicator holds rolling indicator state updated in O(1) per observation.
package indicator

import "math"

// Periods configures the smoothing windows of a State.
type Periods struct {
	Fast       int
	Slow       int
	Momentum   int
	Volatility int
}

func (p Periods) normalized() Periods {
	if p.Fast <= 0 {
		p.Fast = 8
	}
	if p.Slow <= 0 {
		p.Slow = 21
	}
	if p.Momentum <= 0 {
		p.Momentum = 10
	}
	if p.Volatility <= 0 {
		p.Volatility = 20
	}
	return p
}

// Warmup is the number of samples needed before readings are trusted.
func (p Periods) Warmup() int {
	p = p.normalized()
	return max(p.Slow, p.Momentum, p.Volatility)
}

// State is a value type: every field is a scalar so copies never alias.
type State struct {
	Fast      float64 // fast EMA of price
	Slow      float64 // slow EMA of price
	Anchor    float64 // momentum EMA of price
	Variance  float64 // EWMA of squared log returns
	LastPrice float64
	Samples   int
}

// emaNext folds value into prev using alpha = 2/(period+1).
func emaNext(prev, value float64, period int, initialized bool) float64 {
	if !initialized {
		return value
	}
	alpha := 2.0 / float64(period+1)
	return prev*(1-alpha) + value*alpha
}

// Update returns the state after observing price. Non-positive prices are ignored.
func Update(s State, price float64, p Periods) State {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return s
	}
	p = p.normalized()
	seeded := s.Samples > 0

	if seeded && s.LastPrice > 0 {
		r := math.Log(price / s.LastPrice)
		s.Variance = emaNext(s.Variance, r*r, p.Volatility, s.Samples > 1)
	}
	s.Fast = emaNext(s.Fast, price, p.Fast, seeded)
	s.Slow = emaNext(s.Slow, price, p.Slow, seeded)
	s.Anchor = emaNext(s.Anchor, price, p.Momentum, seeded)
	s.LastPrice = price
	s.Samples++
	return s
}

// Ready reports whether the state has seen enough samples.
func (s State) Ready(p Periods) bool { return s.Samples >= p.Warmup() }

// Spread is the relative distance between the fast and slow EMA.
func (s State) Spread() float64 {
	if s.Slow == 0 {
		return 0
	}
	return (s.Fast - s.Slow) / s.Slow
}

// Momentum is the relative distance between the last price and its momentum EMA.
func (s State) Momentum() float64 {
	if s.Anchor == 0 {
		return 0
	}
	return (s.LastPrice - s.Anchor) / s.Anchor
}

// Volatility is the per-observation standard deviation of log returns.
func (s State) Volatility() float64 { return math.Sqrt(s.Variance) }
