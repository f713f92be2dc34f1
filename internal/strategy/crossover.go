// Package strategy contains trading signal generation logic wired into ticks.
package strategy

import (
	"fmt"
	"math"
	"time"

	"bandbot-go/internal/indicator"
	"bandbot-go/internal/signal"
)

// Params expresses tunable knobs required by the crossover evaluator.
type Params struct {
	Periods           indicator.Periods
	TrendThreshold    float64
	MomentumThreshold float64
	MaxVolatility     float64 // 0 disables the filter
	UseTrend          bool
	UseMomentum       bool
}

// State is the per-symbol generator state. It is a plain value; copies never alias.
type State struct {
	Ind       indicator.State
	LastTs    time.Time
	TrendZone int
	MomZone   int
}

// zone buckets v against a symmetric threshold: +1 above, -1 below, 0 inside.
func zone(v, threshold float64) int {
	switch {
	case v > threshold:
		return 1
	case v < -threshold:
		return -1
	default:
		return 0
	}
}

// saturate maps a reading onto [0,1] relative to its threshold.
func saturate(v, threshold float64) float64 {
	if threshold <= 0 {
		threshold = 0.01
	}
	return clamp(math.Tanh(math.Abs(v)/threshold), 0, 1)
}

// Evaluate folds tk into st and returns the new state plus an optional signal.
// Ticks that do not advance the symbol clock leave the state untouched.
func Evaluate(st State, tk signal.Tick, p Params) (State, *signal.Signal) {
	if tk.Symbol == "" || tk.Price <= 0 {
		return st, nil
	}
	if !st.LastTs.IsZero() && !tk.Ts.After(st.LastTs) {
		return st, nil
	}

	next := st
	next.Ind = indicator.Update(st.Ind, tk.Price, p.Periods)
	next.LastTs = tk.Ts
	if !next.Ind.Ready(p.Periods) {
		next.TrendZone, next.MomZone = 0, 0
		return next, nil
	}

	spread := next.Ind.Spread()
	momentum := next.Ind.Momentum()
	next.TrendZone = zone(spread, p.TrendThreshold)
	next.MomZone = zone(momentum, p.MomentumThreshold)

	var longVotes, shortVotes int
	var longStrength, shortStrength float64
	if p.UseTrend && next.TrendZone != st.TrendZone && next.TrendZone != 0 {
		s := saturate(spread, p.TrendThreshold)
		if next.TrendZone > 0 {
			longVotes++
			longStrength += s
		} else {
			shortVotes++
			shortStrength += s
		}
	}
	if p.UseMomentum && next.MomZone != st.MomZone && next.MomZone != 0 {
		s := saturate(momentum, p.MomentumThreshold)
		if next.MomZone > 0 {
			longVotes++
			longStrength += s
		} else {
			shortVotes++
			shortStrength += s
		}
	}
	if longVotes == 0 && shortVotes == 0 {
		return next, nil
	}

	snap := signal.Snapshot{
		FastEMA:    next.Ind.Fast,
		SlowEMA:    next.Ind.Slow,
		Spread:     spread,
		Momentum:   momentum,
		Volatility: next.Ind.Volatility(),
		Samples:    next.Ind.Samples,
	}
	out := &signal.Signal{Symbol: tk.Symbol, Snapshot: snap, Ts: tk.Ts}
	switch {
	case longVotes > 0 && shortVotes > 0:
		out.Direction = signal.Flat
		out.Reason = "opposing crossings"
		return next, out
	case longVotes > 0:
		out.Direction = signal.Long
		out.Strength = clamp(longStrength/float64(longVotes), 0, 1)
	default:
		out.Direction = signal.Short
		out.Strength = clamp(shortStrength/float64(shortVotes), 0, 1)
	}
	if p.MaxVolatility > 0 && snap.Volatility > p.MaxVolatility {
		out.Direction = signal.Flat
		out.Strength = 0
		out.Reason = fmt.Sprintf("volatility %.5f above %.5f", snap.Volatility, p.MaxVolatility)
		return next, out
	}
	out.Reason = fmt.Sprintf("spread=%.4f momentum=%.4f", spread, momentum)
	return next, out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
