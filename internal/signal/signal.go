// Package signal standardizes payloads shared between data ingestion, strategy and execution layers.
package signal

import "time"

// Tick models a single price/volume observation for a symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Size   float64   `json:"size"`
	Ts     time.Time `json:"ts"`
}

// Direction is the directional bias carried by a Signal or Position.
type Direction string

const (
	// Long expresses a bullish bias.
	Long Direction = "long"
	// Short expresses a bearish bias.
	Short Direction = "short"
	// Flat means no action.
	Flat Direction = "flat"
)

// Opposite returns the reverse direction; Flat stays Flat.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

// Snapshot captures indicator readings at the time a signal was produced.
type Snapshot struct {
	FastEMA    float64 `json:"fast_ema"`
	SlowEMA    float64 `json:"slow_ema"`
	Spread     float64 `json:"spread"`
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
	Samples    int     `json:"samples"`
}

// Signal expresses a trading bias produced by a strategy implementation.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"` // [0,1]
	Reason    string    `json:"reason"`
	Snapshot  Snapshot  `json:"snapshot"`
	Ts        time.Time `json:"ts"`
}

// Actionable reports whether the signal asks for a directional trade.
func (s *Signal) Actionable() bool {
	return s != nil && s.Direction != Flat && s.Strength > 0
}
