package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"bandbot-go/internal/signal"
)

const epsilon = 1e-9

// Exit reasons recorded on TradeRecords.
const (
	ExitStopLoss       = "stop_loss"
	ExitTakeProfit     = "take_profit"
	ExitSignalReversal = "signal_reversal"
	ExitManual         = "manual"
)

// Position is an open exposure in one symbol.
type Position struct {
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	EntryPrice float64          `json:"entry_price"`
	Size       float64          `json:"size"`
	OpenedAt   time.Time        `json:"opened_at"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
}

// Notional values the position at mark (entry when mark is unknown).
func (p Position) Notional(mark float64) float64 {
	if mark <= 0 {
		mark = p.EntryPrice
	}
	return p.Size * mark
}

// PnL is the profit of moving size units from entry to px.
func (p Position) PnL(px, size float64) float64 {
	if p.Direction == signal.Short {
		return (p.EntryPrice - px) * size
	}
	return (px - p.EntryPrice) * size
}

// Unrealized marks the whole position at mark.
func (p Position) Unrealized(mark float64) float64 {
	if mark <= 0 {
		return 0
	}
	return p.PnL(mark, p.Size)
}

// ProtectionHit returns the exit reason if mark breaches stop-loss or take-profit.
func (p Position) ProtectionHit(mark float64) (string, bool) {
	switch p.Direction {
	case signal.Long:
		if p.StopLoss > 0 && mark <= p.StopLoss {
			return ExitStopLoss, true
		}
		if p.TakeProfit > 0 && mark >= p.TakeProfit {
			return ExitTakeProfit, true
		}
	case signal.Short:
		if p.StopLoss > 0 && mark >= p.StopLoss {
			return ExitStopLoss, true
		}
		if p.TakeProfit > 0 && mark <= p.TakeProfit {
			return ExitTakeProfit, true
		}
	}
	return "", false
}

// TradeRecord is the immutable audit entry for one fully closed position.
type TradeRecord struct {
	Position    Position      `json:"position"`
	ExitPrice   float64       `json:"exit_price"`
	ClosedAt    time.Time     `json:"closed_at"`
	RealizedPnL float64       `json:"realized_pnl"`
	PnLPct      float64       `json:"pnl_pct"`
	Duration    time.Duration `json:"duration"`
	ExitReason  string        `json:"exit_reason"`
}

// Win reports whether the trade made money.
func (r TradeRecord) Win() bool { return r.RealizedPnL > 0 }

// book tracks a position while it is open, including partial exits.
type book struct {
	pos        Position
	entrySize  float64
	exitQty    float64
	exitValue  float64
	realized   float64
	closingID  string
	lastReason string
}

func (b *book) addEntry(qty, px float64) {
	total := b.pos.Size + qty
	if total <= 0 {
		return
	}
	b.pos.EntryPrice = (b.pos.EntryPrice*b.pos.Size + px*qty) / total
	b.pos.Size = total
	b.entrySize = total
}

func (b *book) reduce(qty, px float64) {
	if qty > b.pos.Size {
		qty = b.pos.Size
	}
	b.realized += b.pos.PnL(px, qty)
	b.exitQty += qty
	b.exitValue += qty * px
	b.pos.Size -= qty
	if b.pos.Size < epsilon {
		b.pos.Size = 0
	}
}

func (b *book) record(closedAt time.Time, reason string) TradeRecord {
	snap := b.pos
	snap.Size = b.entrySize
	exit := 0.0
	if b.exitQty > 0 {
		exit = b.exitValue / b.exitQty
	}
	cost := b.pos.EntryPrice * b.entrySize
	pct := 0.0
	if cost > 0 {
		pct = b.realized / cost * 100
	}
	return TradeRecord{
		Position:    snap,
		ExitPrice:   exit,
		ClosedAt:    closedAt,
		RealizedPnL: round(b.realized, 8),
		PnLPct:      round(pct, 6),
		Duration:    closedAt.Sub(b.pos.OpenedAt),
		ExitReason:  reason,
	}
}

func round(v float64, places int32) float64 {
	out, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return out
}
