// Package portfolio tracks account equity and persists trades and performance snapshots.
package portfolio

import (
	"sync"

	"bandbot-go/internal/execution"
	"bandbot-go/internal/signal"
)

// Account tracks virtual cash and realized PnL from closed trades.
type Account struct {
	mu           sync.Mutex
	startingCash float64
	realizedPnL  float64
	trades       int
	wins         int
}

// PositionSnapshot exposes a read-only view of a single open position.
type PositionSnapshot struct {
	Direction   signal.Direction `json:"direction"`
	Size        float64          `json:"size"`
	EntryPrice  float64          `json:"entry_price"`
	Mark        float64          `json:"mark"`
	MarketValue float64          `json:"market_value"`
	Unrealized  float64          `json:"unrealized"`
}

// Snapshot represents a view of the account marked to the supplied prices.
type Snapshot struct {
	Cash        float64                     `json:"cash"`
	RealizedPnL float64                     `json:"realized_pnl"`
	Unrealized  float64                     `json:"unrealized"`
	Equity      float64                     `json:"equity"`
	Trades      int                         `json:"trades"`
	Wins        int                         `json:"wins"`
	Positions   map[string]PositionSnapshot `json:"positions"`
}

// NewAccount constructs an account populated with starting cash.
func NewAccount(startingCash float64) *Account {
	return &Account{startingCash: startingCash}
}

// StartingCash returns the initial bankroll used to compute returns and drawdown.
func (a *Account) StartingCash() float64 { return a.startingCash }

// Apply books a closed trade.
func (a *Account) Apply(rec execution.TradeRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realizedPnL += rec.RealizedPnL
	a.trades++
	if rec.Win() {
		a.wins++
	}
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

// Equity is starting cash plus realized PnL plus openPnL of positions still held.
func (a *Account) Equity(openPnL float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startingCash + a.realizedPnL + openPnL
}

// Snapshot marks positions at marks. openPnL includes profit already taken by partial exits.
func (a *Account) Snapshot(positions []execution.Position, marks map[string]float64, openPnL float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]PositionSnapshot, len(positions))
	equity := a.startingCash + a.realizedPnL + openPnL
	cash := equity
	var unrealized float64
	for _, pos := range positions {
		mark := marks[pos.Symbol]
		if mark <= 0 {
			mark = pos.EntryPrice
		}
		value := pos.Size * mark
		pnl := pos.Unrealized(mark)
		unrealized += pnl
		if pos.Direction == signal.Short {
			cash += value
		} else {
			cash -= value
		}
		out[pos.Symbol] = PositionSnapshot{
			Direction:   pos.Direction,
			Size:        pos.Size,
			EntryPrice:  pos.EntryPrice,
			Mark:        mark,
			MarketValue: value,
			Unrealized:  pnl,
		}
	}
	return Snapshot{
		Cash:        cash,
		RealizedPnL: a.realizedPnL,
		Unrealized:  unrealized,
		Equity:      equity,
		Trades:      a.trades,
		Wins:        a.wins,
		Positions:   out,
	}
}
