package portfolio

import (
	"sync"
	"time"

	"bandbot-go/internal/execution"
)

// dayWindow caps how many distinct UTC dates keep a trade count.
const dayWindow = 32

// Ledger keeps the most recent closed trades plus per-day trade counts.
// Older trades live only in the Recorder's journal.
type Ledger struct {
	mu     sync.Mutex
	trades []execution.TradeRecord
	next   int
	total  int
	days   map[string]int
}

// NewLedger creates a ledger retaining at most capacity trades.
func NewLedger(capacity int) *Ledger {
	if capacity < 1 {
		capacity = 1
	}
	return &Ledger{
		trades: make([]execution.TradeRecord, 0, capacity),
		days:   make(map[string]int),
	}
}

// Record stores a trade, evicting the oldest once the ledger is full.
func (l *Ledger) Record(rec execution.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.trades) < cap(l.trades) {
		l.trades = append(l.trades, rec)
	} else {
		l.trades[l.next] = rec
		l.next = (l.next + 1) % len(l.trades)
	}
	l.total++
	l.days[DateKey(rec.ClosedAt)]++
	l.pruneDays()
	return nil
}

// pruneDays drops the oldest date keys beyond dayWindow. Keys are
// YYYY-MM-DD so string order is date order.
func (l *Ledger) pruneDays() {
	for len(l.days) > dayWindow {
		oldest := ""
		for k := range l.days {
			if oldest == "" || k < oldest {
				oldest = k
			}
		}
		delete(l.days, oldest)
	}
}

// Snapshot returns the retained trades, oldest first.
func (l *Ledger) Snapshot() []execution.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.TradeRecord, 0, len(l.trades))
	out = append(out, l.trades[l.next:]...)
	return append(out, l.trades[:l.next]...)
}

// DayCount returns how many trades closed on the UTC date of day.
func (l *Ledger) DayCount(day time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.days[DateKey(day)]
}

// Len reports how many trades were recorded, including evicted ones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
