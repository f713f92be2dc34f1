package execution

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"bandbot-go/internal/signal"
)

var (
	// ErrTransient marks venue failures worth retrying (rate limits, timeouts, 5xx).
	ErrTransient = errors.New("transient venue error")
	// ErrFatal marks failures that must stop the run (authentication, permissions).
	ErrFatal = errors.New("fatal venue error")
)

// Venue is the abstract order-execution capability.
type Venue interface {
	// Submit places o and returns the venue's first view of it.
	Submit(ctx context.Context, o Order) (Report, error)
	// Sync refreshes a working order; tk is the latest tick for the order's symbol.
	Sync(ctx context.Context, o Order, tk signal.Tick) (Report, error)
	// Cancel withdraws the unfilled remainder of a working order.
	Cancel(ctx context.Context, o Order) (Report, error)
}

// SimConfig tunes the simulated venue.
type SimConfig struct {
	SlippageBps            float64
	PartialFillProbability float64
	MaxPartialFills        int
	Seed                   int64
}

type simOrder struct {
	filled   float64
	notional float64
	partials int
}

// SimVenue fills market orders on the next tick of their symbol, within slippage bounds.
// Given the same seed and call sequence it produces identical reports.
type SimVenue struct {
	cfg    SimConfig
	mu     sync.Mutex
	rng    *rand.Rand
	orders map[string]*simOrder
}

// NewSimVenue builds a deterministic venue.
func NewSimVenue(cfg SimConfig) *SimVenue {
	if cfg.PartialFillProbability < 0 {
		cfg.PartialFillProbability = 0
	}
	return &SimVenue{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), orders: make(map[string]*simOrder)}
}

// Submit acknowledges the order as pending.
func (v *SimVenue) Submit(_ context.Context, o Order) (Report, error) {
	if o.Qty <= 0 {
		return Report{Status: Rejected, Ts: o.CreatedAt, Reason: "non-positive quantity"}, nil
	}
	v.mu.Lock()
	v.orders[o.ID] = &simOrder{}
	v.mu.Unlock()
	return Report{Status: Pending, VenueID: "sim-" + o.ID, Ts: o.CreatedAt}, nil
}

// Sync fills at tk's price once a tick strictly newer than the order arrives.
func (v *SimVenue) Sync(_ context.Context, o Order, tk signal.Tick) (Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.orders[o.ID]
	if !ok || o.Status.Terminal() {
		return current(o), nil
	}
	if tk.Symbol != o.Symbol || tk.Price <= 0 || !tk.Ts.After(o.CreatedAt) {
		return current(o), nil
	}

	px := tk.Price * (1 + v.cfg.SlippageBps/10_000)
	if o.Side == Sell {
		px = tk.Price * (1 - v.cfg.SlippageBps/10_000)
	}
	remaining := o.Qty - st.filled
	qty := remaining
	status := Filled
	if v.cfg.PartialFillProbability > 0 && st.partials < v.cfg.MaxPartialFills &&
		v.rng.Float64() < v.cfg.PartialFillProbability {
		qty = remaining / 2
		status = PartiallyFilled
		st.partials++
	}
	st.filled += qty
	st.notional += qty * px
	if status == Filled {
		st.filled = o.Qty
		delete(v.orders, o.ID)
	}
	return Report{Status: status, VenueID: o.VenueID, FilledQty: st.filled, AvgPrice: st.notional / st.filled, Ts: tk.Ts}, nil
}

// Cancel withdraws whatever is unfilled.
func (v *SimVenue) Cancel(_ context.Context, o Order) (Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o.Status.Terminal() {
		return current(o), nil
	}
	delete(v.orders, o.ID)
	return Report{Status: Cancelled, VenueID: o.VenueID, FilledQty: o.FilledQty, AvgPrice: o.AvgPrice, Ts: o.UpdatedAt}, nil
}

func current(o Order) Report {
	return Report{Status: o.Status, VenueID: o.VenueID, FilledQty: o.FilledQty, AvgPrice: o.AvgPrice, Ts: o.UpdatedAt}
}
