// Package execution handles order lifecycle, positions and interaction with venues.
package execution

import (
	"errors"
	"fmt"
	"time"

	"bandbot-go/internal/signal"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy indicates a long order.
	Buy Side = "BUY"
	// Sell indicates a short order.
	Sell Side = "SELL"
)

// SideFor maps a direction to the side that opens it.
func SideFor(dir signal.Direction) Side {
	if dir == signal.Short {
		return Sell
	}
	return Buy
}

// Status is the lifecycle state of an order.
type Status string

const (
	Pending         Status = "pending"
	PartiallyFilled Status = "partially_filled"
	Filled          Status = "filled"
	Cancelled       Status = "cancelled"
	Rejected        Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

var transitions = map[Status]map[Status]bool{
	Pending:         {Pending: true, PartiallyFilled: true, Filled: true, Cancelled: true, Rejected: true},
	PartiallyFilled: {PartiallyFilled: true, Filled: true, Cancelled: true},
}

// ErrIllegalTransition is returned when a report would move an order backwards.
var ErrIllegalTransition = errors.New("illegal order transition")

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Intent tells whether an order opens or closes a position.
type Intent string

const (
	Open  Intent = "open"
	Close Intent = "close"
)

// Order represents a placement request and its lifecycle.
type Order struct {
	ID         string    `json:"id"`
	VenueID    string    `json:"venue_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"` // 0 for market
	RefPrice   float64   `json:"ref_price"`
	Intent     Intent    `json:"intent"`
	Reason     string    `json:"reason"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Status     Status    `json:"status"`
	FilledQty  float64   `json:"filled_qty"`
	AvgPrice   float64   `json:"avg_price"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < epsilon {
		return 0
	}
	return r
}

// Report is a venue's cumulative view of an order.
type Report struct {
	Status    Status
	VenueID   string
	FilledQty float64 // cumulative
	AvgPrice  float64 // cumulative average
	Ts        time.Time
	Reason    string
}

// Fill is the incremental execution carried by a report.
type Fill struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	Ts      time.Time `json:"ts"`
}

// apply moves the order to the reported state and returns the incremental fill, if any.
func (o *Order) apply(r Report) (*Fill, error) {
	if o.Status == r.Status && r.FilledQty <= o.FilledQty+epsilon {
		return nil, nil
	}
	if !CanTransition(o.Status, r.Status) {
		return nil, fmt.Errorf("%w: %s -> %s (order %s)", ErrIllegalTransition, o.Status, r.Status, o.ID)
	}
	if r.FilledQty > o.Qty+epsilon {
		return nil, fmt.Errorf("order %s overfilled: %.8f > %.8f", o.ID, r.FilledQty, o.Qty)
	}

	var fill *Fill
	delta := r.FilledQty - o.FilledQty
	if delta > epsilon {
		px := r.AvgPrice
		if o.FilledQty > 0 {
			px = (r.FilledQty*r.AvgPrice - o.FilledQty*o.AvgPrice) / delta
		}
		fill = &Fill{OrderID: o.ID, Symbol: o.Symbol, Side: o.Side, Qty: delta, Price: px, Ts: r.Ts}
		o.FilledQty = r.FilledQty
		o.AvgPrice = r.AvgPrice
	}
	o.Status = r.Status
	if r.VenueID != "" {
		o.VenueID = r.VenueID
	}
	if r.Reason != "" && r.Status == Rejected {
		o.Reason = r.Reason
	}
	if !r.Ts.IsZero() {
		o.UpdatedAt = r.Ts
	}
	return fill, nil
}
