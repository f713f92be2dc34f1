// Package risk gates every order the engine wants to place.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bandbot-go/internal/config"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/signal"
)

const epsilon = 1e-9

type Limits struct {
	MaxNotionalPerTrade float64
}

func (l Limits) Allow(notional float64) bool {
	return l.MaxNotionalPerTrade <= 0 || notional <= l.MaxNotionalPerTrade+epsilon
}

// Rejection reasons.
const (
	ReasonFlat           = "flat_signal"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonWeak           = "weak_signal"
	ReasonShortsDisabled = "shorts_disabled"
	ReasonBadPrice       = "bad_price"
	ReasonPositionOpen   = "position_open"
	ReasonMaxPositions   = "max_positions"
	ReasonNoHeadroom     = "no_headroom"
	ReasonBelowMinQty    = "below_min_qty"
)

// Rejection is a non-fatal refusal to trade a signal.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "risk rejected: " + r.Reason
	}
	return fmt.Sprintf("risk rejected: %s (%s)", r.Reason, r.Detail)
}

// Exposure is one open position as seen by the risk gate.
type Exposure struct {
	Symbol    string
	Direction signal.Direction
	Notional  float64
}

// Book is the set of open exposures at the time of a decision.
type Book []Exposure

// Total returns aggregate absolute notional.
func (b Book) Total() float64 {
	var total float64
	for _, e := range b {
		total += math.Abs(e.Notional)
	}
	return total
}

// Symbol returns the exposure for a symbol, if any.
func (b Book) Symbol(symbol string) (Exposure, bool) {
	for _, e := range b {
		if e.Symbol == symbol {
			return e, true
		}
	}
	return Exposure{}, false
}

// Approval is the sized, protected order the executor may place.
type Approval struct {
	Symbol     string
	Direction  signal.Direction
	Qty        float64
	Price      float64
	Notional   float64
	StopLoss   float64
	TakeProfit float64
	Strength   float64
	Ts         time.Time
}

// Manager enforces sizing, exposure and the daily-loss circuit breaker.
type Manager struct {
	cfg    config.Risk
	limits Limits
	log    zerolog.Logger

	mu             sync.Mutex
	day            time.Time
	dayStartEquity float64
	tripped        bool
}

// NewManager builds a risk gate for one run.
func NewManager(cfg config.Risk, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, limits: Limits{MaxNotionalPerTrade: cfg.MaxNotionalPerTrade}, log: log}
}

func utcDay(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ObserveEquity rolls the trading day and trips the breaker when the day's drawdown
// reaches MaxDailyLossPct. The breaker stays tripped until the next UTC day.
func (m *Manager) ObserveEquity(ts time.Time, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe(ts, equity)
}

func (m *Manager) observe(ts time.Time, equity float64) {
	day := utcDay(ts)
	if m.day.IsZero() || day.After(m.day) {
		if m.tripped {
			m.log.Info().Time("day", day).Msg("daily loss breaker reset")
		}
		m.day = day
		m.dayStartEquity = equity
		m.tripped = false
	}
	if m.tripped || m.cfg.MaxDailyLossPct <= 0 || m.dayStartEquity <= 0 {
		return
	}
	loss := (m.dayStartEquity - equity) / m.dayStartEquity
	if loss >= m.cfg.MaxDailyLossPct {
		m.tripped = true
		m.log.Warn().
			Float64("day_start_equity", m.dayStartEquity).
			Float64("equity", equity).
			Float64("loss_pct", loss*100).
			Msg("daily loss breaker tripped, flat-only until next day")
	}
}

// Tripped reports whether flat-only mode is active.
func (m *Manager) Tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}

// DayStartEquity is the equity captured at the start of the current day.
func (m *Manager) DayStartEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayStartEquity
}

// Approve sizes sig against the book or returns a *Rejection.
func (m *Manager) Approve(sig *signal.Signal, book Book, price, equity float64) (Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sig == nil || sig.Direction == signal.Flat {
		return Approval{}, m.reject(ReasonFlat, "")
	}
	m.observe(sig.Ts, equity)
	if m.tripped {
		return Approval{}, m.reject(ReasonCircuitBreaker, sig.Symbol)
	}
	if sig.Strength <= 0 || sig.Strength < m.cfg.MinStrength {
		return Approval{}, m.reject(ReasonWeak, fmt.Sprintf("strength %.3f", sig.Strength))
	}
	if sig.Direction == signal.Short && !m.cfg.AllowShort {
		return Approval{}, m.reject(ReasonShortsDisabled, sig.Symbol)
	}
	if price <= 0 || equity <= 0 {
		return Approval{}, m.reject(ReasonBadPrice, fmt.Sprintf("price %.4f equity %.2f", price, equity))
	}
	if _, open := book.Symbol(sig.Symbol); open {
		return Approval{}, m.reject(ReasonPositionOpen, sig.Symbol)
	}
	if len(book) >= m.cfg.MaxOpenPositions {
		return Approval{}, m.reject(ReasonMaxPositions, fmt.Sprintf("%d open", len(book)))
	}

	notional := equity * m.cfg.RiskPerTrade / m.cfg.StopLossPct
	if m.cfg.ScaleByStrength {
		notional *= sig.Strength
	}
	symbolCap := equity * m.cfg.MaxSymbolExposurePct
	totalCap := equity*m.cfg.MaxTotalExposurePct - book.Total()
	notional = math.Min(notional, math.Min(symbolCap, totalCap))
	if m.cfg.MaxNotionalPerTrade > 0 {
		notional = math.Min(notional, m.cfg.MaxNotionalPerTrade)
	}
	if notional <= epsilon {
		return Approval{}, m.reject(ReasonNoHeadroom, fmt.Sprintf("headroom %.2f", totalCap))
	}

	qty := FloorToStep(notional/price, m.cfg.QtyStep)
	for qty > 0 && qty*price > notional {
		qty = FloorToStep(qty-stepOr(m.cfg.QtyStep, qty*1e-9), m.cfg.QtyStep)
	}
	if qty <= 0 || qty < m.cfg.MinQty {
		return Approval{}, m.reject(ReasonBelowMinQty, fmt.Sprintf("qty %.8f", qty))
	}
	notional = qty * price
	if !m.limits.Allow(notional) {
		return Approval{}, m.reject(ReasonNoHeadroom, "per-trade notional cap")
	}

	stop, take := Protection(sig.Direction, price, m.cfg.StopLossPct, m.cfg.TakeProfitPct)
	return Approval{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Qty:        qty,
		Price:      price,
		Notional:   notional,
		StopLoss:   stop,
		TakeProfit: take,
		Strength:   sig.Strength,
		Ts:         sig.Ts,
	}, nil
}

func (m *Manager) reject(reason, detail string) error {
	metrics.RiskRejections.WithLabelValues(reason).Inc()
	return &Rejection{Reason: reason, Detail: detail}
}

// Protection returns stop-loss and take-profit prices for an entry.
func Protection(dir signal.Direction, entry, stopPct, takePct float64) (float64, float64) {
	if dir == signal.Short {
		return entry * (1 + stopPct), entry * (1 - takePct)
	}
	return entry * (1 - stopPct), entry * (1 + takePct)
}

// FloorToStep rounds qty down to a multiple of step using decimal arithmetic.
func FloorToStep(qty, step float64) float64 {
	if qty <= 0 {
		return 0
	}
	if step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(step)
	out, _ := decimal.NewFromFloat(qty).Div(d).Floor().Mul(d).Float64()
	return out
}

func stepOr(step, fallback float64) float64 {
	if step > 0 {
		return step
	}
	return fallback
}
