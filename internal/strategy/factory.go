package strategy

import (
	"strings"
	"sync"

	"bandbot-go/internal/config"
	"bandbot-go/internal/indicator"
	"bandbot-go/internal/metrics"
	sig "bandbot-go/internal/signal"
)

// Strategy defines behaviour shared by signal generators used by the bot.
type Strategy interface {
	OnTick(t sig.Tick) *sig.Signal
	Name() string
}

// Generator keeps one State per symbol and applies Evaluate to each tick.
type Generator struct {
	name   string
	params Params
	eval   func(State, sig.Tick, Params) (State, *sig.Signal)
	mu     sync.Mutex
	states map[string]State
}

// NewGenerator builds a generator with empty per-symbol state.
func NewGenerator(name string, params Params) *Generator {
	return &Generator{name: name, params: params, eval: Evaluate, states: make(map[string]State)}
}

// Name returns the configured identifier for logging.
func (g *Generator) Name() string { return g.name }

// Params exposes the evaluator parameters.
func (g *Generator) Params() Params { return g.params }

// OnTick evaluates tk against the symbol's state and records the new state.
func (g *Generator) OnTick(tk sig.Tick) *sig.Signal {
	out := func() *sig.Signal {
		g.mu.Lock()
		defer g.mu.Unlock()
		next, out := g.eval(g.states[tk.Symbol], tk, g.params)
		g.states[tk.Symbol] = next
		return out
	}()

	if out != nil {
		metrics.SignalsTotal.WithLabelValues(out.Symbol, string(out.Direction)).Inc()
	}
	return out
}

// State returns a copy of the symbol's current state.
func (g *Generator) State(symbol string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[symbol]
	return st, ok
}

// ParamsFrom converts configuration into evaluator parameters for a mode.
func ParamsFrom(mode string, p config.StrategyParams) Params {
	out := Params{
		Periods: indicator.Periods{
			Fast:       p.FastPeriod,
			Slow:       p.SlowPeriod,
			Momentum:   p.MomentumPeriod,
			Volatility: p.VolatilityPeriod,
		},
		TrendThreshold:    p.TrendThreshold,
		MomentumThreshold: p.MomentumThreshold,
		MaxVolatility:     p.MaxVolatility,
	}
	switch normalizeMode(mode) {
	case "trend":
		out.UseTrend = true
	case "momentum":
		out.UseMomentum = true
	default:
		out.UseTrend = true
		out.UseMomentum = true
	}
	return out
}

// Build returns a generator matching the configured mode.
func Build(s config.Strategy) *Generator {
	mode := normalizeMode(s.Mode)
	return NewGenerator(mode, ParamsFrom(mode, s.Params))
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "trend", "trend_follow", "trend_follower":
		return "trend"
	case "momentum", "mom":
		return "momentum"
	default:
		return "crossover"
	}
}
