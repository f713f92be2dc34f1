package exchange

import (
	"context"
	"hash/fnv"
	"iter"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"bandbot-go/internal/config"
	"bandbot-go/internal/signal"
)

// SimConfig parameterises the simulated market. Drift and Volatility are per day.
type SimConfig struct {
	Symbols     []string
	Seed        int64
	Start       time.Time
	Days        int
	TicksPerDay int
	StartPrice  float64
	Drift       float64
	Volatility  float64
	// Drifts overrides Drift per symbol.
	Drifts map[string]float64
	// Pace sleeps between timestamps in Run; zero replays as fast as the consumer reads.
	Pace time.Duration
}

// SimConfigFrom maps the YAML sim section onto a feed configuration.
func SimConfigFrom(symbols []string, cfg config.Sim) SimConfig {
	start, err := time.Parse("2006-01-02", cfg.Start)
	if err != nil {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return SimConfig{
		Symbols:     append([]string(nil), symbols...),
		Seed:        cfg.Seed,
		Start:       start.UTC(),
		Days:        cfg.Days,
		TicksPerDay: cfg.TicksPerDay,
		StartPrice:  cfg.StartPrice,
		Drift:       cfg.Drift,
		Volatility:  cfg.Volatility,
		Pace:        time.Duration(cfg.PaceMs) * time.Millisecond,
	}
}

// SimFeed is a finite, seeded geometric random walk per symbol. The same
// configuration always yields the same ticks.
type SimFeed struct {
	cfg SimConfig
}

// NewSimFeed normalises cfg and returns a replayable feed.
func NewSimFeed(cfg SimConfig) *SimFeed {
	if cfg.Days <= 0 {
		cfg.Days = 1
	}
	if cfg.TicksPerDay <= 0 {
		cfg.TicksPerDay = 288
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	seen := make(map[string]struct{}, len(cfg.Symbols))
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = strings.TrimSpace(s)
		if _, dup := seen[s]; s == "" || dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	cfg.Symbols = symbols
	return &SimFeed{cfg: cfg}
}

// Symbols lists the simulated symbols in emission order.
func (f *SimFeed) Symbols() []string { return append([]string(nil), f.cfg.Symbols...) }

// Len is the number of ticks emitted per symbol.
func (f *SimFeed) Len() int { return f.cfg.Days * f.cfg.TicksPerDay }

// Interval is the spacing between consecutive ticks of a symbol.
func (f *SimFeed) Interval() time.Duration {
	return 24 * time.Hour / time.Duration(f.cfg.TicksPerDay)
}

func (f *SimFeed) seedFor(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return f.cfg.Seed ^ int64(h.Sum64()&math.MaxInt64)
}

// Subscribe lazily yields symbol's ticks in timestamp order.
func (f *SimFeed) Subscribe(symbol string) iter.Seq[signal.Tick] {
	return func(yield func(signal.Tick) bool) {
		rng := rand.New(rand.NewSource(f.seedFor(symbol)))
		drift := f.cfg.Drift
		if d, ok := f.cfg.Drifts[symbol]; ok {
			drift = d
		}
		dt := 1 / float64(f.cfg.TicksPerDay)
		mu := (drift - f.cfg.Volatility*f.cfg.Volatility/2) * dt
		sigma := f.cfg.Volatility * math.Sqrt(dt)
		step := f.Interval()
		px := f.cfg.StartPrice
		for i := 0; i < f.Len(); i++ {
			if i > 0 {
				px *= math.Exp(mu + sigma*rng.NormFloat64())
			}
			tk := signal.Tick{
				Symbol: symbol,
				Price:  px,
				Size:   0.1 + rng.Float64(),
				Ts:     f.cfg.Start.Add(time.Duration(i) * step),
			}
			if !yield(tk) {
				return
			}
		}
	}
}

// Ticks materialises symbol's full path.
func (f *SimFeed) Ticks(symbol string) []signal.Tick {
	out := make([]signal.Tick, 0, f.Len())
	for tk := range f.Subscribe(symbol) {
		out = append(out, tk)
	}
	return out
}

// All yields every symbol's ticks merged by timestamp, symbols ordered by name within a timestamp.
func (f *SimFeed) All() iter.Seq[signal.Tick] {
	return func(yield func(signal.Tick) bool) {
		nexts := make([]func() (signal.Tick, bool), len(f.cfg.Symbols))
		for i, sym := range f.cfg.Symbols {
			next, stop := iter.Pull(f.Subscribe(sym))
			defer stop()
			nexts[i] = next
		}
		for {
			emitted := false
			for _, next := range nexts {
				tk, ok := next()
				if !ok {
					continue
				}
				emitted = true
				if !yield(tk) {
					return
				}
			}
			if !emitted {
				return
			}
		}
	}
}

// Run emits the merged stream, pacing one timestamp per Pace, and returns nil once exhausted.
func (f *SimFeed) Run(ctx context.Context, out chan<- signal.Tick) error {
	var timer *time.Timer
	if f.cfg.Pace > 0 {
		timer = time.NewTimer(0)
		defer timer.Stop()
	}
	var lastTs time.Time
	for tk := range f.All() {
		if timer != nil && tk.Ts != lastTs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				timer.Reset(f.cfg.Pace)
			}
		}
		lastTs = tk.Ts
		if err := send(ctx, out, tk); err != nil {
			return err
		}
	}
	return nil
}
