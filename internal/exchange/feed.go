// Package exchange hosts market data sources: the seeded simulator and live venue connectors.
package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/metrics"
	"bandbot-go/internal/signal"
)

const (
	// ProviderSim replays the seeded simulated market.
	ProviderSim = "sim"
	// ProviderBinance streams live trades from Binance public websockets.
	ProviderBinance = "binance"
	// ProviderREST polls a Binance-compatible ticker endpoint.
	ProviderREST = "rest"
)

// ErrFeedUnavailable wraps connection failures; callers may reconnect with backoff.
var ErrFeedUnavailable = errors.New("market data feed unavailable")

// Source pushes ticks onto out until ctx is cancelled, the source is exhausted, or it fails.
type Source interface {
	Run(ctx context.Context, out chan<- signal.Tick) error
}

// Feed represents a live market data stream.
type Feed struct {
	provider     string
	symbols      []string
	log          zerolog.Logger
	pollInterval time.Duration
	baseURL      string
	wsURL        string
	guard        *orderGuard
	mu           sync.RWMutex
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const (
	defaultPollInterval = 2 * time.Second
	defaultBaseURL      = "https://api.binance.com"
	defaultWSURL        = "wss://stream.binance.com:9443/stream"
)

// WithPollInterval overrides the default polling cadence for HTTP-based feeds.
func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithBaseURL points the REST provider at another host.
func WithBaseURL(url string) Option {
	return func(f *Feed) {
		if url != "" {
			f.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithWSURL points the websocket provider at another stream endpoint.
func WithWSURL(url string) Option {
	return func(f *Feed) {
		if url != "" {
			f.wsURL = url
		}
	}
}

// NewFeed constructs a live feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderBinance
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		log:          log,
		pollInterval: defaultPollInterval,
		baseURL:      defaultBaseURL,
		wsURL:        defaultWSURL,
		guard:        newOrderGuard(),
	}
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// setSymbols uppercases, deduplicates and sorts the tracked symbols.
func (f *Feed) setSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

func (f *Feed) snapshotSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Run pushes ticks onto the provided channel until the context is canceled or the
// connection is lost, in which case the error wraps ErrFeedUnavailable.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	case ProviderREST:
		return f.runREST(ctx, out)
	default:
		return errors.New("unknown live feed provider " + f.provider)
	}
}

func (f *Feed) emit(ctx context.Context, out chan<- signal.Tick, tk signal.Tick) error {
	if !f.guard.admit(tk) {
		return nil
	}
	return send(ctx, out, tk)
}

func send(ctx context.Context, out chan<- signal.Tick, tk signal.Tick) error {
	select {
	case out <- tk:
		metrics.TicksTotal.WithLabelValues(tk.Symbol).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// orderGuard drops ticks that are not strictly newer than the last one emitted for their symbol.
type orderGuard struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newOrderGuard() *orderGuard { return &orderGuard{last: make(map[string]time.Time)} }

func (g *orderGuard) admit(tk signal.Tick) bool {
	if tk.Price <= 0 || tk.Symbol == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[tk.Symbol]; ok && !tk.Ts.After(prev) {
		return false
	}
	g.last[tk.Symbol] = tk.Ts
	return true
}
