package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bandbot-go/internal/exchange"
	"bandbot-go/internal/execution"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/portfolio"
	"bandbot-go/internal/signal"
)

var (
	// ErrAlreadyStarted is returned by Start on a second call.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("engine stopped")
)

// Options wires the engine's collaborators.
type Options struct {
	Source   exchange.Source
	Pipeline *Pipeline
	// Sinks receive every closed trade, in close order.
	Sinks     []portfolio.TradeSink
	Snapshots *portfolio.SnapshotStore
	// SnapshotEvery writes a performance snapshot every N ticks; 0 disables the periodic write.
	SnapshotEvery int
	Buffer        int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	DrainTimeout  time.Duration
}

// Engine is the long-running orchestrator: a feed supervisor goroutine and a
// single decision loop, so each symbol's ticks are processed in arrival order.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	ticks   int
	lastTs  time.Time
	lastDay string
}

// New returns an engine ready to Start.
func New(opts Options, log zerolog.Logger) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &Engine{opts: opts, log: log, done: make(chan struct{})}
}

// Pipeline exposes the decision path for inspection.
func (e *Engine) Pipeline() *Pipeline { return e.opts.Pipeline }

// Start launches the feed supervisor and the loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if e.stopped {
		return ErrStopped
	}
	if e.opts.Source == nil || e.opts.Pipeline == nil {
		return errors.New("engine requires a source and a pipeline")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	ticks := make(chan signal.Tick, e.opts.Buffer)

	group.Go(func() error {
		defer close(ticks)
		return e.supervise(gctx, ticks)
	})
	group.Go(func() error {
		return e.loop(gctx, ticks)
	})

	e.log.Info().Msg("engine started")
	go func() {
		err := group.Wait()
		e.finish(err)
		cancel()
		close(e.done)
	}()
	return nil
}

// Stop cancels the run; working orders are cancelled before Wait returns. Safe to
// call repeatedly. A Stop before Start makes the engine refuse to start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		e.log.Info().Msg("engine stopping")
		cancel()
	}
}

// Done is closed once the engine has fully stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the engine stops and returns its terminal error, if any.
func (e *Engine) Wait() error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}
	<-e.done
	return e.Err()
}

// Err returns the fatal error that stopped the engine.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// supervise runs the source and reconnects with bounded exponential backoff when it drops.
func (e *Engine) supervise(ctx context.Context, out chan<- signal.Tick) error {
	backoff := e.opts.ReconnectBase
	for {
		started := time.Now()
		err := e.opts.Source.Run(ctx, out)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			e.log.Info().Msg("market data source exhausted")
			return nil
		case !errors.Is(err, exchange.ErrFeedUnavailable):
			return fmt.Errorf("market data: %w", err)
		}
		if time.Since(started) > e.opts.ReconnectMax {
			backoff = e.opts.ReconnectBase
		}
		metrics.FeedReconnects.Inc()
		e.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed disconnected, reconnecting")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > e.opts.ReconnectMax {
			backoff = e.opts.ReconnectMax
		}
	}
}

func (e *Engine) loop(ctx context.Context, ticks <-chan signal.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tk, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := e.handle(ctx, tk); err != nil {
				e.log.Error().Err(err).Str("sym", tk.Symbol).Msg("fatal execution error, stopping engine")
				return err
			}
		}
	}
}

// handle isolates a single tick: panics and non-fatal errors are logged against
// the symbol and the loop moves on.
func (e *Engine) handle(ctx context.Context, tk signal.Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SymbolErrors.WithLabelValues(tk.Symbol).Inc()
			e.log.Error().Str("sym", tk.Symbol).Interface("panic", r).Msg("tick processing panicked, skipping")
			err = nil
		}
	}()

	p := e.opts.Pipeline
	if day := portfolio.DateKey(tk.Ts); e.lastDay != "" && day != e.lastDay {
		e.writeSnapshot(e.lastTs)
	}

	records, perr := p.Process(ctx, tk)
	e.persist(records)
	if perr != nil {
		if errors.Is(perr, execution.ErrFatal) {
			return perr
		}
		if ctx.Err() == nil {
			metrics.SymbolErrors.WithLabelValues(tk.Symbol).Inc()
			e.log.Warn().Err(perr).Str("sym", tk.Symbol).Msg("tick skipped")
		}
	}

	e.ticks++
	if tk.Ts.After(e.lastTs) {
		e.lastTs = tk.Ts
	}
	e.lastDay = portfolio.DateKey(e.lastTs)
	if len(records) > 0 || (e.opts.SnapshotEvery > 0 && e.ticks%e.opts.SnapshotEvery == 0) {
		e.writeSnapshot(e.lastTs)
	}
	return nil
}

func (e *Engine) persist(records []execution.TradeRecord) {
	for _, rec := range records {
		for _, sink := range e.opts.Sinks {
			if err := sink.Record(rec); err != nil {
				e.log.Error().Err(err).Str("sym", rec.Position.Symbol).Msg("persist trade failed")
			}
		}
	}
}

func (e *Engine) writeSnapshot(ts time.Time) {
	if e.opts.Snapshots == nil || ts.IsZero() {
		return
	}
	if err := e.opts.Snapshots.Write(e.opts.Pipeline.Snapshot(ts)); err != nil {
		e.log.Error().Err(err).Msg("write performance snapshot failed")
	}
}

// finish drains working orders with a fresh context, since the run context is gone.
func (e *Engine) finish(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DrainTimeout)
	defer cancel()
	records, err := e.opts.Pipeline.Flatten(ctx)
	e.persist(records)
	if err != nil {
		e.log.Error().Err(err).Msg("cancel working orders")
	}
	e.writeSnapshot(e.lastTs)

	e.mu.Lock()
	e.err = runErr
	e.mu.Unlock()
	ev := e.log.Info()
	if runErr != nil {
		ev = e.log.Error().Err(runErr)
	}
	ev.Int("ticks", e.ticks).Int("trades", e.opts.Pipeline.Ledger.Len()).Msg("engine stopped")
}
