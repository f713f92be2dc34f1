// Package app assembles the demo, optimize and live drivers from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
	"bandbot-go/internal/engine"
	"bandbot-go/internal/exchange"
	"bandbot-go/internal/execution"
	"bandbot-go/internal/optimizer"
	"bandbot-go/internal/portfolio"
)

// Data sub-directories written by the drivers.
const (
	TradesDir      = "trades"
	PerformanceDir = "performance"
)

// session is one running engine plus the files it writes.
type session struct {
	engine   *engine.Engine
	recorder *portfolio.JSONLRecorder
}

func newSession(cfg *config.Config, src exchange.Source, venue execution.Venue, opts execution.Options, log zerolog.Logger) (*session, error) {
	recorder, err := portfolio.NewJSONLRecorder(filepath.Join(cfg.Data.Dir, TradesDir))
	if err != nil {
		return nil, fmt.Errorf("trade recorder: %w", err)
	}
	pipeline := engine.NewPipeline(cfg.StrategyConfig(), venue, opts, cfg.Paper.StartingCash, log)
	eng := engine.New(engine.Options{
		Source:        src,
		Pipeline:      pipeline,
		Sinks:         []portfolio.TradeSink{recorder},
		Snapshots:     portfolio.NewSnapshotStore(filepath.Join(cfg.Data.Dir, PerformanceDir)),
		SnapshotEvery: 50,
	}, log.With().Str("component", "engine").Logger())
	return &session{engine: eng, recorder: recorder}, nil
}

func (s *session) stop() error {
	s.engine.Stop()
	err := s.engine.Wait()
	return errors.Join(err, s.recorder.Close())
}

// runner guards Start/Stop of a session.
type runner struct {
	mu      sync.Mutex
	current *session
}

func (r *runner) start(ctx context.Context, build func() (*session, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return engine.ErrAlreadyStarted
	}
	s, err := build()
	if err != nil {
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		_ = s.recorder.Close()
		return err
	}
	r.current = s
	return nil
}

func (r *runner) stop() error {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.stop()
}

func (r *runner) done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.current.engine.Done()
}

func (r *runner) pipeline() *engine.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.engine.Pipeline()
}

// Demo drives the engine with the paced simulated market and simulated venue.
type Demo struct {
	cfg *config.Config
	log zerolog.Logger
	runner
}

// NewDemo returns a stopped demo driver.
func NewDemo(cfg *config.Config, log zerolog.Logger) *Demo {
	return &Demo{cfg: cfg, log: log}
}

// Start begins updating simulated data in the background.
func (d *Demo) Start(ctx context.Context) error {
	return d.start(ctx, func() (*session, error) {
		feed := exchange.NewSimFeed(exchange.SimConfigFrom(d.cfg.Exchange.Symbols, d.cfg.Sim))
		venue := execution.NewSimVenue(execution.SimConfig{
			SlippageBps:            d.cfg.Paper.SlippageBps,
			PartialFillProbability: d.cfg.Paper.PartialFillProbability,
			MaxPartialFills:        d.cfg.Paper.MaxPartialFills,
			Seed:                   d.cfg.Sim.Seed,
		})
		opts := engine.ExecutionOptions(d.cfg.Execution)
		opts.Deterministic, opts.Seed = true, d.cfg.Sim.Seed
		d.log.Info().Strs("symbols", feed.Symbols()).Int("days", d.cfg.Sim.Days).Msg("simulated data updater starting")
		return newSession(d.cfg, feed, venue, opts, d.log)
	})
}

// Stop halts the updater and waits for it to drain. Safe to call repeatedly.
func (d *Demo) Stop() error { return d.stop() }

// Done is closed when the simulated market is exhausted or the demo stops.
func (d *Demo) Done() <-chan struct{} { return d.done() }

// Pipeline exposes the running decision path, or nil when stopped.
func (d *Demo) Pipeline() *engine.Pipeline { return d.pipeline() }

// Live trades the configured venue. Credentials are checked before anything starts.
type Live struct {
	cfg *config.Config
	log zerolog.Logger
	runner
}

// NewLive returns a stopped live driver.
func NewLive(cfg *config.Config, log zerolog.Logger) *Live {
	return &Live{cfg: cfg, log: log}
}

// Start fails with config.ErrMissingCredentials before any trading when keys are absent.
func (l *Live) Start(ctx context.Context) error {
	if err := l.cfg.RequireCredentials(); err != nil {
		return err
	}
	return l.start(ctx, func() (*session, error) {
		ex := l.cfg.Exchange
		provider := ex.Provider
		if provider == "" || provider == exchange.ProviderSim {
			provider = exchange.ProviderBinance
		}
		feed := exchange.NewFeed(provider, ex.Symbols, l.log.With().Str("component", "feed").Logger(),
			exchange.WithBaseURL(ex.BaseURL),
			exchange.WithWSURL(ex.WSURL),
			exchange.WithPollInterval(time.Duration(ex.PollInterval)*time.Millisecond),
		)
		venue := execution.NewRESTVenue(execution.RESTConfig{
			BaseURL:    ex.BaseURL,
			APIKey:     ex.APIKey,
			APISecret:  ex.APISecret,
			RecvWindow: time.Duration(ex.RecvWindowMs) * time.Millisecond,
			RatePerSec: ex.RateLimit,
		})
		l.log.Info().Str("provider", provider).Strs("symbols", ex.Symbols).Msg("live engine starting")
		return newSession(l.cfg, feed, venue, engine.ExecutionOptions(l.cfg.Execution), l.log)
	})
}

// Stop cancels working orders and halts the engine. Safe to call repeatedly.
func (l *Live) Stop() error { return l.stop() }

// Done is closed when the engine stops, including after a fatal error.
func (l *Live) Done() <-chan struct{} { return l.done() }

// Optimize runs the parameter search and persists its outputs.
func Optimize(ctx context.Context, cfg *config.Config, log zerolog.Logger) (optimizer.Results, error) {
	return optimizer.New(cfg, log.With().Str("component", "optimizer").Logger()).GenerateOptimizedData(ctx)
}
