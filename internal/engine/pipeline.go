// Package engine wires signal generation, risk and execution into a tick-driven trading loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
	"bandbot-go/internal/execution"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/portfolio"
	"bandbot-go/internal/risk"
	"bandbot-go/internal/signal"
	"bandbot-go/internal/strategy"
)

// Pipeline is the Signal → Risk → Execution decision path for one run.
// Live, demo and backtest runs all drive the same Process.
type Pipeline struct {
	Generator strategy.Strategy
	Risk      *risk.Manager
	Exec      *execution.Executor
	Account   *portfolio.Account
	Ledger    *portfolio.Ledger
	Target    config.TargetBand
	log       zerolog.Logger
}

// NewPipeline builds fresh per-run state for a strategy bundle.
func NewPipeline(sc config.StrategyConfig, venue execution.Venue, opts execution.Options, startingCash float64, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Generator: strategy.Build(sc.Strategy),
		Risk:      risk.NewManager(sc.Risk, log.With().Str("component", "risk").Logger()),
		Exec:      execution.NewExecutor(venue, opts, log.With().Str("component", "execution").Logger()),
		Account:   portfolio.NewAccount(startingCash),
		Ledger:    portfolio.NewLedger(256),
		Target:    sc.Target,
		log:       log,
	}
}

// ExecutionOptions maps the YAML execution section onto executor options.
func ExecutionOptions(cfg config.Execution) execution.Options {
	return execution.Options{
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: time.Duration(cfg.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
	}
}

// Equity is starting cash plus realized and open PnL.
func (p *Pipeline) Equity() float64 {
	return p.Account.Equity(p.Exec.OpenPnL())
}

// Process advances the run by one tick. Risk rejections are logged and swallowed;
// returned errors come from execution and carry execution.ErrFatal when the run must stop.
func (p *Pipeline) Process(ctx context.Context, tk signal.Tick) ([]execution.TradeRecord, error) {
	records, err := p.Exec.OnTick(ctx, tk)
	p.book(records)
	if err != nil {
		return records, fmt.Errorf("execution tick %s: %w", tk.Symbol, err)
	}

	equity := p.Equity()
	p.Risk.ObserveEquity(tk.Ts, equity)

	sig := p.Generator.OnTick(tk)
	if !sig.Actionable() {
		return records, nil
	}

	if pos, open := p.Exec.Position(tk.Symbol); open && pos.Direction == sig.Direction.Opposite() {
		p.log.Info().Str("sym", tk.Symbol).Str("from", string(pos.Direction)).Str("to", string(sig.Direction)).Msg("signal reversal, closing position")
		recs, err := p.Exec.Close(ctx, tk.Symbol, execution.ExitSignalReversal)
		p.book(recs)
		records = append(records, recs...)
		if err != nil {
			return records, fmt.Errorf("reversal close %s: %w", tk.Symbol, err)
		}
	}

	ap, err := p.Risk.Approve(sig, p.Exec.Book(), tk.Price, equity)
	if err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			p.log.Debug().Str("sym", tk.Symbol).Str("reason", rej.Reason).Str("detail", rej.Detail).Msg("signal rejected")
			return records, nil
		}
		return records, err
	}
	if _, err := p.Exec.Open(ctx, ap); err != nil {
		return records, fmt.Errorf("open %s: %w", tk.Symbol, err)
	}
	return records, nil
}

// Flatten cancels working orders, booking anything they filled.
func (p *Pipeline) Flatten(ctx context.Context) ([]execution.TradeRecord, error) {
	records, err := p.Exec.CancelAll(ctx)
	p.book(records)
	return records, err
}

func (p *Pipeline) book(records []execution.TradeRecord) {
	for _, rec := range records {
		p.Account.Apply(rec)
		_ = p.Ledger.Record(rec)
	}
}

// Snapshot builds the dashboard view of the run at ts.
func (p *Pipeline) Snapshot(ts time.Time) portfolio.PerformanceSnapshot {
	positions := p.Exec.Positions()
	acct := p.Account.Snapshot(positions, p.Exec.Marks(), p.Exec.OpenPnL())
	dayStart := p.Risk.DayStartEquity()
	if dayStart <= 0 {
		dayStart = p.Account.StartingCash()
	}
	dayReturn := 0.0
	if dayStart > 0 {
		dayReturn = (acct.Equity - dayStart) / dayStart * 100
	}
	winRate := 0.0
	if acct.Trades > 0 {
		winRate = float64(acct.Wins) / float64(acct.Trades) * 100
	}
	metrics.Equity.Set(acct.Equity)
	metrics.OpenPositions.Set(float64(len(positions)))
	return portfolio.PerformanceSnapshot{
		Ts:             ts,
		Equity:         acct.Equity,
		Cash:           acct.Cash,
		RealizedPnL:    acct.RealizedPnL,
		Unrealized:     acct.Unrealized,
		OpenPositions:  len(positions),
		Positions:      acct.Positions,
		DayStartEquity: dayStart,
		DayReturnPct:   dayReturn,
		TradesToday:    p.Ledger.DayCount(ts),
		TotalTrades:    acct.Trades,
		WinRate:        winRate,
		CircuitBreaker: p.Risk.Tripped(),
		InTargetBand:   p.Target.Contains(dayReturn),
	}
}
