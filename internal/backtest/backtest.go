// Package backtest replays a simulated market through the trading pipeline and scores the run.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
	"bandbot-go/internal/engine"
	"bandbot-go/internal/exchange"
	"bandbot-go/internal/execution"
	"bandbot-go/internal/portfolio"
)

// DayMetrics summarises one UTC day of a run.
type DayMetrics struct {
	Date        string  `json:"date"`
	StartEquity float64 `json:"start_equity"`
	EndEquity   float64 `json:"end_equity"`
	ReturnPct   float64 `json:"return_pct"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	InTarget    bool    `json:"in_target"`
}

// Metrics is the overall score of one or more runs.
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinRate        float64 `json:"win_rate"` // fraction of winning trades
	TotalProfitPct float64 `json:"total_profit_pct"`
	AvgDailyReturn float64 `json:"avg_daily_return"`
	TargetDaysPct  float64 `json:"target_days_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Days           int     `json:"days"`
}

// Finite reports whether every score is a real number.
func (m Metrics) Finite() bool {
	for _, v := range []float64{m.WinRate, m.TotalProfitPct, m.AvgDailyReturn, m.TargetDaysPct, m.MaxDrawdownPct} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Result carries the full outcome of a single path.
type Result struct {
	Daily        []DayMetrics            `json:"daily"`
	Overall      Metrics                 `json:"overall"`
	Trades       []execution.TradeRecord `json:"-"`
	StartEquity  float64                 `json:"start_equity"`
	FinalEquity  float64                 `json:"final_equity"`
	SkippedTicks int                     `json:"skipped_ticks"`
}

// Options configures the simulated account and venue of a run.
type Options struct {
	StartingCash float64
	Venue        execution.SimConfig
	Log          zerolog.Logger
}

// OptionsFrom maps the paper section onto backtest options for one seed.
func OptionsFrom(paper config.Paper, seed int64, log zerolog.Logger) Options {
	return Options{
		StartingCash: paper.StartingCash,
		Venue: execution.SimConfig{
			SlippageBps:            paper.SlippageBps,
			PartialFillProbability: paper.PartialFillProbability,
			MaxPartialFills:        paper.MaxPartialFills,
			Seed:                   seed,
		},
		Log: log,
	}
}

// Run replays feed through a fresh pipeline built from sc. Open positions are
// marked to market at the end, not force-closed; working orders are cancelled.
func Run(ctx context.Context, sc config.StrategyConfig, feed *exchange.SimFeed, opts Options) (Result, error) {
	if opts.StartingCash <= 0 {
		return Result{}, errors.New("starting cash must be positive")
	}
	p := engine.NewPipeline(sc, execution.NewSimVenue(opts.Venue),
		execution.Options{Deterministic: true, Seed: opts.Venue.Seed}, opts.StartingCash, opts.Log)

	tracker := newTracker(opts.StartingCash, sc.Target)
	res := Result{StartEquity: opts.StartingCash}
	for tk := range feed.All() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		day := portfolio.DateKey(tk.Ts)
		tracker.roll(day, p.Equity())

		records, err := p.Process(ctx, tk)
		tracker.trades(records)
		res.Trades = append(res.Trades, records...)
		if err != nil {
			if errors.Is(err, execution.ErrFatal) {
				return Result{}, fmt.Errorf("backtest aborted: %w", err)
			}
			res.SkippedTicks++
		}
		tracker.mark(p.Equity())
	}
	records, err := p.Flatten(ctx)
	tracker.trades(records)
	res.Trades = append(res.Trades, records...)
	if err != nil {
		opts.Log.Warn().Err(err).Msg("cancel working orders at end of run")
	}

	res.FinalEquity = p.Equity()
	res.Daily = tracker.close(res.FinalEquity)
	res.Overall = Summarize([]Result{{Daily: res.Daily, Trades: res.Trades, StartEquity: res.StartEquity, FinalEquity: res.FinalEquity, Overall: Metrics{MaxDrawdownPct: tracker.maxDrawdown}}}, sc.Target)
	return res, nil
}

// Summarize pools several paths: trades and days are pooled, total profit is the
// mean per-path profit and drawdown is the worst path's.
func Summarize(paths []Result, band config.TargetBand) Metrics {
	var (
		m         Metrics
		wins      int
		dayReturn float64
		inTarget  int
		profit    float64
	)
	for _, r := range paths {
		for _, rec := range r.Trades {
			m.TotalTrades++
			if rec.Win() {
				wins++
			}
		}
		for _, d := range r.Daily {
			m.Days++
			dayReturn += d.ReturnPct
			if band.Contains(d.ReturnPct) {
				inTarget++
			}
		}
		if r.StartEquity > 0 {
			profit += (r.FinalEquity - r.StartEquity) / r.StartEquity * 100
		}
		m.MaxDrawdownPct = math.Max(m.MaxDrawdownPct, r.Overall.MaxDrawdownPct)
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades)
	}
	if m.Days > 0 {
		m.AvgDailyReturn = dayReturn / float64(m.Days)
		m.TargetDaysPct = float64(inTarget) / float64(m.Days) * 100
	}
	if len(paths) > 0 {
		m.TotalProfitPct = profit / float64(len(paths))
	}
	return m
}

// tracker accumulates daily returns and the equity drawdown of one run.
type tracker struct {
	band        config.TargetBand
	days        []DayMetrics
	current     *DayMetrics
	peak        float64
	maxDrawdown float64
}

func newTracker(start float64, band config.TargetBand) *tracker {
	return &tracker{band: band, peak: start}
}

func (t *tracker) roll(day string, equity float64) {
	if t.current != nil && t.current.Date == day {
		return
	}
	if t.current != nil {
		t.finish(equity)
	}
	t.current = &DayMetrics{Date: day, StartEquity: equity}
}

func (t *tracker) finish(equity float64) {
	d := t.current
	d.EndEquity = equity
	if d.StartEquity > 0 {
		d.ReturnPct = (equity - d.StartEquity) / d.StartEquity * 100
	}
	d.InTarget = t.band.Contains(d.ReturnPct)
	t.days = append(t.days, *d)
	t.current = nil
}

func (t *tracker) trades(records []execution.TradeRecord) {
	if t.current == nil {
		return
	}
	for _, rec := range records {
		t.current.Trades++
		if rec.Win() {
			t.current.Wins++
		}
	}
}

func (t *tracker) mark(equity float64) {
	if equity > t.peak {
		t.peak = equity
	}
	if t.peak > 0 {
		t.maxDrawdown = math.Max(t.maxDrawdown, (t.peak-equity)/t.peak*100)
	}
}

func (t *tracker) close(equity float64) []DayMetrics {
	if t.current != nil {
		t.finish(equity)
	}
	return t.days
}
