// Package optimizer searches strategy parameters for the best fit to the daily target band.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bandbot-go/internal/backtest"
	"bandbot-go/internal/config"
	"bandbot-go/internal/exchange"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/util"
)

// ErrNoViableCandidate is returned when every candidate failed.
var ErrNoViableCandidate = errors.New("no viable optimization candidate")

// Result is the pooled score of one candidate across every seed.
type Result struct {
	Candidate
	Daily   []backtest.DayMetrics `json:"daily,omitempty"`
	Overall backtest.Metrics      `json:"overall"`
	Err     string                `json:"error,omitempty"`
}

// Failed reports whether the candidate was excluded.
func (r Result) Failed() bool { return r.Err != "" }

// Results is the persisted summary of a search.
type Results struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Seeds       []int64               `json:"seeds"`
	Candidates  int                   `json:"candidates"`
	Failed      int                   `json:"failed"`
	BestID      int                   `json:"best_id"`
	BestConfig  config.StrategyConfig `json:"best_config"`
	Overall     backtest.Metrics      `json:"overall"`
	Daily       []backtest.DayMetrics `json:"daily"`
	Top         []Result              `json:"top"`
	ConfigPath  string                `json:"config_path"`
}

// RunFunc backtests one strategy bundle over the simulated path for seed.
type RunFunc func(ctx context.Context, sc config.StrategyConfig, seed int64) (backtest.Result, error)

// Optimizer evaluates candidates in parallel, each with private state.
type Optimizer struct {
	cfg *config.Config
	log zerolog.Logger
	run RunFunc
	now func() time.Time
}

// New builds an optimizer that backtests against the configured simulated market.
func New(cfg *config.Config, log zerolog.Logger) *Optimizer {
	o := &Optimizer{cfg: cfg, log: log, now: time.Now}
	o.run = o.backtest
	return o
}

// WithRunFunc swaps the per-path evaluator.
func (o *Optimizer) WithRunFunc(run RunFunc) *Optimizer {
	o.run = run
	return o
}

func (o *Optimizer) backtest(ctx context.Context, sc config.StrategyConfig, seed int64) (backtest.Result, error) {
	simCfg := exchange.SimConfigFrom(o.cfg.Exchange.Symbols, o.cfg.Sim)
	simCfg.Seed = seed
	simCfg.Pace = 0
	return backtest.Run(ctx, sc, exchange.NewSimFeed(simCfg), backtest.OptionsFrom(o.cfg.Paper, seed, zerolog.Nop()))
}

func (o *Optimizer) seeds() []int64 {
	if len(o.cfg.Optimizer.Seeds) > 0 {
		return o.cfg.Optimizer.Seeds
	}
	return []int64{o.cfg.Sim.Seed}
}

// Space returns the candidates for the configured grid.
func (o *Optimizer) Space() []Candidate {
	return Space(o.cfg.StrategyConfig(), o.cfg.Optimizer, o.seeds()[0])
}

// Evaluate scores c on every seed. Panics, errors and non-finite scores mark the candidate failed.
func (o *Optimizer) Evaluate(ctx context.Context, c Candidate) (res Result) {
	res.Candidate = c
	defer func() {
		if r := recover(); r != nil {
			res = Result{Candidate: c, Err: fmt.Sprintf("panic: %v", r)}
		}
		outcome := "ok"
		if res.Failed() {
			outcome = "failed"
			o.log.Warn().Int("candidate", c.ID).Str("err", res.Err).Msg("candidate failed")
		}
		metrics.CandidatesEvaluated.WithLabelValues(outcome).Inc()
	}()

	paths := make([]backtest.Result, 0, len(o.seeds()))
	for _, seed := range o.seeds() {
		path, err := o.run(ctx, c.Config, seed)
		if err != nil {
			res.Err = err.Error()
			return res
		}
		paths = append(paths, path)
		res.Daily = append(res.Daily, path.Daily...)
	}
	res.Overall = backtest.Summarize(paths, c.Config.Target)
	if !res.Overall.Finite() {
		res.Err = "non-finite metrics"
	}
	return res
}

// Search evaluates candidates with at most Workers in flight. Results keep candidate order.
func (o *Optimizer) Search(ctx context.Context, candidates []Candidate) ([]Result, error) {
	results := make([]Result, len(candidates))
	group, gctx := errgroup.WithContext(ctx)
	workers := o.cfg.Optimizer.Workers
	if workers <= 0 {
		workers = 1
	}
	group.SetLimit(workers)
	for i, c := range candidates {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.Evaluate(gctx, c)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Better orders metrics: most target-band days, then highest average daily
// return, then smallest drawdown.
func Better(a, b backtest.Metrics) bool {
	const eps = 1e-9
	if math.Abs(a.TargetDaysPct-b.TargetDaysPct) > eps {
		return a.TargetDaysPct > b.TargetDaysPct
	}
	if math.Abs(a.AvgDailyReturn-b.AvgDailyReturn) > eps {
		return a.AvgDailyReturn > b.AvgDailyReturn
	}
	return a.MaxDrawdownPct < b.MaxDrawdownPct-eps
}

// Rank returns successful results best first; ties keep candidate order.
func Rank(results []Result) []Result {
	var ok []Result
	for _, r := range results {
		if !r.Failed() {
			ok = append(ok, r)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool { return Better(ok[i].Overall, ok[j].Overall) })
	return ok
}

// Select returns the best successful result.
func Select(results []Result) (Result, bool) {
	ranked := Rank(results)
	if len(ranked) == 0 {
		return Result{}, false
	}
	return ranked[0], true
}

func (o *Optimizer) dataPath(name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.cfg.Data.Dir, name)
}

// GenerateOptimizedData runs the full search, persists the best configuration and
// the results summary, and returns the summary.
func (o *Optimizer) GenerateOptimizedData(ctx context.Context) (Results, error) {
	candidates := o.Space()
	if len(candidates) == 0 {
		return Results{}, errors.New("optimizer grid produced no valid candidates")
	}
	o.log.Info().Int("candidates", len(candidates)).Ints64("seeds", o.seeds()).Int("workers", o.cfg.Optimizer.Workers).Msg("optimization started")

	results, err := o.Search(ctx, candidates)
	if err != nil {
		return Results{}, fmt.Errorf("search: %w", err)
	}
	ranked := Rank(results)
	if len(ranked) == 0 {
		return Results{}, ErrNoViableCandidate
	}
	best := ranked[0]
	top := ranked
	if len(top) > 10 {
		top = top[:10]
	}
	summary := make([]Result, len(top))
	for i, r := range top {
		r.Daily = nil
		summary[i] = r
	}

	out := Results{
		GeneratedAt: o.now().UTC(),
		Seeds:       o.seeds(),
		Candidates:  len(candidates),
		Failed:      len(results) - len(ranked),
		BestID:      best.ID,
		BestConfig:  best.Config,
		Overall:     best.Overall,
		Daily:       best.Daily,
		Top:         summary,
		ConfigPath:  o.dataPath(o.cfg.Optimizer.OutputConfig, "config.optimized.yaml"),
	}

	tuned := o.cfg.WithStrategyConfig(best.Config)
	tuned.Exchange.APIKey, tuned.Exchange.APISecret = "", ""
	if err := config.Save(out.ConfigPath, tuned); err != nil {
		return Results{}, fmt.Errorf("save optimized config: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return Results{}, fmt.Errorf("marshal results: %w", err)
	}
	if err := util.WriteFileAtomic(o.dataPath(o.cfg.Optimizer.ResultsFile, "optimization_results.json"), data, 0o644); err != nil {
		return Results{}, fmt.Errorf("write results: %w", err)
	}
	o.log.Info().
		Int("best", best.ID).
		Int("failed", out.Failed).
		Float64("target_days_pct", best.Overall.TargetDaysPct).
		Float64("avg_daily_return", best.Overall.AvgDailyReturn).
		Float64("max_drawdown_pct", best.Overall.MaxDrawdownPct).
		Msg("optimization finished")
	return out, nil
}
