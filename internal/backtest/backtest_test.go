package backtest

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
	"bandbot-go/internal/exchange"
	"bandbot-go/internal/execution"
)

func feed(seed int64) *exchange.SimFeed {
	return exchange.NewSimFeed(exchange.SimConfig{
		Symbols:     []string{"BTC", "ETH"},
		Seed:        seed,
		Days:        3,
		TicksPerDay: 96,
		StartPrice:  100,
		Drift:       0.01,
		Volatility:  0.03,
	})
}

func TestRunIsDeterministic(t *testing.T) {
	sc := config.Default().StrategyConfig()
	opts := OptionsFrom(config.Paper{StartingCash: 10_000, SlippageBps: 5, PartialFillProbability: 0.3, MaxPartialFills: 2}, 9, zerolog.Nop())

	a, err := Run(context.Background(), sc, feed(4), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := Run(context.Background(), sc, feed(4), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(a.Overall, b.Overall) || !reflect.DeepEqual(a.Daily, b.Daily) {
		t.Fatalf("identical inputs produced different results:\n%+v\n%+v", a.Overall, b.Overall)
	}
	if len(a.Trades) != len(b.Trades) || a.FinalEquity != b.FinalEquity {
		t.Fatalf("trade logs differ")
	}
	if len(a.Daily) != 3 {
		t.Fatalf("expected 3 daily rows, got %d", len(a.Daily))
	}
}

func TestRunProfitsFromSteadyTrend(t *testing.T) {
	sc := config.Default().StrategyConfig()
	f := exchange.NewSimFeed(exchange.SimConfig{Symbols: []string{"BTC"}, Days: 1, TicksPerDay: 100, StartPrice: 100, Drifts: map[string]float64{"BTC": 0.2}})
	res, err := Run(context.Background(), sc, f, Options{StartingCash: 10_000, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalEquity <= res.StartEquity {
		t.Fatalf("expected profit on a steady uptrend, got %.2f -> %.2f", res.StartEquity, res.FinalEquity)
	}
	if res.Overall.MaxDrawdownPct != 0 {
		t.Fatalf("expected no drawdown, got %.4f", res.Overall.MaxDrawdownPct)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, config.Default().StrategyConfig(), feed(1), Options{StartingCash: 1000, Log: zerolog.Nop()}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestSummarizePoolsPaths(t *testing.T) {
	band := config.TargetBand{MinPct: 5, MaxPct: 10}
	win := execution.TradeRecord{RealizedPnL: 10}
	loss := execution.TradeRecord{RealizedPnL: -4}
	paths := []Result{
		{
			Daily:       []DayMetrics{{ReturnPct: 6}, {ReturnPct: 12}},
			Trades:      []execution.TradeRecord{win, loss},
			StartEquity: 100, FinalEquity: 120,
			Overall: Metrics{MaxDrawdownPct: 3},
		},
		{
			Daily:       []DayMetrics{{ReturnPct: 8}, {ReturnPct: -2}},
			Trades:      []execution.TradeRecord{win},
			StartEquity: 100, FinalEquity: 106,
			Overall: Metrics{MaxDrawdownPct: 7},
		},
	}
	m := Summarize(paths, band)
	if m.TotalTrades != 3 || math.Abs(m.WinRate-2.0/3) > 1e-9 {
		t.Fatalf("unexpected trade stats %+v", m)
	}
	if m.Days != 4 || m.TargetDaysPct != 50 || m.AvgDailyReturn != 6 {
		t.Fatalf("unexpected daily stats %+v", m)
	}
	if m.TotalProfitPct != 13 || m.MaxDrawdownPct != 7 {
		t.Fatalf("unexpected profit/drawdown %+v", m)
	}
	if !m.Finite() {
		t.Fatalf("expected finite metrics")
	}
}
