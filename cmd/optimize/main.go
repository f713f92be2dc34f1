package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"bandbot-go/internal/app"
	"bandbot-go/internal/config"
	"bandbot-go/internal/util"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()

	log := util.NewLogger("info")
	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logFile, err := util.OpenLogFile(cfg.Data.Dir, "run_bot.log")
	if err != nil {
		log.Fatal().Err(err).Msg("open log file")
	}
	defer logFile.Close()
	log = util.NewLoggerTo(cfg.App.LogLevel, os.Stdout, logFile)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := app.Optimize(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("optimization failed")
		os.Exit(1)
	}

	p := res.BestConfig.Strategy.Params
	fmt.Println("\n=== Optimization Results ===")
	fmt.Printf("Candidates: %d (failed %d) over seeds %v\n", res.Candidates, res.Failed, res.Seeds)
	fmt.Printf("Best: fast=%d slow=%d trend=%.4f momentum=%.4f sl=%.2f%% tp=%.2f%% risk=%.2f%%\n",
		p.FastPeriod, p.SlowPeriod, p.TrendThreshold, p.MomentumThreshold,
		res.BestConfig.Risk.StopLossPct*100, res.BestConfig.Risk.TakeProfitPct*100, res.BestConfig.Risk.RiskPerTrade*100)
	fmt.Printf("Total trades: %d\n", res.Overall.TotalTrades)
	fmt.Printf("Win rate: %.2f%%\n", res.Overall.WinRate*100)
	fmt.Printf("Avg daily return: %.2f%%\n", res.Overall.AvgDailyReturn)
	fmt.Printf("Days in %.0f-%.0f%% band: %.1f%%\n", cfg.Target.MinPct, cfg.Target.MaxPct, res.Overall.TargetDaysPct)
	fmt.Printf("Max drawdown: %.2f%%\n", res.Overall.MaxDrawdownPct)
	fmt.Printf("Optimized config written to %s\n", res.ConfigPath)
}
