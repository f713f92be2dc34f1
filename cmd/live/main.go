package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"bandbot-go/internal/app"
	"bandbot-go/internal/config"
	"bandbot-go/internal/metrics"
	"bandbot-go/internal/util"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()

	log := util.NewLogger("info")
	// live trading never falls back to defaults
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("live mode needs a config file")
	}
	// refuse before touching the data dir or the network
	if err := cfg.RequireCredentials(); err != nil {
		log.Fatal().Err(err).Msgf("set %s and %s or exchange.api_key/api_secret", config.EnvAPIKey, config.EnvAPISecret)
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

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	live := app.NewLive(cfg, log)
	if err := live.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start live engine")
	}
	log.Warn().Strs("symbols", cfg.Exchange.Symbols).Msg("LIVE trading engine running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-live.Done():
		log.Warn().Msg("engine stopped on its own")
	}
	if err := live.Stop(); err != nil {
		log.Error().Err(err).Msg("engine stopped with error")
		os.Exit(1)
	}
}
