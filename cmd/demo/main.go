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

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	demo := app.NewDemo(cfg, log)
	if err := demo.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start demo")
	}
	log.Info().Str("data_dir", cfg.Data.Dir).Msg("demo running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-demo.Done():
		log.Info().Msg("simulated market exhausted")
	}
	if err := demo.Stop(); err != nil {
		log.Error().Err(err).Msg("demo stopped with error")
		os.Exit(1)
	}
}
