package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
)

func demoConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Data.Dir = dir
	cfg.Sim.Days = 2
	cfg.Sim.TicksPerDay = 96
	cfg.Sim.Volatility = 0.03
	cfg.Sim.PaceMs = 0
	return cfg
}

func TestDemoRunsToCompletionAndWritesFiles(t *testing.T) {
	dir := t.TempDir()
	demo := NewDemo(demoConfig(dir), zerolog.Nop())
	if err := demo.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-demo.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("demo did not finish")
	}
	if err := demo.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := demo.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, PerformanceDir))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected performance snapshots, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, TradesDir)); err != nil {
		t.Fatalf("expected trades directory: %v", err)
	}
}

func TestDemoStartTwiceFails(t *testing.T) {
	cfg := demoConfig(t.TempDir())
	cfg.Sim.PaceMs = 50
	demo := NewDemo(cfg, zerolog.Nop())
	if err := demo.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer demo.Stop()
	if err := demo.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestLiveRequiresCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	live := NewLive(cfg, zerolog.Nop())
	if err := live.Start(context.Background()); !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if entries, _ := os.ReadDir(cfg.Data.Dir); len(entries) != 0 {
		t.Fatalf("nothing may be written before the credential check")
	}
}

func TestLiveStartStopAgainstRESTFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"100"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.Exchange.Provider = "rest"
	cfg.Exchange.Symbols = []string{"BTCUSDT"}
	cfg.Exchange.BaseURL = srv.URL
	cfg.Exchange.PollInterval = 10
	cfg.Exchange.APIKey, cfg.Exchange.APISecret = "k", "s"

	live := NewLive(cfg, zerolog.Nop())
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := live.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-live.Done():
	default:
		t.Fatalf("expected engine stopped")
	}
}

func TestOptimizeWritesResults(t *testing.T) {
	cfg := demoConfig(t.TempDir())
	cfg.Optimizer.Seeds = []int64{1}
	cfg.Optimizer.MaxCandidates = 3
	res, err := Optimize(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if res.Candidates != 3 {
		t.Fatalf("expected 3 candidates, got %d", res.Candidates)
	}
	if _, err := os.Stat(filepath.Join(cfg.Data.Dir, cfg.Optimizer.ResultsFile)); err != nil {
		t.Fatalf("expected results file: %v", err)
	}
}
