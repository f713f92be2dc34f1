package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"bandbot-go/internal/app"
	"bandbot-go/internal/config"
	"bandbot-go/internal/portfolio"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	flag.Parse()
	path := filepath.Clean(*cfgPath)

	reader := bufio.NewReader(os.Stdin)

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== BandBot Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit bankroll and risk knobs")
		fmt.Println("3) Edit strategy parameters")
		fmt.Println("4) Show latest performance")
		fmt.Println("5) Save config")
		fmt.Println("6) Launch demo")
		fmt.Println("7) Run optimizer")
		fmt.Println("8) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editStrategy(reader, cfg)
		case "4":
			printPerformance(cfg)
		case "5":
			if err := validateAndSave(path, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "6":
			launch(reader, "./cmd/demo", path)
		case "7":
			launch(reader, "./cmd/optimize", path)
		case "8":
			reloaded, err := config.LoadOrDefault(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	p := cfg.Strategy.Params
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Provider: %s | symbols: %s\n", cfg.Exchange.Provider, strings.Join(cfg.Exchange.Symbols, ", "))
	fmt.Printf("Starting cash: $%.2f\n", cfg.Paper.StartingCash)
	fmt.Printf("Risk per trade: %.2f%% | SL %.2f%% | TP %.2f%%\n", cfg.Risk.RiskPerTrade*100, cfg.Risk.StopLossPct*100, cfg.Risk.TakeProfitPct*100)
	fmt.Printf("Exposure caps: symbol %.0f%% | total %.0f%% | max positions %d\n",
		cfg.Risk.MaxSymbolExposurePct*100, cfg.Risk.MaxTotalExposurePct*100, cfg.Risk.MaxOpenPositions)
	fmt.Printf("Daily loss breaker: %.2f%%\n", cfg.Risk.MaxDailyLossPct*100)
	fmt.Printf("Strategy %s: fast %d slow %d momentum %d | trend %.4f momentum %.4f\n",
		cfg.Strategy.Mode, p.FastPeriod, p.SlowPeriod, p.MomentumPeriod, p.TrendThreshold, p.MomentumThreshold)
	fmt.Printf("Target band: %.1f%% - %.1f%% per day\n", cfg.Target.MinPct, cfg.Target.MaxPct)
	fmt.Printf("Data dir: %s\n", cfg.Data.Dir)
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk / Bankroll ---")
	cfg.Paper.StartingCash = promptFloat(reader, "Starting cash", cfg.Paper.StartingCash)
	cfg.Risk.RiskPerTrade = promptPercent(reader, "Risk per trade (%)", cfg.Risk.RiskPerTrade)
	cfg.Risk.StopLossPct = promptPercent(reader, "Stop loss (%)", cfg.Risk.StopLossPct)
	cfg.Risk.TakeProfitPct = promptPercent(reader, "Take profit (%)", cfg.Risk.TakeProfitPct)
	cfg.Risk.MaxSymbolExposurePct = promptPercent(reader, "Max exposure per symbol (%)", cfg.Risk.MaxSymbolExposurePct)
	cfg.Risk.MaxTotalExposurePct = promptPercent(reader, "Max total exposure (%)", cfg.Risk.MaxTotalExposurePct)
	cfg.Risk.MaxOpenPositions = int(promptFloat(reader, "Max open positions", float64(cfg.Risk.MaxOpenPositions)))
	cfg.Risk.MaxDailyLossPct = promptPercent(reader, "Daily loss breaker (%)", cfg.Risk.MaxDailyLossPct)
}

func editStrategy(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Strategy ---")
	p := &cfg.Strategy.Params
	p.FastPeriod = int(promptFloat(reader, "Fast EMA period", float64(p.FastPeriod)))
	p.SlowPeriod = int(promptFloat(reader, "Slow EMA period", float64(p.SlowPeriod)))
	p.MomentumPeriod = int(promptFloat(reader, "Momentum period", float64(p.MomentumPeriod)))
	p.TrendThreshold = promptPercent(reader, "Trend threshold (%)", p.TrendThreshold)
	p.MomentumThreshold = promptPercent(reader, "Momentum threshold (%)", p.MomentumThreshold)
	cfg.Target.MinPct = promptFloat(reader, "Target band min (% per day)", cfg.Target.MinPct)
	cfg.Target.MaxPct = promptFloat(reader, "Target band max (% per day)", cfg.Target.MaxPct)
}

func printPerformance(cfg *config.Config) {
	store := portfolio.NewSnapshotStore(filepath.Join(cfg.Data.Dir, app.PerformanceDir))
	snap, err := store.Latest()
	if err != nil {
		fmt.Printf("no performance data yet: %v\n", err)
		return
	}
	fmt.Println("\n--- Latest Performance ---")
	fmt.Printf("As of: %s\n", snap.Ts.Format(time.RFC3339))
	fmt.Printf("Equity: $%.2f | cash $%.2f | realized $%.2f | unrealized $%.2f\n", snap.Equity, snap.Cash, snap.RealizedPnL, snap.Unrealized)
	band := "outside"
	if snap.InTargetBand {
		band = "inside"
	}
	fmt.Printf("Today: %.2f%% (%s target band) | trades %d\n", snap.DayReturnPct, band, snap.TradesToday)
	fmt.Printf("Total trades: %d | win rate %.1f%%\n", snap.TotalTrades, snap.WinRate)
	if snap.CircuitBreaker {
		fmt.Println("Circuit breaker: TRIPPED (no new entries today)")
	}
	symbols := make([]string, 0, len(snap.Positions))
	for sym := range snap.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		pos := snap.Positions[sym]
		fmt.Printf("  %-10s %-5s size %.6f entry %.4f mark %.4f unrealized %+.2f\n",
			sym, pos.Direction, pos.Size, pos.EntryPrice, pos.Mark, pos.Unrealized)
	}
}

func validateAndSave(path string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func launch(reader *bufio.Reader, pkg, cfgPath string) {
	fmt.Printf("Launching %s (ENTER to stop)...\n", pkg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", pkg, "-config", cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start %s: %v\n", pkg, err)
		return
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	fmt.Print("\nPress ENTER to stop and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	<-done
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}
