package strategy

import (
	"testing"
	"time"

	"bandbot-go/internal/config"
	"bandbot-go/internal/indicator"
	"bandbot-go/internal/signal"
)

func testParams() Params {
	return Params{
		Periods:           indicator.Periods{Fast: 3, Slow: 8, Momentum: 5, Volatility: 5},
		TrendThreshold:    0.002,
		MomentumThreshold: 0.002,
		UseTrend:          true,
		UseMomentum:       true,
	}
}

func series(symbol string, start time.Time, prices ...float64) []signal.Tick {
	out := make([]signal.Tick, len(prices))
	for i, px := range prices {
		out[i] = signal.Tick{Symbol: symbol, Price: px, Size: 1, Ts: start.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func rising(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func TestEvaluateRisingEmitsSingleLong(t *testing.T) {
	p := testParams()
	var st State
	var signals []*signal.Signal
	for _, tk := range series("BTC", time.Unix(0, 0), rising(100, 100, 0.5)...) {
		var out *signal.Signal
		st, out = Evaluate(st, tk, p)
		if out != nil {
			signals = append(signals, out)
		}
	}
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].Direction != signal.Long {
		t.Fatalf("expected long, got %s", signals[0].Direction)
	}
	if signals[0].Strength <= 0 || signals[0].Strength > 1 {
		t.Fatalf("strength out of range: %.3f", signals[0].Strength)
	}
	if signals[0].Snapshot.Samples != p.Periods.Warmup() {
		t.Fatalf("expected signal on first ready sample, got %d", signals[0].Snapshot.Samples)
	}
}

func TestEvaluateFallingEmitsShort(t *testing.T) {
	p := testParams()
	var st State
	var last *signal.Signal
	for _, tk := range series("ETH", time.Unix(0, 0), rising(40, 200, -1)...) {
		var out *signal.Signal
		st, out = Evaluate(st, tk, p)
		if out != nil {
			last = out
		}
	}
	if last == nil || last.Direction != signal.Short {
		t.Fatalf("expected short signal, got %+v", last)
	}
}

func TestEvaluateOpposingCrossingsResolveFlat(t *testing.T) {
	p := testParams()
	// trend zone already long, momentum neutral; a sharp drop flips momentum short
	// while the spread crosses back inside the band is not a tie, so force both crossings.
	st := State{
		Ind:       indicator.State{Samples: 100},
		TrendZone: 0,
		MomZone:   0,
		LastTs:    time.Unix(0, 0),
	}
	// fast above slow (trend long) but price below its momentum anchor (momentum short)
	st.Ind.Fast = 101
	st.Ind.Slow = 100
	st.Ind.Anchor = 103
	st.Ind.LastPrice = 102
	tk := signal.Tick{Symbol: "SOL", Price: 101.5, Size: 1, Ts: time.Unix(60, 0)}
	_, out := Evaluate(st, tk, p)
	if out == nil {
		t.Fatalf("expected a flat signal for opposing crossings")
	}
	if out.Direction != signal.Flat || out.Actionable() {
		t.Fatalf("expected non-actionable flat signal, got %+v", out)
	}
}

func TestEvaluateIgnoresStaleTicks(t *testing.T) {
	p := testParams()
	var st State
	ticks := series("BTC", time.Unix(0, 0), 100, 101, 102)
	for _, tk := range ticks {
		st, _ = Evaluate(st, tk, p)
	}
	before := st
	stale := ticks[1]
	after, out := Evaluate(st, stale, p)
	if out != nil || after != before {
		t.Fatalf("stale tick changed state or emitted a signal")
	}
	dup := ticks[2]
	if again, _ := Evaluate(st, dup, p); again != before {
		t.Fatalf("duplicate tick changed state")
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := testParams()
	prices := []float64{100, 101, 99, 103, 104, 102, 98, 97, 99, 105, 107, 110, 104, 101, 99, 96}
	run := func() []signal.Signal {
		var st State
		var out []signal.Signal
		for _, tk := range series("BTC", time.Unix(0, 0), prices...) {
			var s *signal.Signal
			st, s = Evaluate(st, tk, p)
			if s != nil {
				out = append(out, *s)
			}
		}
		return out
	}
	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs diverged: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("signal %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestVolatilityFilterSuppresses(t *testing.T) {
	p := testParams()
	p.MaxVolatility = 1e-6
	var st State
	for _, tk := range series("BTC", time.Unix(0, 0), rising(30, 100, 2)...) {
		var out *signal.Signal
		st, out = Evaluate(st, tk, p)
		if out.Actionable() {
			t.Fatalf("expected volatility filter to suppress %+v", out)
		}
	}
}

func TestGeneratorKeepsSymbolsIndependent(t *testing.T) {
	gen := NewGenerator("crossover", testParams())
	start := time.Unix(0, 0)
	up := series("BTC", start, rising(20, 100, 1)...)
	down := series("ETH", start, rising(20, 100, -1)...)

	var btc, eth *signal.Signal
	for i := range up {
		if s := gen.OnTick(up[i]); s != nil {
			btc = s
		}
		if s := gen.OnTick(down[i]); s != nil {
			eth = s
		}
	}
	if btc == nil || btc.Direction != signal.Long {
		t.Fatalf("expected BTC long, got %+v", btc)
	}
	if eth == nil || eth.Direction != signal.Short {
		t.Fatalf("expected ETH short, got %+v", eth)
	}

	if st, ok := gen.State("BTC"); !ok || st.Ind.Samples == 0 {
		t.Fatalf("expected BTC state to be tracked, got %+v", st)
	}
}

func TestBuildModes(t *testing.T) {
	params := config.Default().Strategy.Params
	cases := map[string][2]bool{
		"":         {true, true},
		"crossover": {true, true},
		"trend":    {true, false},
		"momentum": {false, true},
	}
	for mode, want := range cases {
		gen := Build(config.Strategy{Mode: mode, Params: params})
		got := gen.Params()
		if got.UseTrend != want[0] || got.UseMomentum != want[1] {
			t.Fatalf("mode %q: unexpected params %+v", mode, got)
		}
	}
}

func TestGeneratorUnlocksAfterPanic(t *testing.T) {
	gen := NewGenerator("crossover", testParams())
	gen.eval = func(State, signal.Tick, Params) (State, *signal.Signal) { panic("bad tick") }
	func() {
		defer func() { _ = recover() }()
		gen.OnTick(signal.Tick{Symbol: "BAD", Price: 1, Ts: time.Unix(1, 0)})
	}()

	gen.eval = Evaluate
	done := make(chan struct{})
	go func() {
		gen.OnTick(signal.Tick{Symbol: "BTC", Price: 100, Ts: time.Unix(2, 0)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("generator stayed locked after a panicking evaluation")
	}
}
