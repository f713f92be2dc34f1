package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/risk"
	"bandbot-go/internal/signal"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func tick(symbol string, i int, px float64) signal.Tick {
	return signal.Tick{Symbol: symbol, Price: px, Size: 1, Ts: t0.Add(time.Duration(i) * time.Second)}
}

func approval(symbol string, dir signal.Direction, qty, px float64, ts time.Time) risk.Approval {
	sl, tp := risk.Protection(dir, px, 0.02, 0.04)
	return risk.Approval{Symbol: symbol, Direction: dir, Qty: qty, Price: px, Notional: qty * px, StopLoss: sl, TakeProfit: tp, Strength: 1, Ts: ts}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{Pending, Filled}, {Pending, PartiallyFilled}, {Pending, Rejected}, {Pending, Cancelled},
		{PartiallyFilled, Filled}, {PartiallyFilled, Cancelled},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s legal", tr[0], tr[1])
		}
	}
	illegal := [][2]Status{
		{Filled, Pending}, {Filled, Cancelled}, {Cancelled, Filled}, {Rejected, Pending}, {PartiallyFilled, Pending}, {PartiallyFilled, Rejected},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s illegal", tr[0], tr[1])
		}
	}
}

func TestApplyIncrementalFills(t *testing.T) {
	o := &Order{ID: "a", Symbol: "BTC", Side: Buy, Qty: 2, Status: Pending}
	fill, err := o.apply(Report{Status: PartiallyFilled, FilledQty: 1, AvgPrice: 100, Ts: t0})
	if err != nil || fill == nil || fill.Qty != 1 || fill.Price != 100 {
		t.Fatalf("unexpected first fill %+v err=%v", fill, err)
	}
	fill, err = o.apply(Report{Status: Filled, FilledQty: 2, AvgPrice: 101, Ts: t0.Add(time.Second)})
	if err != nil || fill == nil {
		t.Fatalf("unexpected second fill err=%v", err)
	}
	if math.Abs(fill.Qty-1) > 1e-9 || math.Abs(fill.Price-102) > 1e-9 {
		t.Fatalf("expected incremental fill 1@102, got %.4f@%.4f", fill.Qty, fill.Price)
	}
	if _, err := o.apply(Report{Status: Pending}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	over := &Order{ID: "b", Qty: 1, Status: Pending}
	if _, err := over.apply(Report{Status: Filled, FilledQty: 2, AvgPrice: 1}); err == nil {
		t.Fatalf("expected overfill error")
	}
}

func TestSimVenueFillsOnNextTickWithSlippage(t *testing.T) {
	v := NewSimVenue(SimConfig{SlippageBps: 10})
	ctx := context.Background()
	o := Order{ID: "x", Symbol: "BTC", Side: Buy, Qty: 1, Status: Pending, CreatedAt: t0}
	rep, err := v.Submit(ctx, o)
	if err != nil || rep.Status != Pending {
		t.Fatalf("expected pending ack, got %+v err=%v", rep, err)
	}
	o.VenueID = rep.VenueID

	rep, _ = v.Sync(ctx, o, tick("BTC", 0, 100))
	if rep.Status != Pending {
		t.Fatalf("must not fill on the submission tick, got %s", rep.Status)
	}
	rep, _ = v.Sync(ctx, o, tick("ETH", 1, 100))
	if rep.Status != Pending {
		t.Fatalf("must not fill on another symbol")
	}
	rep, _ = v.Sync(ctx, o, tick("BTC", 1, 100))
	if rep.Status != Filled || math.Abs(rep.AvgPrice-100.1) > 1e-9 {
		t.Fatalf("expected fill at 100.1, got %+v", rep)
	}

	sell := Order{ID: "y", Symbol: "BTC", Side: Sell, Qty: 1, Status: Pending, CreatedAt: t0}
	_, _ = v.Submit(ctx, sell)
	rep, _ = v.Sync(ctx, sell, tick("BTC", 1, 100))
	if math.Abs(rep.AvgPrice-99.9) > 1e-9 {
		t.Fatalf("expected sell fill at 99.9, got %.4f", rep.AvgPrice)
	}
}

func runPartials(seed int64) []Report {
	v := NewSimVenue(SimConfig{PartialFillProbability: 0.7, MaxPartialFills: 3, Seed: seed})
	ctx := context.Background()
	o := Order{ID: "p", Symbol: "BTC", Side: Buy, Qty: 8, Status: Pending, CreatedAt: t0}
	_, _ = v.Submit(ctx, o)
	var out []Report
	for i := 1; i < 10; i++ {
		rep, _ := v.Sync(ctx, o, tick("BTC", i, 100+float64(i)))
		if _, err := o.apply(rep); err != nil {
			panic(err)
		}
		out = append(out, rep)
		if o.Status.Terminal() {
			break
		}
	}
	return out
}

func TestSimVenueDeterministicPartials(t *testing.T) {
	a, b := runPartials(42), runPartials(42)
	if len(a) != len(b) {
		t.Fatalf("report count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("report %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	last := a[len(a)-1]
	if last.Status != Filled || math.Abs(last.FilledQty-8) > 1e-9 {
		t.Fatalf("expected order eventually filled, got %+v", last)
	}
}

func newExec(v Venue) *Executor {
	return NewExecutor(v, Options{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Deterministic: true, Seed: 1}, zerolog.Nop())
}

func TestExecutorLifecycleEmitsOneRecordOnClose(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	ex := NewExecutor(NewSimVenue(SimConfig{}), Options{Deterministic: true}, zerolog.New(&buf))

	if _, err := ex.OnTick(ctx, tick("BTC", 0, 100)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	o, err := ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0))
	if err != nil || o.Status != Pending {
		t.Fatalf("open: %+v err=%v", o, err)
	}
	if len(ex.Book()) != 1 {
		t.Fatalf("working entry must count as exposure")
	}
	if !strings.Contains(buf.String(), "BTC") {
		t.Fatalf("log does not contain symbol: %s", buf.String())
	}

	recs, _ := ex.OnTick(ctx, tick("BTC", 1, 101))
	if len(recs) != 0 {
		t.Fatalf("no record while position open")
	}
	pos, ok := ex.Position("BTC")
	if !ok || pos.Size != 1 || pos.EntryPrice != 101 {
		t.Fatalf("expected position 1@101, got %+v ok=%v", pos, ok)
	}

	recs, err = ex.Close(ctx, "BTC", ExitSignalReversal)
	if err != nil || len(recs) != 0 {
		t.Fatalf("close must wait for the next tick: recs=%d err=%v", len(recs), err)
	}
	recs, err = ex.OnTick(ctx, tick("BTC", 2, 103))
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one record, got %d err=%v", len(recs), err)
	}
	rec := recs[0]
	if rec.ExitReason != ExitSignalReversal || math.Abs(rec.RealizedPnL-2) > 1e-9 || rec.Duration != time.Second {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(ex.Positions()) != 0 || len(ex.Working()) != 0 {
		t.Fatalf("expected flat executor")
	}
}

func TestExecutorStopLossAndTakeProfit(t *testing.T) {
	ctx := context.Background()
	ex := newExec(NewSimVenue(SimConfig{}))
	_, _ = ex.OnTick(ctx, tick("BTC", 0, 100))
	_, _ = ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0))
	_, _ = ex.OnTick(ctx, tick("BTC", 1, 100))

	_, _ = ex.OnTick(ctx, tick("BTC", 2, 97)) // through 98 stop
	recs, _ := ex.OnTick(ctx, tick("BTC", 3, 97))
	if len(recs) != 1 || recs[0].ExitReason != ExitStopLoss || recs[0].RealizedPnL >= 0 {
		t.Fatalf("expected losing stop_loss record, got %+v", recs)
	}

	_, _ = ex.Open(ctx, approval("ETH", signal.Short, 2, 50, t0.Add(3*time.Second)))
	_, _ = ex.OnTick(ctx, tick("ETH", 4, 50))
	_, _ = ex.OnTick(ctx, tick("ETH", 5, 47)) // below 48 take-profit
	recs, _ = ex.OnTick(ctx, tick("ETH", 6, 47))
	if len(recs) != 1 || recs[0].ExitReason != ExitTakeProfit || recs[0].RealizedPnL <= 0 {
		t.Fatalf("expected winning take_profit record, got %+v", recs)
	}
}

func TestExecutorPartialExitsProduceSingleRecord(t *testing.T) {
	ctx := context.Background()
	ex := newExec(NewSimVenue(SimConfig{PartialFillProbability: 1, MaxPartialFills: 2, Seed: 3}))
	_, _ = ex.OnTick(ctx, tick("BTC", 0, 100))
	_, _ = ex.Open(ctx, approval("BTC", signal.Long, 4, 100, t0))
	for i := 1; i <= 3; i++ {
		_, _ = ex.OnTick(ctx, tick("BTC", i, 100))
	}
	if pos, _ := ex.Position("BTC"); math.Abs(pos.Size-4) > 1e-9 {
		t.Fatalf("expected full entry after partials, got %.4f", pos.Size)
	}
	_, _ = ex.Close(ctx, "BTC", ExitManual)
	var records []TradeRecord
	for i := 4; i <= 6; i++ {
		recs, _ := ex.OnTick(ctx, tick("BTC", i, 110))
		records = append(records, recs...)
		if i < 6 && len(records) != 0 {
			t.Fatalf("record emitted before position fully closed at tick %d", i)
		}
	}
	if len(records) != 1 || records[0].Position.Size != 4 || math.Abs(records[0].RealizedPnL-40) > 1e-9 {
		t.Fatalf("expected single 4-unit record with pnl 40, got %+v", records)
	}
}

func TestExecutorCancelAllIdempotent(t *testing.T) {
	ctx := context.Background()
	ex := newExec(NewSimVenue(SimConfig{}))
	_, _ = ex.OnTick(ctx, tick("BTC", 0, 100))
	_, _ = ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0))
	_, _ = ex.Open(ctx, approval("ETH", signal.Long, 1, 10, t0))
	if len(ex.Working()) != 2 {
		t.Fatalf("expected two working orders")
	}
	if _, err := ex.CancelAll(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if _, err := ex.CancelAll(ctx); err != nil {
		t.Fatalf("second cancel all: %v", err)
	}
	if len(ex.Working()) != 0 || len(ex.Book()) != 0 {
		t.Fatalf("expected nothing working after cancel")
	}
}

type flakyVenue struct {
	*SimVenue
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyVenue) Submit(ctx context.Context, o Order) (Report, error) {
	if f.calls.Add(1) <= f.failures {
		return Report{}, f.err
	}
	return f.SimVenue.Submit(ctx, o)
}

func TestExecutorRetriesTransientSubmit(t *testing.T) {
	ctx := context.Background()
	v := &flakyVenue{SimVenue: NewSimVenue(SimConfig{}), failures: 2, err: ErrTransient}
	ex := newExec(v)
	if _, err := ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0)); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if v.calls.Load() != 3 {
		t.Fatalf("expected 3 submit attempts, got %d", v.calls.Load())
	}

	v = &flakyVenue{SimVenue: NewSimVenue(SimConfig{}), failures: 10, err: ErrTransient}
	ex = newExec(v)
	if _, err := ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0)); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
	if len(ex.Working()) != 0 {
		t.Fatalf("failed submission must not leave a working order")
	}

	v = &flakyVenue{SimVenue: NewSimVenue(SimConfig{}), failures: 10, err: ErrFatal}
	ex = newExec(v)
	if _, err := ex.Open(ctx, approval("BTC", signal.Long, 1, 100, t0)); !errors.Is(err, ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if v.calls.Load() != 1 {
		t.Fatalf("fatal errors must not be retried, got %d calls", v.calls.Load())
	}
}

func TestDeterministicOrderIDs(t *testing.T) {
	ids := func() []string {
		ex := newExec(NewSimVenue(SimConfig{}))
		a, _ := ex.Open(context.Background(), approval("BTC", signal.Long, 1, 100, t0))
		b, _ := ex.Open(context.Background(), approval("ETH", signal.Long, 1, 100, t0))
		return []string{a.ID, b.ID}
	}
	first, second := ids(), ids()
	if first[0] != second[0] || first[1] != second[1] || first[0] == first[1] {
		t.Fatalf("expected stable distinct ids, got %v and %v", first, second)
	}
}

func TestRESTVenueClassifiesErrors(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		if !strings.Contains(r.URL.RawQuery, "signature=") {
			t.Errorf("request not signed: %s", r.URL.RawQuery)
		}
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	v := NewRESTVenue(RESTConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	o := Order{ID: "c1", Symbol: "BTCUSDT", Side: Buy, Qty: 0.01}
	ctx := context.Background()

	cases := []struct {
		code    int
		body    string
		want    error
		status  Status
		filled  float64
		avgPrice float64
	}{
		{200, `{"orderId":7,"status":"FILLED","executedQty":"0.01","cummulativeQuoteQty":"500","transactTime":1700000000000}`, nil, Filled, 0.01, 50000},
		{200, `{"orderId":8,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`, nil, Pending, 0, 0},
		{429, `{}`, ErrTransient, "", 0, 0},
		{418, `{}`, ErrTransient, "", 0, 0},
		{503, `oops`, ErrTransient, "", 0, 0},
		{401, `{"code":-2015,"msg":"Invalid API-key"}`, ErrFatal, "", 0, 0},
		{400, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions"}`, ErrFatal, "", 0, 0},
		{400, `{"code":-2010,"msg":"insufficient balance"}`, nil, Rejected, 0, 0},
	}
	for i, tc := range cases {
		status.Store(int32(tc.code))
		body.Store(tc.body)
		o.ID = fmt.Sprintf("c%d", i)
		rep, err := v.Submit(ctx, o)
		if tc.want != nil {
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: expected %v, got %v", tc.code, tc.want, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("status %d: unexpected error %v", tc.code, err)
		}
		if rep.Status != tc.status || math.Abs(rep.FilledQty-tc.filled) > 1e-12 || math.Abs(rep.AvgPrice-tc.avgPrice) > 1e-6 {
			t.Fatalf("status %d: unexpected report %+v", tc.code, rep)
		}
	}
}

// restExchange answers like Binance for a single order id: the first POST never
// returns to the client, and the order is filled on the exchange regardless.
type restExchange struct {
	posts, gets, deletes atomic.Int32
	hangFirstPost        bool
	postBody             string
	cancelRefused        bool
}

func (x *restExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filled := `{"orderId":11,"clientOrderId":"` + r.URL.Query().Get("origClientOrderId") +
		`","status":"FILLED","executedQty":"0.01","cummulativeQuoteQty":"500","updateTime":1709251200000}`
	switch r.Method {
	case http.MethodPost:
		if x.posts.Add(1) == 1 && x.hangFirstPost {
			<-r.Context().Done()
			return
		}
		if x.hangFirstPost {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
			return
		}
		_, _ = w.Write([]byte(x.postBody))
	case http.MethodGet:
		x.gets.Add(1)
		_, _ = w.Write([]byte(filled))
	case http.MethodDelete:
		x.deletes.Add(1)
		if x.cancelRefused {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
			return
		}
		_, _ = w.Write([]byte(`{"orderId":11,"status":"CANCELED","executedQty":"0","cummulativeQuoteQty":"0"}`))
	}
}

func TestRESTSubmitTimeoutReconcilesFill(t *testing.T) {
	x := &restExchange{hangFirstPost: true}
	srv := httptest.NewServer(x)
	defer srv.Close()

	v := NewRESTVenue(RESTConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", Timeout: 100 * time.Millisecond})
	ex := NewExecutor(v, Options{MaxRetries: 3, BaseBackoff: time.Millisecond}, zerolog.Nop())
	if _, err := ex.Open(context.Background(), approval("BTCUSDT", signal.Long, 0.01, 50000, t0)); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, ok := ex.Position("BTCUSDT")
	if !ok || math.Abs(pos.Size-0.01) > 1e-12 || math.Abs(pos.EntryPrice-50000) > 1e-6 {
		t.Fatalf("fill executed on the exchange must be booked, got %+v (open=%v)", pos, ok)
	}
	if x.posts.Load() != 1 || x.gets.Load() == 0 {
		t.Fatalf("expected the retry to query instead of resending: posts=%d gets=%d", x.posts.Load(), x.gets.Load())
	}
	if len(ex.Working()) != 0 {
		t.Fatalf("filled order must not stay working")
	}
}

func TestRESTRefusedCancelAppliesVenueFill(t *testing.T) {
	x := &restExchange{
		postBody:      `{"orderId":11,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0","transactTime":1709251200000}`,
		cancelRefused: true,
	}
	srv := httptest.NewServer(x)
	defer srv.Close()

	v := NewRESTVenue(RESTConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	ex := NewExecutor(v, Options{MaxRetries: 1, BaseBackoff: time.Millisecond}, zerolog.Nop())
	ctx := context.Background()
	if _, err := ex.Open(ctx, approval("BTCUSDT", signal.Long, 0.01, 50000, t0)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(ex.Working()) != 1 {
		t.Fatalf("expected the entry to be working")
	}
	if _, err := ex.CancelAll(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if x.deletes.Load() != 1 {
		t.Fatalf("expected one cancel request, got %d", x.deletes.Load())
	}
	pos, ok := ex.Position("BTCUSDT")
	if !ok || math.Abs(pos.Size-0.01) > 1e-12 {
		t.Fatalf("fill reported after a refused cancel must be booked, got %+v (open=%v)", pos, ok)
	}
	if len(ex.Working()) != 0 {
		t.Fatalf("settled order must leave the working set")
	}
}
