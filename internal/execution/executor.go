package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bandbot-go/internal/metrics"
	"bandbot-go/internal/risk"
	"bandbot-go/internal/signal"
)

// Options tunes submission retries and id generation.
type Options struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Deterministic derives order ids from Seed instead of random UUIDs.
	Deterministic bool
	Seed          int64
}

// Executor owns orders and positions for one run. Mutating calls hold the
// executor lock for their whole duration, venue round trips included.
type Executor struct {
	venue Venue
	opts  Options
	log   zerolog.Logger
	sleep func(context.Context, time.Duration) error

	mu      sync.Mutex
	seq     uint64
	books   map[string]*book
	working []*Order
	marks   map[string]float64
	lastTs  map[string]time.Time
}

// NewExecutor wires a venue with retry policy and logger.
func NewExecutor(venue Venue, opts Options, log zerolog.Logger) *Executor {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	return &Executor{
		venue:  venue,
		opts:   opts,
		log:    log,
		sleep:  sleepCtx,
		books:  make(map[string]*book),
		marks:  make(map[string]float64),
		lastTs: make(map[string]time.Time),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) nextID() string {
	e.seq++
	if e.opts.Deterministic {
		name := fmt.Sprintf("%d/%d", e.opts.Seed, e.seq)
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
	}
	return uuid.NewString()
}

// Open places the entry order for an approved signal.
func (e *Executor) Open(ctx context.Context, ap risk.Approval) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.books[ap.Symbol]; ok {
		return Order{}, fmt.Errorf("open %s: position already open", ap.Symbol)
	}
	if e.workingFor(ap.Symbol, Open) != nil {
		return Order{}, fmt.Errorf("open %s: entry order already working", ap.Symbol)
	}
	ts := ap.Ts
	if ts.IsZero() {
		ts = e.lastTs[ap.Symbol]
	}
	o := &Order{
		ID:         e.nextID(),
		Symbol:     ap.Symbol,
		Side:       SideFor(ap.Direction),
		Qty:        ap.Qty,
		RefPrice:   ap.Price,
		Intent:     Open,
		Reason:     fmt.Sprintf("%s strength=%.3f", ap.Direction, ap.Strength),
		StopLoss:   ap.StopLoss,
		TakeProfit: ap.TakeProfit,
		Status:     Pending,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if _, err := e.place(ctx, o); err != nil {
		return *o, err
	}
	return *o, nil
}

// Close flattens the position in symbol. Any working entry order is cancelled first.
func (e *Executor) Close(ctx context.Context, symbol, reason string) ([]TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.close(ctx, symbol, reason)
}

func (e *Executor) close(ctx context.Context, symbol, reason string) ([]TradeRecord, error) {
	var records []TradeRecord
	if entry := e.workingFor(symbol, Open); entry != nil {
		recs, err := e.cancel(ctx, entry)
		records = append(records, recs...)
		if err != nil {
			return records, err
		}
		e.prune()
	}
	b, ok := e.books[symbol]
	if !ok || b.pos.Size <= 0 {
		return records, nil
	}
	if b.closingID != "" {
		return records, nil
	}
	ts := e.lastTs[symbol]
	o := &Order{
		ID:        e.nextID(),
		Symbol:    symbol,
		Side:      SideFor(b.pos.Direction.Opposite()),
		Qty:       b.pos.Size,
		RefPrice:  e.marks[symbol],
		Intent:    Close,
		Reason:    reason,
		Status:    Pending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	b.closingID = o.ID
	b.lastReason = reason
	recs, err := e.place(ctx, o)
	records = append(records, recs...)
	return records, err
}

// place submits o with retries and books its first report.
func (e *Executor) place(ctx context.Context, o *Order) ([]TradeRecord, error) {
	metrics.OrdersTotal.WithLabelValues(o.Symbol, string(o.Side)).Inc()
	rep, err := e.submit(ctx, *o)
	if err != nil {
		o.Status = Rejected
		o.Reason = err.Error()
		e.release(o)
		return nil, fmt.Errorf("submit %s %s: %w", o.Side, o.Symbol, err)
	}
	e.log.Info().
		Str("id", o.ID).
		Str("sym", o.Symbol).
		Str("side", string(o.Side)).
		Str("intent", string(o.Intent)).
		Float64("qty", o.Qty).
		Float64("ref_px", o.RefPrice).
		Str("status", string(rep.Status)).
		Msg("order submitted")
	e.working = append(e.working, o)
	recs, err := e.handle(o, rep)
	e.prune()
	return recs, err
}

func (e *Executor) submit(ctx context.Context, o Order) (Report, error) {
	backoff := e.opts.BaseBackoff
	for attempt := 0; ; attempt++ {
		rep, err := e.venue.Submit(ctx, o)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, ErrTransient) || attempt >= e.opts.MaxRetries {
			return Report{}, err
		}
		metrics.OrderRetries.Inc()
		e.log.Warn().Err(err).Str("sym", o.Symbol).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("transient submit failure, retrying")
		if err := e.sleep(ctx, backoff); err != nil {
			return Report{}, err
		}
		backoff *= 2
		if backoff > e.opts.MaxBackoff {
			backoff = e.opts.MaxBackoff
		}
	}
}

// handle applies a report and books any resulting fill.
func (e *Executor) handle(o *Order, rep Report) ([]TradeRecord, error) {
	fill, err := o.apply(rep)
	if err != nil {
		return nil, err
	}
	var records []TradeRecord
	if fill != nil {
		if rec := e.book(o, *fill); rec != nil {
			records = append(records, *rec)
		}
	}
	if o.Status.Terminal() {
		if o.Status == Rejected {
			e.log.Warn().Str("id", o.ID).Str("sym", o.Symbol).Str("reason", o.Reason).Msg("order rejected")
		}
		e.release(o)
	}
	return records, nil
}

func (e *Executor) book(o *Order, f Fill) *TradeRecord {
	switch o.Intent {
	case Open:
		b, ok := e.books[o.Symbol]
		if !ok {
			dir := signal.Long
			if o.Side == Sell {
				dir = signal.Short
			}
			b = &book{pos: Position{
				Symbol:     o.Symbol,
				Direction:  dir,
				OpenedAt:   f.Ts,
				StopLoss:   o.StopLoss,
				TakeProfit: o.TakeProfit,
			}}
			e.books[o.Symbol] = b
		}
		b.addEntry(f.Qty, f.Price)
		e.log.Info().Str("sym", o.Symbol).Float64("qty", f.Qty).Float64("px", f.Price).Float64("size", b.pos.Size).Msg("entry filled")
	case Close:
		b, ok := e.books[o.Symbol]
		if !ok {
			e.log.Warn().Str("id", o.ID).Str("sym", o.Symbol).Msg("exit fill without position")
			return nil
		}
		b.reduce(f.Qty, f.Price)
		if b.pos.Size > 0 {
			e.log.Info().Str("sym", o.Symbol).Float64("qty", f.Qty).Float64("remaining", b.pos.Size).Msg("partial exit")
			return nil
		}
		rec := b.record(f.Ts, o.Reason)
		delete(e.books, o.Symbol)
		metrics.TradesClosed.WithLabelValues(rec.ExitReason).Inc()
		e.log.Info().
			Str("sym", o.Symbol).
			Str("reason", rec.ExitReason).
			Float64("entry", rec.Position.EntryPrice).
			Float64("exit", rec.ExitPrice).
			Float64("pnl", rec.RealizedPnL).
			Msg("position closed")
		return &rec
	}
	return nil
}

// release clears the closing marker once a close order can no longer fill.
func (e *Executor) release(o *Order) {
	if o.Intent != Close {
		return
	}
	if b, ok := e.books[o.Symbol]; ok && b.closingID == o.ID {
		b.closingID = ""
	}
}

func (e *Executor) prune() {
	kept := e.working[:0]
	for _, o := range e.working {
		if !o.Status.Terminal() {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(e.working); i++ {
		e.working[i] = nil
	}
	e.working = kept
}

func (e *Executor) workingFor(symbol string, intent Intent) *Order {
	for _, o := range e.working {
		if o.Symbol == symbol && o.Intent == intent && !o.Status.Terminal() {
			return o
		}
	}
	return nil
}

// OnTick marks positions, advances working orders for the tick's symbol and
// enforces stop-loss and take-profit.
func (e *Executor) OnTick(ctx context.Context, tk signal.Tick) ([]TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tk.Price > 0 {
		e.marks[tk.Symbol] = tk.Price
	}
	if tk.Ts.After(e.lastTs[tk.Symbol]) {
		e.lastTs[tk.Symbol] = tk.Ts
	}

	var records []TradeRecord
	for _, o := range append([]*Order(nil), e.working...) {
		if o.Symbol != tk.Symbol || o.Status.Terminal() {
			continue
		}
		rep, err := e.venue.Sync(ctx, *o, tk)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				e.log.Warn().Err(err).Str("id", o.ID).Msg("order sync failed")
				continue
			}
			return records, fmt.Errorf("sync %s: %w", o.ID, err)
		}
		recs, err := e.handle(o, rep)
		records = append(records, recs...)
		if err != nil {
			return records, err
		}
	}
	e.prune()

	b, ok := e.books[tk.Symbol]
	if !ok || b.closingID != "" || tk.Price <= 0 {
		return records, nil
	}
	if reason, hit := b.pos.ProtectionHit(tk.Price); hit {
		recs, err := e.close(ctx, tk.Symbol, reason)
		records = append(records, recs...)
		if err != nil {
			return records, err
		}
	}
	return records, nil
}

// CancelAll withdraws every working order. Orders the venue neither cancels nor
// reports as settled are marked cancelled locally and their errors joined. Calling it again is a no-op.
func (e *Executor) CancelAll(ctx context.Context) ([]TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		records []TradeRecord
		errs    []error
	)
	for _, o := range append([]*Order(nil), e.working...) {
		recs, err := e.cancel(ctx, o)
		records = append(records, recs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.prune()
	return records, errors.Join(errs...)
}

func (e *Executor) cancel(ctx context.Context, o *Order) ([]TradeRecord, error) {
	if o.Status.Terminal() {
		return nil, nil
	}
	rep, err := e.venue.Cancel(ctx, *o)
	if err != nil {
		// a refused cancel may mean the order already settled
		if synced, serr := e.venue.Sync(ctx, *o, signal.Tick{Symbol: o.Symbol}); serr == nil && synced.Status.Terminal() {
			e.log.Warn().Err(err).Str("id", o.ID).Str("status", string(synced.Status)).Msg("cancel refused, applying venue state")
			rep, err = synced, nil
		}
	}
	if err == nil {
		var recs []TradeRecord
		recs, err = e.handle(o, rep)
		if err == nil {
			e.log.Info().Str("id", o.ID).Str("sym", o.Symbol).Str("status", string(o.Status)).Msg("order cancelled")
			return recs, nil
		}
	}
	e.log.Error().Err(err).Str("id", o.ID).Str("sym", o.Symbol).Msg("cancel failed, marking cancelled locally")
	o.Status = Cancelled
	e.release(o)
	return nil, fmt.Errorf("cancel %s: %w", o.ID, err)
}

// Positions returns open positions ordered by symbol.
func (e *Executor) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.books))
	for _, b := range e.books {
		out = append(out, b.pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the open position in symbol, if any.
func (e *Executor) Position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return Position{}, false
	}
	return b.pos, true
}

// Working returns copies of non-terminal orders.
func (e *Executor) Working() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.working))
	for _, o := range e.working {
		out = append(out, *o)
	}
	return out
}

// Marks returns the last traded price per symbol.
func (e *Executor) Marks() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.marks))
	for k, v := range e.marks {
		out[k] = v
	}
	return out
}

// OpenPnL is the unrealized PnL of open positions plus profit already
// realized by their partial exits.
func (e *Executor) OpenPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total float64
	for sym, b := range e.books {
		total += b.realized + b.pos.Unrealized(e.marks[sym])
	}
	return total
}

// Book reports open positions and working entry orders as risk exposure.
func (e *Executor) Book() risk.Book {
	e.mu.Lock()
	defer e.mu.Unlock()

	bySymbol := make(map[string]*risk.Exposure)
	for sym, b := range e.books {
		bySymbol[sym] = &risk.Exposure{Symbol: sym, Direction: b.pos.Direction, Notional: b.pos.Notional(e.marks[sym])}
	}
	for _, o := range e.working {
		if o.Intent != Open {
			continue
		}
		notional := o.Remaining() * o.RefPrice
		if exp, ok := bySymbol[o.Symbol]; ok {
			exp.Notional += notional
			continue
		}
		dir := signal.Long
		if o.Side == Sell {
			dir = signal.Short
		}
		bySymbol[o.Symbol] = &risk.Exposure{Symbol: o.Symbol, Direction: dir, Notional: notional}
	}
	out := make(risk.Book, 0, len(bySymbol))
	for _, exp := range bySymbol {
		out = append(out, *exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
