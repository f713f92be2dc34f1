package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bandbot-go/internal/signal"
)

// RESTConfig configures the signed REST venue.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
	RatePerSec float64
	Timeout    time.Duration
}

// RESTVenue places signed market orders against a Binance-compatible REST API.
type RESTVenue struct {
	cfg     RESTConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	sent map[string]struct{} // client ids submitted and not yet seen terminal
}

// Binance error codes the venue reconciles instead of trusting.
const (
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
)

// NewRESTVenue builds a venue; credentials are required by the caller beforehand.
func NewRESTVenue(cfg RESTConfig) *RESTVenue {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &RESTVenue{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		sent:    make(map[string]struct{}),
	}
}

type restOrder struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

type restError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Submit places a MARKET order keyed by the local order id. A repeated id means
// an earlier attempt failed in flight, so the venue is queried before resending.
func (v *RESTVenue) Submit(ctx context.Context, o Order) (Report, error) {
	if v.wasSent(o.ID) {
		rep, err := v.Sync(ctx, o, signal.Tick{})
		if err == nil {
			return rep, nil
		}
		if rej := rejection(err); rej == nil || rej.body.Code != codeNoSuchOrder {
			return Report{}, err
		}
	}
	v.markSent(o.ID)

	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(o.Qty, 'f', -1, 64))
	params.Set("newClientOrderId", o.ID)
	params.Set("newOrderRespType", "RESULT")
	rep, err := v.do(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		rej := rejection(err)
		if rej == nil {
			return Report{}, err
		}
		if rej.duplicate() {
			return v.Sync(ctx, o, signal.Tick{})
		}
		v.forget(o.ID)
		return Report{Status: Rejected, Ts: v.now(), Reason: rej.Error()}, nil
	}
	v.settle(o.ID, rep)
	return rep, nil
}

// Sync queries the order status; the tick is unused for a real venue.
func (v *RESTVenue) Sync(ctx context.Context, o Order, _ signal.Tick) (Report, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("origClientOrderId", o.ID)
	rep, err := v.do(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return Report{}, err
	}
	v.settle(o.ID, rep)
	return rep, nil
}

// Cancel withdraws the unfilled remainder. When the venue no longer knows the
// order as open it has already settled, and its final state is reported instead.
func (v *RESTVenue) Cancel(ctx context.Context, o Order) (Report, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("origClientOrderId", o.ID)
	rep, err := v.do(ctx, http.MethodDelete, "/api/v3/order", params)
	if rej := rejection(err); rej != nil && rej.body.Code == codeCancelRejected {
		return v.Sync(ctx, o, signal.Tick{})
	}
	if err != nil {
		return Report{}, err
	}
	v.settle(o.ID, rep)
	return rep, nil
}

func (v *RESTVenue) wasSent(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.sent[id]
	return ok
}

func (v *RESTVenue) markSent(id string) {
	v.mu.Lock()
	v.sent[id] = struct{}{}
	v.mu.Unlock()
}

func (v *RESTVenue) forget(id string) {
	v.mu.Lock()
	delete(v.sent, id)
	v.mu.Unlock()
}

func (v *RESTVenue) settle(id string, rep Report) {
	if rep.Status.Terminal() {
		v.forget(id)
	}
}

type venueRejection struct {
	status int
	body   restError
}

func (r *venueRejection) Error() string {
	return fmt.Sprintf("venue rejected (%d): %d %s", r.status, r.body.Code, r.body.Msg)
}

func (r *venueRejection) duplicate() bool {
	return r.body.Code == codeNewOrderRejected && strings.Contains(strings.ToLower(r.body.Msg), "duplicate")
}

func rejection(err error) *venueRejection {
	var rej *venueRejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

func (v *RESTVenue) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(v.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(v.cfg.RecvWindow.Milliseconds(), 10))
	payload := params.Encode()
	mac := hmac.New(sha256.New, []byte(v.cfg.APISecret))
	mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (v *RESTVenue) do(ctx context.Context, method, path string, params url.Values) (Report, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return Report{}, fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}
	query := v.sign(params)
	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return Report{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", v.cfg.APIKey)
	req.Header.Set("User-Agent", "bandbot-go/1.0")

	resp, err := v.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		return Report{}, fmt.Errorf("%w: http do: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusTeapot, resp.StatusCode >= 500:
		return Report{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Report{}, fmt.Errorf("%w: status %d: %s", ErrFatal, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		var apiErr restError
		_ = json.Unmarshal(body, &apiErr)
		// -2014/-2015: bad api key format / invalid key, ip or permissions
		if apiErr.Code == -2014 || apiErr.Code == -2015 {
			return Report{}, fmt.Errorf("%w: %d %s", ErrFatal, apiErr.Code, apiErr.Msg)
		}
		return Report{}, &venueRejection{status: resp.StatusCode, body: apiErr}
	}

	var payload restOrder
	if err := json.Unmarshal(body, &payload); err != nil {
		return Report{}, fmt.Errorf("decode order: %w", err)
	}
	return payload.report(), nil
}

func (r restOrder) report() Report {
	filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
	avg := 0.0
	if filled > 0 {
		avg = quote / filled
	}
	ts := r.UpdateTime
	if ts == 0 {
		ts = r.TransactTime
	}
	rep := Report{
		VenueID:   strconv.FormatInt(r.OrderID, 10),
		FilledQty: filled,
		AvgPrice:  avg,
		Ts:        time.UnixMilli(ts).UTC(),
	}
	switch strings.ToUpper(r.Status) {
	case "NEW", "PENDING_NEW":
		rep.Status = Pending
	case "PARTIALLY_FILLED":
		rep.Status = PartiallyFilled
	case "FILLED":
		rep.Status = Filled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "PENDING_CANCEL":
		rep.Status = Cancelled
	default:
		rep.Status = Rejected
		rep.Reason = "venue status " + r.Status
	}
	return rep
}
