package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bandbot-go/internal/signal"
)

// maxPollFailures consecutive failed polls mark the REST feed unavailable.
const maxPollFailures = 3

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (f *Feed) runREST(ctx context.Context, out chan<- signal.Tick) error {
	client := &http.Client{Timeout: 10 * time.Second}
	failures := 0
	poll := func() error {
		err := f.pollREST(ctx, client, out)
		if err == nil {
			failures = 0
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		f.log.Warn().Err(err).Int("failures", failures).Msg("ticker poll failed")
		if failures >= maxPollFailures {
			return fmt.Errorf("%w: rest: %v", ErrFeedUnavailable, err)
		}
		return nil
	}

	if err := poll(); err != nil {
		return err
	}
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) pollREST(ctx context.Context, client *http.Client, out chan<- signal.Tick) error {
	for _, sym := range f.snapshotSymbols() {
		tick, err := f.fetchTicker(ctx, client, sym)
		if err != nil {
			return err
		}
		if err := f.emit(ctx, out, tick); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) fetchTicker(ctx context.Context, client *http.Client, symbol string) (signal.Tick, error) {
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return signal.Tick{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bandbot-go/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return signal.Tick{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return signal.Tick{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var payload tickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return signal.Tick{}, fmt.Errorf("decode ticker: %w", err)
	}
	px, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil || px <= 0 {
		return signal.Tick{}, fmt.Errorf("invalid price %q for %s", payload.Price, symbol)
	}
	return signal.Tick{Symbol: symbol, Price: px, Ts: time.Now().UTC()}, nil
}
