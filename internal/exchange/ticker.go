package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTickerInterval keeps polling within 450 requests per 5 minutes.
const DefaultTickerInterval = 5 * time.Minute / 450

// Ticker polls the getticker endpoint and keeps the latest payload for serving.
type Ticker struct {
	baseURL     string
	productCode string
	interval    time.Duration
	client      *http.Client
	log         zerolog.Logger

	mu        sync.RWMutex
	latest    json.RawMessage
	updatedAt time.Time
}

// NewTicker constructs a poller for productCode.
func NewTicker(baseURL, productCode string, interval time.Duration, log zerolog.Logger) *Ticker {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	if interval <= 0 {
		interval = DefaultTickerInterval
	}
	return &Ticker{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		productCode: productCode,
		interval:    interval,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

// ProductCode returns the polled product.
func (t *Ticker) ProductCode() string { return t.productCode }

// Run polls until the context is canceled. Individual poll failures are logged and skipped.
func (t *Ticker) Run(ctx context.Context) error {
	if err := t.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn().Err(err).Msg("initial ticker poll failed")
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.log.Warn().Err(err).Msg("ticker poll failed")
			}
		}
	}
}

// Poll fetches the ticker once and replaces the stored payload on success.
func (t *Ticker) Poll(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/getticker?product_code=%s", t.baseURL, url.QueryEscape(t.productCode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "bitflyer-data-server/1.0 (ticker)")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return fmt.Errorf("decode response: invalid json")
	}

	t.mu.Lock()
	t.latest = json.RawMessage(body)
	t.updatedAt = time.Now().UTC()
	t.mu.Unlock()
	return nil
}

// Latest returns the last payload and when it was fetched. ok is false before the first
// successful poll.
func (t *Ticker) Latest() (payload json.RawMessage, updatedAt time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.latest == nil {
		return nil, time.Time{}, false
	}
	return t.latest, t.updatedAt, true
}
