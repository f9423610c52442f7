package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/contribu/bitflyer-data-server/internal/execution"
)

// History fetches pages of past executions from the public HTTP API.
type History struct {
	baseURL string
	client  *http.Client
}

// NewHistory builds a client against baseURL. A nil client gets a 10s timeout default.
func NewHistory(baseURL string, client *http.Client) *History {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &History{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Executions returns up to count executions for symbol with ids strictly below before,
// newest first. A zero before requests the most recent page.
func (h *History) Executions(ctx context.Context, symbol string, count int, before int64) ([]execution.Raw, error) {
	query := url.Values{}
	query.Set("product_code", symbol)
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	if before > 0 {
		query.Set("before", strconv.FormatInt(before, 10))
	}
	endpoint := fmt.Sprintf("%s/v1/executions?%s", h.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "bitflyer-data-server/1.0 (backfill)")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var page []execution.Raw
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return page, nil
}
