package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Market is one listed product. Alias is set for rolling futures such as BTCJPY_MAT3M.
type Market struct {
	ProductCode string `json:"product_code"`
	MarketType  string `json:"market_type"`
	Alias       string `json:"alias,omitempty"`
}

// Markets lists every product the exchange currently serves.
func (h *History) Markets(ctx context.Context) ([]Market, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/getmarkets", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "bitflyer-data-server/1.0 (markets)")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var markets []Market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return markets, nil
}

// ResolveSymbols maps configured symbols onto listed product codes. Aliases resolve to the
// product they currently point at; symbols matching nothing are returned in unknown.
func ResolveSymbols(configured []string, markets []Market) (resolved, unknown []string) {
	byCode := make(map[string]string, len(markets)*2)
	for _, m := range markets {
		code := sanitizeSymbol(m.ProductCode)
		if code == "" {
			continue
		}
		byCode[code] = m.ProductCode
		if alias := sanitizeSymbol(m.Alias); alias != "" {
			byCode[alias] = m.ProductCode
		}
	}

	seen := make(map[string]struct{}, len(configured))
	for _, sym := range configured {
		key := sanitizeSymbol(sym)
		if key == "" {
			continue
		}
		code, ok := byCode[key]
		if !ok {
			unknown = append(unknown, sym)
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		resolved = append(resolved, code)
	}
	sort.Strings(resolved)
	return resolved, unknown
}

// sanitizeSymbol upper-cases and keeps only the characters product codes are built from.
func sanitizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range symbol {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
