package main

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/contribu/bitflyer-data-server/internal/config"
)

func TestSplitSymbols(t *testing.T) {
	got := splitSymbols(" fx_btc_jpy, BTC_JPY ,,eth_jpy\n")
	want := []string{"FX_BTC_JPY", "BTC_JPY", "ETH_JPY"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitSymbols = %v, want %v", got, want)
	}
}

func TestPromptFloat(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\n12.5\nabc\n"))
	if got := promptFloat(reader, "x", 3); got != 3 {
		t.Fatalf("blank input should keep current, got %v", got)
	}
	if got := promptFloat(reader, "x", 3); got != 12.5 {
		t.Fatalf("expected 12.5, got %v", got)
	}
	if got := promptFloat(reader, "x", 3); got != 3 {
		t.Fatalf("invalid input should keep current, got %v", got)
	}
}

func TestEditKnobs(t *testing.T) {
	cfg := config.Default()
	reader := bufio.NewReader(strings.NewReader("2\n\n500\n\n120\n"))
	editKnobs(reader, cfg)
	if cfg.Retention.Hours != 2 || cfg.Backfill.PageSize != 500 || cfg.Watchdog.StaleThresholdSec != 120 {
		t.Fatalf("unexpected knobs %+v %+v %+v", cfg.Retention, cfg.Backfill, cfg.Watchdog)
	}
	if cfg.Retention.PruneFactor != 1.1 || cfg.Backfill.PageDelayMs != 2000 {
		t.Fatalf("blank answers should keep defaults")
	}
}

func TestHealthURL(t *testing.T) {
	if got := healthURL(":50001"); got != "http://localhost:50001/healthz" {
		t.Fatalf("unexpected url %s", got)
	}
	if got := healthURL("10.0.0.5:8080"); got != "http://10.0.0.5:8080/healthz" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestPrintHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	if err := printHealth(&buf, server.URL); err != nil {
		t.Fatalf("printHealth returned error: %v", err)
	}
	if buf.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected output %s", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, config.Default())
	if !strings.Contains(buf.String(), "FX_BTC_JPY, BTC_JPY") || !strings.Contains(buf.String(), "Retention: 24h0m0s") {
		t.Fatalf("unexpected summary %s", buf.String())
	}
}
