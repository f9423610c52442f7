package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/api"
	"github.com/contribu/bitflyer-data-server/internal/backfill"
	"github.com/contribu/bitflyer-data-server/internal/exchange"
	"github.com/contribu/bitflyer-data-server/internal/ingest"
	"github.com/contribu/bitflyer-data-server/internal/relay"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

const symbol = "FX_BTC_JPY"

type wireExecution struct {
	ID       int64   `json:"id"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	ExecDate string  `json:"exec_date"`
}

func bitflyerDate(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05.000")
}

func executionsBetween(lo, hi int64, ts time.Time) []wireExecution {
	out := make([]wireExecution, 0, hi-lo)
	for id := hi - 1; id >= lo; id-- {
		out = append(out, wireExecution{ID: id, Side: "BUY", Price: 5000000, Size: 0.01, ExecDate: bitflyerDate(ts)})
	}
	return out
}

// fakeBitflyer serves the realtime channel and the history endpoint from one test server.
func fakeBitflyer(t *testing.T, now time.Time) *httptest.Server {
	t.Helper()
	pages := map[string][]wireExecution{
		"500": executionsBetween(400, 500, now.Add(-30*time.Minute)),
		"400": executionsBetween(300, 400, now.Add(-90*time.Minute)),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/json-rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req struct {
			Method string `json:"method"`
			Params struct {
				Channel string `json:"channel"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil || req.Params.Channel != "lightning_executions_"+symbol {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "channelMessage",
			"params": map[string]any{
				"channel": req.Params.Channel,
				"message": []wireExecution{{ID: 500, Side: "SELL", Price: 5000100, Size: 0.5, ExecDate: bitflyerDate(now)}},
			},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("product_code") != symbol {
			http.Error(w, "bad product", http.StatusBadRequest)
			return
		}
		page := pages[r.URL.Query().Get("before")]
		if page == nil {
			page = []wireExecution{}
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	return httptest.NewServer(mux)
}

// syncLauncher runs the crawl like Crawler.Launch but reports when it finishes.
type syncLauncher struct {
	crawler *backfill.Crawler
	done    chan error
}

func (l syncLauncher) Launch(ctx context.Context, symbol string, before int64) {
	go func() { l.done <- l.crawler.Backfill(ctx, symbol, before) }()
}

func TestLiveFeedTriggersBackfillToRetentionWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	bf := fakeBitflyer(t, now)
	defer bf.Close()

	mr := miniredis.RunT(t)
	pub, err := relay.Dial(ctx, mr.Addr(), "")
	if err != nil {
		t.Fatalf("relay dial: %v", err)
	}
	defer pub.Close()
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, pub.Channel(symbol))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	st := store.New([]string{symbol}, store.WithRetention(time.Hour))
	crawler := backfill.New(exchange.NewHistory(bf.URL, bf.Client()), st, zerolog.Nop(), backfill.WithDelay(0))
	launcher := syncLauncher{crawler: crawler, done: make(chan error, 1)}
	ingester := ingest.New(st, launcher, zerolog.Nop(), ingest.WithPublisher(pub))
	feed := exchange.NewFeed([]string{symbol}, zerolog.Nop(),
		exchange.WithURL("ws"+strings.TrimPrefix(bf.URL, "http")+"/json-rpc"))

	batches := make(chan exchange.Batch, 8)
	go func() { _ = feed.Run(ctx, batches) }()
	go func() { _ = ingester.Run(ctx, batches) }()

	select {
	case msg := <-ps.Channel():
		if !strings.Contains(msg.Payload, `"id":500`) {
			t.Fatalf("unexpected relay payload %s", msg.Payload)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for relay message")
	}

	select {
	case err := <-launcher.done:
		if err != nil {
			t.Fatalf("backfill returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for backfill")
	}

	handler := api.NewHandler(st, symbol, zerolog.Nop()).InitRoutes()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions?symbol="+symbol, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body struct {
		ID []int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.ID) != 101 {
		t.Fatalf("expected ids 400..500, got %s", summarize(body.ID))
	}
	for i, id := range body.ID {
		if id != int64(400+i) {
			t.Fatalf("expected contiguous ids 400..500, got %d at %d", id, i)
		}
	}
}

func summarize(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	return fmt.Sprintf("%d ids from %s to %s", len(ids), strconv.FormatInt(ids[0], 10), strconv.FormatInt(ids[len(ids)-1], 10))
}
