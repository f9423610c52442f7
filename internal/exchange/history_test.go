package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHistoryExecutionsBuildsQuery(t *testing.T) {
	var gotPath, gotProduct, gotCount, gotBefore string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		q := r.URL.Query()
		gotProduct, gotCount, gotBefore = q.Get("product_code"), q.Get("count"), q.Get("before")
		_, _ = w.Write([]byte(`[{"id":499,"side":"SELL","price":5000000,"size":0.5,"exec_date":"2024-03-01T11:30:00"},{"id":498,"side":"BUY","price":4999999,"size":0.1,"exec_date":"2024-03-01T11:29:59"}]`))
	}))
	defer server.Close()

	history := NewHistory(server.URL+"/", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	page, err := history.Executions(ctx, "FX_BTC_JPY", 1000, 500)
	if err != nil {
		t.Fatalf("Executions returned error: %v", err)
	}
	if gotPath != "/v1/executions" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotProduct != "FX_BTC_JPY" || gotCount != "1000" || gotBefore != "500" {
		t.Fatalf("unexpected query product=%s count=%s before=%s", gotProduct, gotCount, gotBefore)
	}
	if len(page) != 2 || page[0].ID != 499 || page[1].ID != 498 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHistoryExecutionsOmitsZeroCursor(t *testing.T) {
	hasBefore := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasBefore = r.URL.Query()["before"]
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	page, err := NewHistory(server.URL, server.Client()).Executions(context.Background(), "BTC_JPY", 10, 0)
	if err != nil {
		t.Fatalf("Executions returned error: %v", err)
	}
	if hasBefore {
		t.Fatalf("before should be omitted for a zero cursor")
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page, got %d", len(page))
	}
}

func TestHistoryExecutionsErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		},
		"json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":-1}`))
		},
	}
	for name, handler := range cases {
		server := httptest.NewServer(handler)
		_, err := NewHistory(server.URL, server.Client()).Executions(context.Background(), "BTC_JPY", 10, 5)
		server.Close()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
