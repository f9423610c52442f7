package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func raw(id int64, price, size, execDate string) execution.Raw {
	return execution.Raw{
		ID:       id,
		Price:    decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Size:     decimal.NewNullDecimal(decimal.RequireFromString(size)),
		ExecDate: execDate,
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New([]string{"FX_BTC_JPY", "BTC_JPY"}, store.WithClock(func() time.Time { return testNow }))
	_, err := st.Merge("FX_BTC_JPY", []execution.Raw{
		raw(100, "5000000.5", "0.01", "2024-03-01T11:59:59.9"),
		raw(9, "4999999", "0.1", "2024-03-01T11:59:58"),
		raw(10, "5000001", "1.25", "2024-03-01T11:59:59Z"),
		raw(9, "4999999", "0.1", "2024-03-01T11:59:58"),
	})
	require.NoError(t, err)
	return st
}

type stubTicker struct {
	payload json.RawMessage
}

func (s stubTicker) Latest() (json.RawMessage, time.Time, bool) {
	return s.payload, testNow, s.payload != nil
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGetExecutionsReturnsColumnsSortedByID(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/executions?symbol=FX_BTC_JPY")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID       []int64       `json:"id"`
		Price    []json.Number `json:"price"`
		Size     []json.Number `json:"size"`
		ExecDate []string      `json:"exec_date"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int64{9, 10, 100}, body.ID)
	assert.Equal(t, []json.Number{"4999999", "5000001", "5000000.5"}, body.Price)
	assert.Equal(t, []json.Number{"0.1", "1.25", "0.01"}, body.Size)
	assert.Equal(t, []string{"2024-03-01T11:59:58Z", "2024-03-01T11:59:59Z", "2024-03-01T11:59:59.9Z"}, body.ExecDate)
	assert.Contains(t, rec.Body.String(), `"price":[4999999,5000001,5000000.5]`)
}

func TestGetExecutionsDefaultsSymbol(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/executions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":[9,10,100]`)
}

func TestGetExecutionsEmptyWindowRendersEmptyArrays(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/executions?symbol=BTC_JPY")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":[],"price":[],"size":[],"exec_date":[]}`, rec.Body.String())
}

func TestGetExecutionsUnknownSymbol(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/executions?symbol=ETH_JPY")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ETH_JPY")
}

func TestIndentedOutput(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop(), WithIndent(true)).InitRoutes()

	rec := get(t, h, "/executions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "\n    \"id\""), rec.Body.String())
}

func TestGetTicker(t *testing.T) {
	st := newStore(t)

	rec := get(t, NewHandler(st, "FX_BTC_JPY", zerolog.Nop()).InitRoutes(), "/ticker")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, NewHandler(st, "FX_BTC_JPY", zerolog.Nop(), WithTicker(stubTicker{})).InitRoutes(), "/ticker")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	payload := json.RawMessage(`{"product_code":"FX_BTC_JPY","ltp":5000050.0}`)
	rec = get(t, NewHandler(st, "FX_BTC_JPY", zerolog.Nop(), WithTicker(stubTicker{payload: payload})).InitRoutes(), "/ticker")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(payload), rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestHealthReportsWindows(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string `json:"status"`
		Windows map[string]struct {
			Count  int        `json:"count"`
			Newest *time.Time `json:"newest"`
		} `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Windows["FX_BTC_JPY"].Count)
	assert.Equal(t, 0, body.Windows["BTC_JPY"].Count)
	assert.Nil(t, body.Windows["BTC_JPY"].Newest)
}

func TestMetricsRoute(t *testing.T) {
	h := NewHandler(newStore(t), "FX_BTC_JPY", zerolog.Nop()).InitRoutes()

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "window_records")
}
