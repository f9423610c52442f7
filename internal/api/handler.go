// Package api serves execution windows, the cached ticker and service health over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/metrics"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

const _symbolQuery = "symbol"

// TickerSource yields the most recent ticker payload.
type TickerSource interface {
	Latest() (payload json.RawMessage, updatedAt time.Time, ok bool)
}

// Columns is the columnar rendering of a window, ascending by id.
type Columns struct {
	ID       []int64       `json:"id"`
	Price    []json.Number `json:"price"`
	Size     []json.Number `json:"size"`
	ExecDate []string      `json:"exec_date"`
}

// NewColumns splits records into parallel arrays. Decimals keep their exact textual form.
func NewColumns(records []execution.Record) Columns {
	cols := Columns{
		ID:       make([]int64, len(records)),
		Price:    make([]json.Number, len(records)),
		Size:     make([]json.Number, len(records)),
		ExecDate: make([]string, len(records)),
	}
	for i, rec := range records {
		cols.ID[i] = rec.ID
		cols.Price[i] = json.Number(rec.Price.String())
		cols.Size[i] = json.Number(rec.Size.String())
		cols.ExecDate[i] = rec.ExecDate
	}
	return cols
}

type Handler struct {
	store         *store.Store
	ticker        TickerSource
	defaultSymbol string
	indent        bool
	started       time.Time

	logger zerolog.Logger
}

// Option configures Handler construction parameters.
type Option func(*Handler)

// WithTicker enables the /ticker route.
func WithTicker(src TickerSource) Option {
	return func(h *Handler) {
		h.ticker = src
	}
}

// WithIndent renders indented JSON bodies.
func WithIndent(indent bool) Option {
	return func(h *Handler) {
		h.indent = indent
	}
}

func NewHandler(st *store.Store, defaultSymbol string, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:         st,
		defaultSymbol: defaultSymbol,
		started:       time.Now(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) InitRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/executions", h.GetExecutions)
	r.GET("/ticker", h.GetTicker)
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

func (h *Handler) GetExecutions(ctx *gin.Context) {
	symbol := ctx.DefaultQuery(_symbolQuery, h.defaultSymbol)
	records, err := h.store.Snapshot(symbol)
	if err != nil {
		if errors.Is(err, store.ErrUnknownSymbol) {
			h.render(ctx, http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.render(ctx, http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.render(ctx, http.StatusOK, NewColumns(records))
}

func (h *Handler) GetTicker(ctx *gin.Context) {
	if h.ticker == nil {
		h.render(ctx, http.StatusNotFound, gin.H{"error": "ticker disabled"})
		return
	}
	payload, _, ok := h.ticker.Latest()
	if !ok {
		h.render(ctx, http.StatusServiceUnavailable, gin.H{"error": "ticker not available yet"})
		return
	}
	ctx.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

type windowHealth struct {
	Count  int        `json:"count"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

func (h *Handler) Health(ctx *gin.Context) {
	windows := make(map[string]windowHealth, len(h.store.Symbols()))
	for _, sym := range h.store.Symbols() {
		stats, err := h.store.Stats(sym)
		if err != nil {
			continue
		}
		wh := windowHealth{Count: stats.Count}
		if !stats.Empty() {
			wh.Oldest, wh.Newest = &stats.Oldest, &stats.Newest
		}
		windows[sym] = wh
	}
	h.render(ctx, http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int64(time.Since(h.started).Seconds()),
		"windows":    windows,
	})
}

func (h *Handler) render(ctx *gin.Context, code int, body any) {
	if h.indent {
		ctx.IndentedJSON(code, body)
		return
	}
	ctx.JSON(code, body)
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		h.logger.Debug().
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Int("status", ctx.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
