// Package backfill walks the history endpoint backwards from a cursor until the symbol's
// window covers the full retention span.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/metrics"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

const (
	// DefaultPageSize matches the largest page the history endpoint serves.
	DefaultPageSize = 1000
	// DefaultDelay spaces page requests to stay inside the public rate limit.
	DefaultDelay = 2 * time.Second
)

// PageFetcher returns up to count executions for symbol with ids strictly below before.
type PageFetcher interface {
	Executions(ctx context.Context, symbol string, count int, before int64) ([]execution.Raw, error)
}

// Crawler fills a symbol window with history older than the first live execution.
type Crawler struct {
	history  PageFetcher
	store    *store.Store
	log      zerolog.Logger
	pageSize int
	delay    time.Duration
	after    func(time.Duration) <-chan time.Time
}

// Option configures Crawler construction parameters.
type Option func(*Crawler)

// WithPageSize overrides the number of executions requested per page.
func WithPageSize(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithDelay overrides the pause before each page request. Zero disables it.
func WithDelay(d time.Duration) Option {
	return func(c *Crawler) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithClock injects the timer used between pages.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Crawler) {
		if after != nil {
			c.after = after
		}
	}
}

// New wires a crawler that merges fetched pages into st.
func New(history PageFetcher, st *store.Store, log zerolog.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		history:  history,
		store:    st,
		log:      log,
		pageSize: DefaultPageSize,
		delay:    DefaultDelay,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backfill fetches pages strictly older than before until a page is empty, a page reaches
// past the retention cutoff, or the cursor stops moving.
func (c *Crawler) Backfill(ctx context.Context, symbol string, before int64) error {
	log := c.log.With().Str("symbol", symbol).Logger()
	cursor := before
	pages := 0
	for {
		if err := c.wait(ctx); err != nil {
			return err
		}

		page, err := c.history.Executions(ctx, symbol, c.pageSize, cursor)
		if err != nil {
			return fmt.Errorf("fetch %s before %d: %w", symbol, cursor, err)
		}
		if len(page) == 0 {
			log.Info().Int("pages", pages).Int64("cursor", cursor).Msg("backfill reached end of history")
			return nil
		}
		pages++
		metrics.BackfillPages.WithLabelValues(symbol).Inc()

		res, err := c.store.Merge(symbol, page)
		if err != nil {
			return fmt.Errorf("merge %s page: %w", symbol, err)
		}
		metrics.ExecutionsMerged.WithLabelValues(symbol, metrics.SourceBackfill).Add(float64(res.Appended))
		log.Debug().
			Int64("before", cursor).
			Int("appended", res.Appended).
			Int("dropped", res.Dropped).
			Time("oldest", res.Oldest).
			Msg("backfill page merged")

		if res.Appended > 0 && res.Oldest.Before(c.store.Cutoff()) {
			log.Info().Int("pages", pages).Time("oldest", res.Oldest).Msg("backfill covered retention window")
			return nil
		}

		next := execution.MinID(page)
		if next <= 0 || (cursor > 0 && next >= cursor) {
			log.Warn().Int64("cursor", cursor).Int64("next", next).Msg("backfill cursor did not advance")
			return nil
		}
		cursor = next
	}
}

// Launch runs Backfill in its own goroutine and logs how it ended.
func (c *Crawler) Launch(ctx context.Context, symbol string, before int64) {
	go func() {
		c.log.Info().Str("symbol", symbol).Int64("before", before).Msg("backfill started")
		if err := c.Backfill(ctx, symbol, before); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error().Err(err).Str("symbol", symbol).Msg("backfill aborted")
		}
	}()
}

func (c *Crawler) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.after(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
