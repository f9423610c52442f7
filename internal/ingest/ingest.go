// Package ingest merges live feed batches into the store and kicks off a backfill the first
// time a symbol sees data.
package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/exchange"
	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/metrics"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

// Launcher starts a background crawl for symbol below the before cursor.
type Launcher interface {
	Launch(ctx context.Context, symbol string, before int64)
}

// Publisher forwards merged executions to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, symbol string, records []execution.Record) error
}

// Ingester consumes feed batches.
type Ingester struct {
	store     *store.Store
	crawler   Launcher
	publisher Publisher
	log       zerolog.Logger

	mu       sync.Mutex
	launched map[string]bool
}

// Option configures Ingester construction parameters.
type Option func(*Ingester)

// WithPublisher relays every merged batch through p.
func WithPublisher(p Publisher) Option {
	return func(i *Ingester) {
		i.publisher = p
	}
}

// New builds an ingester writing into st.
func New(st *store.Store, crawler Launcher, log zerolog.Logger, opts ...Option) *Ingester {
	i := &Ingester{
		store:    st,
		crawler:  crawler,
		log:      log,
		launched: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run merges batches from in until the context is canceled or in is closed.
func (i *Ingester) Run(ctx context.Context, in <-chan exchange.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			i.Handle(ctx, batch)
		}
	}
}

// Handle merges a single batch.
func (i *Ingester) Handle(ctx context.Context, batch exchange.Batch) {
	res, err := i.store.Merge(batch.Symbol, batch.Executions)
	if err != nil {
		if errors.Is(err, store.ErrUnknownSymbol) {
			i.log.Warn().Str("symbol", batch.Symbol).Msg("batch for untracked symbol skipped")
			return
		}
		i.log.Error().Err(err).Str("symbol", batch.Symbol).Msg("merge failed")
		return
	}
	if res.Appended == 0 {
		return
	}
	metrics.ExecutionsMerged.WithLabelValues(batch.Symbol, metrics.SourceLive).Add(float64(res.Appended))

	if res.WasEmpty && i.claim(batch.Symbol) && i.crawler != nil {
		i.crawler.Launch(ctx, batch.Symbol, res.MinID)
	}

	if i.publisher != nil {
		i.publish(ctx, batch)
	}
}

// claim marks symbol as backfilled and reports whether this call was the first.
func (i *Ingester) claim(symbol string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.launched[symbol] {
		return false
	}
	i.launched[symbol] = true
	return true
}

func (i *Ingester) publish(ctx context.Context, batch exchange.Batch) {
	records := make([]execution.Record, 0, len(batch.Executions))
	for _, raw := range batch.Executions {
		if rec, ok := execution.Normalize(raw); ok {
			records = append(records, rec)
		}
	}
	if err := i.publisher.Publish(ctx, batch.Symbol, records); err != nil {
		i.log.Warn().Err(err).Str("symbol", batch.Symbol).Msg("relay publish failed")
	}
}
