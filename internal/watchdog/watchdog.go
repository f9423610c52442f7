// Package watchdog detects symbol windows that stopped receiving executions and reports
// window status on a schedule.
package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/metrics"
	"github.com/contribu/bitflyer-data-server/internal/store"
)

const (
	DefaultInterval       = time.Minute
	DefaultStaleThreshold = 15 * time.Minute
	DefaultStatusInterval = 10 * time.Second
)

// Watchdog inspects the newest record of every window.
type Watchdog struct {
	store          *store.Store
	log            zerolog.Logger
	interval       time.Duration
	staleThreshold time.Duration
	statusInterval time.Duration
	now            func() time.Time
	onStale        func(symbols []string)
	started        time.Time
}

// Option configures Watchdog construction parameters.
type Option func(*Watchdog)

// WithInterval overrides how often liveness is checked.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStaleThreshold overrides how old the newest record may get.
func WithStaleThreshold(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.staleThreshold = d
		}
	}
}

// WithStatusInterval overrides the status report period. Zero disables status reports.
func WithStatusInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d >= 0 {
			w.statusInterval = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Watchdog) {
		w.log = log
	}
}

// WithOnStale sets the action taken when a check finds stale windows.
func WithOnStale(fn func(symbols []string)) Option {
	return func(w *Watchdog) {
		w.onStale = fn
	}
}

// New builds a watchdog over st. The start grace period begins now.
func New(st *store.Store, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:          st,
		log:            zerolog.Nop(),
		interval:       DefaultInterval,
		staleThreshold: DefaultStaleThreshold,
		statusInterval: DefaultStatusInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.onStale = w.withDefaultAction(w.onStale)
	w.started = w.now()
	return w
}

func (w *Watchdog) withDefaultAction(fn func([]string)) func([]string) {
	if fn != nil {
		return fn
	}
	return func(symbols []string) {
		w.log.Fatal().Strs("symbols", symbols).Dur("threshold", w.staleThreshold).Msg("execution feed stale")
	}
}

// Check returns the symbols whose newest record is older than the stale threshold. Empty
// windows only count once the watchdog has been alive longer than the threshold.
func (w *Watchdog) Check(now time.Time) []string {
	var stale []string
	for _, sym := range w.store.Symbols() {
		stats, err := w.store.Stats(sym)
		if err != nil {
			continue
		}
		if stats.Empty() {
			if now.Sub(w.started) > w.staleThreshold {
				stale = append(stale, sym)
			}
			continue
		}
		age := now.Sub(stats.Newest)
		metrics.WindowNewestAge.WithLabelValues(sym).Set(age.Seconds())
		if age > w.staleThreshold {
			stale = append(stale, sym)
		}
	}
	return stale
}

// Tick runs one liveness check and fires the stale action when needed.
func (w *Watchdog) Tick() {
	stale := w.Check(w.now())
	if len(stale) == 0 {
		return
	}
	w.log.Error().Strs("symbols", stale).Msg("no executions within stale threshold")
	w.onStale(stale)
}

// ReportStatus logs the size and span of every window and refreshes the window gauges.
func (w *Watchdog) ReportStatus() {
	for _, sym := range w.store.Symbols() {
		stats, err := w.store.Stats(sym)
		if err != nil {
			continue
		}
		metrics.WindowRecords.WithLabelValues(sym).Set(float64(stats.Count))
		event := w.log.Info().Str("symbol", sym).Int("count", stats.Count)
		if !stats.Empty() {
			event = event.Time("oldest", stats.Oldest).Time("newest", stats.Newest)
		}
		event.Msg("window status")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	w.log.Info().Uint64("heap_alloc_mb", mem.HeapAlloc>>20).Uint64("sys_mb", mem.Sys>>20).Msg("memory usage")
}

// Start schedules the liveness check and the status report. The scheduler stops when ctx
// is done.
func (w *Watchdog) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(every(w.interval), w.Tick); err != nil {
		return fmt.Errorf("register liveness check: %w", err)
	}
	if w.statusInterval > 0 {
		if _, err := c.AddFunc(every(w.statusInterval), w.ReportStatus); err != nil {
			return fmt.Errorf("register status report: %w", err)
		}
	}
	c.Start()
	w.log.Info().Dur("interval", w.interval).Dur("threshold", w.staleThreshold).Msg("watchdog started")

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		w.log.Info().Msg("watchdog stopped")
	}()
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
