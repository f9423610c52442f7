// Package store keeps a rolling, deduplicated, time-bounded window of executions per symbol.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/metrics"
)

const (
	// DefaultRetention is the history span every window keeps.
	DefaultRetention = 24 * time.Hour
	// DefaultPruneFactor re-runs the prune pass once the store grows 10% past its last pruned size.
	DefaultPruneFactor = 1.1
)

// ErrUnknownSymbol reports an operation on a symbol the store was not configured with.
var ErrUnknownSymbol = errors.New("unknown symbol")

type window struct {
	mu      sync.Mutex
	records []execution.Record
}

// Store owns one window per configured symbol. The symbol set is fixed at construction.
type Store struct {
	windows   map[string]*window
	symbols   []string
	retention time.Duration
	factor    float64
	now       func() time.Time
	log       zerolog.Logger

	pruneMu  sync.Mutex
	baseline int
}

// Option configures Store construction parameters.
type Option func(*Store)

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithPruneFactor overrides the soft threshold multiplier. Values below 1 are ignored.
func WithPruneFactor(f float64) Option {
	return func(s *Store) {
		if f >= 1 {
			s.factor = f
		}
	}
}

// WithClock injects the time source used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger for prune reports.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates an empty window for every symbol (deduplicated, sorted for determinism).
func New(symbols []string, opts ...Option) *Store {
	s := &Store{
		windows:   make(map[string]*window, len(symbols)),
		retention: DefaultRetention,
		factor:    DefaultPruneFactor,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, ok := s.windows[sym]; ok {
			continue
		}
		s.windows[sym] = &window{}
		s.symbols = append(s.symbols, sym)
	}
	sort.Strings(s.symbols)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MergeResult describes the outcome of a single merge.
type MergeResult struct {
	Appended int
	Dropped  int
	// WasEmpty reports whether the window held no records before this merge.
	WasEmpty bool
	// MinID is the smallest id among appended records.
	MinID int64
	// Oldest is the earliest exec_date among appended records.
	Oldest time.Time
}

// Symbols returns the configured symbols.
func (s *Store) Symbols() []string {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// Has reports whether symbol is tracked.
func (s *Store) Has(symbol string) bool {
	_, ok := s.windows[symbol]
	return ok
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Cutoff returns the oldest timestamp a record may carry and still be retained.
func (s *Store) Cutoff() time.Time {
	return s.now().Add(-s.retention)
}

func (s *Store) window(symbol string) (*window, error) {
	w, ok := s.windows[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return w, nil
}

// Merge normalizes batch, drops malformed records and appends the rest to the symbol's window.
func (s *Store) Merge(symbol string, batch []execution.Raw) (MergeResult, error) {
	w, err := s.window(symbol)
	if err != nil {
		return MergeResult{}, err
	}
	if len(batch) == 0 {
		return MergeResult{}, nil
	}

	var res MergeResult
	var oldest int64
	records := make([]execution.Record, 0, len(batch))
	for _, raw := range batch {
		rec, ok := execution.Normalize(raw)
		if !ok {
			res.Dropped++
			continue
		}
		if len(records) == 0 || rec.ID < res.MinID {
			res.MinID = rec.ID
		}
		if len(records) == 0 || rec.ExecDateEpoch < oldest {
			oldest = rec.ExecDateEpoch
		}
		records = append(records, rec)
	}
	res.Appended = len(records)
	if res.Appended > 0 {
		res.Oldest = time.Unix(oldest, 0).UTC()
	}
	if res.Dropped > 0 {
		metrics.ExecutionsDropped.WithLabelValues(symbol).Add(float64(res.Dropped))
	}

	w.mu.Lock()
	res.WasEmpty = len(w.records) == 0
	w.records = append(w.records, records...)
	w.mu.Unlock()

	s.MaybePrune()
	return res, nil
}

// Len returns the total record count across all windows.
func (s *Store) Len() int {
	total := 0
	for _, sym := range s.symbols {
		w := s.windows[sym]
		w.mu.Lock()
		total += len(w.records)
		w.mu.Unlock()
	}
	return total
}

// MaybePrune runs a full prune pass when the store has grown past the soft threshold
// recorded after the previous pass. It reports whether a pass ran.
func (s *Store) MaybePrune() bool {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if float64(s.Len()) <= s.factor*float64(s.baseline) {
		return false
	}
	s.pruneLocked()
	return true
}

// Prune evicts records older than the retention cutoff, sorts every window by id and
// collapses duplicate ids. It returns the total record count after the pass.
func (s *Store) Prune() int {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	return s.pruneLocked()
}

func (s *Store) pruneLocked() int {
	cutoff := s.Cutoff().Unix()
	total := 0
	for _, sym := range s.symbols {
		w := s.windows[sym]
		w.mu.Lock()
		w.records = prune(w.records, cutoff)
		n := len(w.records)
		w.mu.Unlock()

		total += n
		metrics.WindowRecords.WithLabelValues(sym).Set(float64(n))
	}
	s.baseline = total
	metrics.PrunePasses.Inc()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.log.Info().
		Int("records", total).
		Uint64("heap_alloc_mb", mem.HeapAlloc>>20).
		Uint64("heap_sys_mb", mem.HeapSys>>20).
		Uint64("sys_mb", mem.Sys>>20).
		Msg("pruned windows")
	return total
}

// prune filters, sorts and deduplicates records in place.
func prune(records []execution.Record, cutoff int64) []execution.Record {
	kept := records[:0]
	for _, rec := range records {
		if rec.ExecDateEpoch >= cutoff {
			kept = append(kept, rec)
		}
	}
	clear(records[len(kept):])
	sortByID(kept)
	return compactByID(kept)
}

func sortByID(records []execution.Record) {
	slices.SortFunc(records, func(a, b execution.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func compactByID(records []execution.Record) []execution.Record {
	return slices.CompactFunc(records, func(a, b execution.Record) bool {
		return a.ID == b.ID
	})
}

// Snapshot returns a copy of the symbol's window sorted ascending by id with duplicate ids
// collapsed. The stored window is left untouched.
func (s *Store) Snapshot(symbol string) ([]execution.Record, error) {
	w, err := s.window(symbol)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	out := slices.Clone(w.records)
	w.mu.Unlock()

	sortByID(out)
	return compactByID(out), nil
}

// WindowStats summarizes a window for liveness checks and status reports.
type WindowStats struct {
	Count  int
	Oldest time.Time
	Newest time.Time
}

// Empty reports whether the window holds no records.
func (ws WindowStats) Empty() bool { return ws.Count == 0 }

// Stats returns the record count and the oldest/newest exec_date of the symbol's window.
func (s *Store) Stats(symbol string) (WindowStats, error) {
	w, err := s.window(symbol)
	if err != nil {
		return WindowStats{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WindowStats{Count: len(w.records)}
	if stats.Count == 0 {
		return stats, nil
	}
	oldest, newest := w.records[0].ExecDateEpoch, w.records[0].ExecDateEpoch
	for _, rec := range w.records[1:] {
		oldest = min(oldest, rec.ExecDateEpoch)
		newest = max(newest, rec.ExecDateEpoch)
	}
	stats.Oldest = time.Unix(oldest, 0).UTC()
	stats.Newest = time.Unix(newest, 0).UTC()
	return stats, nil
}
