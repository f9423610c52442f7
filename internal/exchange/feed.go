// Package exchange hosts the bitFlyer Lightning connectors: the realtime execution feed,
// the historical executions endpoint and the ticker poller.
package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/contribu/bitflyer-data-server/internal/execution"
)

const (
	// DefaultWebsocketURL is the bitFlyer Lightning realtime JSON-RPC endpoint.
	DefaultWebsocketURL = "wss://ws.lightstream.bitflyer.com/json-rpc"
	// DefaultRestURL is the bitFlyer HTTP API base.
	DefaultRestURL = "https://api.bitflyer.com"
	// DefaultChannelPrefix prefixes the symbol in execution channel names.
	DefaultChannelPrefix = "lightning_executions_"

	defaultMaxReconnects  = 10
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultReadTimeout    = 60 * time.Second
)

// ErrFeedExhausted is returned by Feed.Run once consecutive reconnects have all failed.
var ErrFeedExhausted = errors.New("feed: reconnect attempts exhausted")

// Batch is one decoded channel message: the executions reported for a single symbol.
type Batch struct {
	Symbol     string
	Executions []execution.Raw
	ReceivedAt time.Time
}

// Feed streams executions for a fixed symbol set over the realtime API.
type Feed struct {
	url            string
	prefix         string
	symbols        []string
	log            zerolog.Logger
	maxReconnects  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	readTimeout    time.Duration
	dialer         *websocket.Dialer
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithURL overrides the realtime endpoint.
func WithURL(url string) Option {
	return func(f *Feed) {
		if url != "" {
			f.url = url
		}
	}
}

// WithChannelPrefix overrides the channel name prefix.
func WithChannelPrefix(prefix string) Option {
	return func(f *Feed) {
		if prefix != "" {
			f.prefix = prefix
		}
	}
}

// WithMaxReconnects bounds consecutive failed connection attempts. Zero or less retries forever.
func WithMaxReconnects(n int) Option {
	return func(f *Feed) {
		f.maxReconnects = n
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(f *Feed) {
		if initial > 0 {
			f.initialBackoff = initial
		}
		if max >= f.initialBackoff {
			f.maxBackoff = max
		}
	}
}

// WithReadTimeout overrides how long the connection may stay silent before it is recycled.
func WithReadTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.readTimeout = d
		}
	}
}

// NewFeed constructs a feed subscribed to every symbol (deduplicated, sorted for determinism).
func NewFeed(symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	f := &Feed{
		url:            DefaultWebsocketURL,
		prefix:         DefaultChannelPrefix,
		log:            log,
		maxReconnects:  defaultMaxReconnects,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		readTimeout:    defaultReadTimeout,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, ok := unique[sym]; ok {
			continue
		}
		unique[sym] = struct{}{}
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Symbols returns the subscribed symbols.
func (f *Feed) Symbols() []string {
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Channel returns the channel name carrying executions for symbol.
func (f *Feed) Channel(symbol string) string {
	return f.prefix + symbol
}

// Run pushes decoded batches onto out until the context is canceled or reconnecting fails
// more than the configured number of consecutive times.
func (f *Feed) Run(ctx context.Context, out chan<- Batch) error {
	return f.runBitflyer(ctx, out)
}
