package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/contribu/bitflyer-data-server/internal/execution"
	"github.com/contribu/bitflyer-data-server/internal/metrics"
)

type rpcRequest struct {
	Method string    `json:"method"`
	Params rpcParams `json:"params"`
}

type rpcParams struct {
	Channel string `json:"channel"`
}

type rpcMessage struct {
	Method string `json:"method"`
	Params *struct {
		Channel string          `json:"channel"`
		Message json.RawMessage `json:"message"`
	} `json:"params"`
}

func (f *Feed) runBitflyer(ctx context.Context, out chan<- Batch) error {
	if len(f.symbols) == 0 {
		return fmt.Errorf("bitflyer feed requires at least one symbol")
	}

	backoff := f.initialBackoff
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := f.consumeBitflyerStream(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
			backoff = f.initialBackoff
		}
		failures++
		if f.maxReconnects > 0 && failures > f.maxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrFeedExhausted, f.maxReconnects, err)
		}
		metrics.FeedReconnects.Inc()
		f.log.Warn().Err(err).Int("attempt", failures).Dur("backoff", backoff).Msg("bitflyer feed disconnected, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(f.maxBackoff), float64(backoff)*1.8))
	}
}

// consumeBitflyerStream runs one connection until it fails. connected reports whether the
// handshake and subscriptions succeeded.
func (f *Feed) consumeBitflyerStream(ctx context.Context, out chan<- Batch) (connected bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for _, sym := range f.symbols {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		req := rpcRequest{Method: "subscribe", Params: rpcParams{Channel: f.Channel(sym)}}
		if err := conn.WriteJSON(req); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	f.log.Info().Str("url", f.url).Strs("symbols", f.symbols).Msg("connected execution feed")

	conn.SetReadLimit(8 << 20)
	conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					f.log.Warn().Err(err).Msg("bitflyer ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(f.readTimeout))

		batch, ok, err := f.decodeMessage(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("failed to decode bitflyer message")
			continue
		}
		if !ok {
			continue
		}
		metrics.FeedMessages.WithLabelValues(batch.Symbol).Inc()

		select {
		case out <- batch:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// decodeMessage turns a channelMessage into a Batch. Replies to subscribe requests carry no
// params and are skipped with ok=false.
func (f *Feed) decodeMessage(message []byte) (Batch, bool, error) {
	var msg rpcMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return Batch{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if msg.Params == nil || msg.Params.Channel == "" {
		return Batch{}, false, nil
	}
	symbol, ok := strings.CutPrefix(msg.Params.Channel, f.prefix)
	if !ok || symbol == "" {
		return Batch{}, false, fmt.Errorf("unexpected channel %q", msg.Params.Channel)
	}
	var executions []execution.Raw
	if err := json.Unmarshal(msg.Params.Message, &executions); err != nil {
		return Batch{}, false, fmt.Errorf("decode executions for %s: %w", symbol, err)
	}
	return Batch{Symbol: symbol, Executions: executions, ReceivedAt: time.Now().UTC()}, true, nil
}
