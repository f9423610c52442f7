// Package relay republishes merged executions on Redis pub/sub channels.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/contribu/bitflyer-data-server/internal/execution"
)

// DefaultChannelPrefix prefixes the symbol in published channel names.
const DefaultChannelPrefix = "executions."

type wireExecution struct {
	ID       int64       `json:"id"`
	Price    json.Number `json:"price"`
	Size     json.Number `json:"size"`
	ExecDate string      `json:"exec_date"`
}

type message struct {
	Symbol     string          `json:"symbol"`
	Executions []wireExecution `json:"executions"`
}

// Publisher writes one message per merged batch to <prefix><SYMBOL>.
type Publisher struct {
	client *redis.Client
	prefix string
}

// NewPublisher wraps an existing client.
func NewPublisher(client *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, prefix string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewPublisher(client, prefix), nil
}

// Channel returns the channel carrying symbol's executions.
func (p *Publisher) Channel(symbol string) string {
	return p.prefix + symbol
}

// Publish sends records as a single JSON message. Empty batches are not published.
func (p *Publisher) Publish(ctx context.Context, symbol string, records []execution.Record) error {
	if len(records) == 0 {
		return nil
	}
	msg := message{Symbol: symbol, Executions: make([]wireExecution, len(records))}
	for i, rec := range records {
		msg.Executions[i] = wireExecution{
			ID:       rec.ID,
			Price:    json.Number(rec.Price.String()),
			Size:     json.Number(rec.Size.String()),
			ExecDate: rec.ExecDate,
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s batch: %w", symbol, err)
	}
	if err := p.client.Publish(ctx, p.Channel(symbol), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
