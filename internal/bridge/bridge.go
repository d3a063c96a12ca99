// Package bridge republishes bus signals onto Redis pub/sub channels so
// out-of-process consumers (dashboards, recorders) can tap the live feed
// without linking the core.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/bus"
	"github.com/marketmux/marketmux/internal/model"
)

// Channel name helpers. One channel per market (and timeframe for candles).

func TradeChannel(exchange, symbol string) string {
	return "md:trade:" + exchange + ":" + symbol
}

func BookChannel(exchange, symbol string) string {
	return "md:book:" + exchange + ":" + symbol
}

func TickerChannel(exchange, symbol string) string {
	return "md:ticker:" + exchange + ":" + symbol
}

func CandleChannel(exchange, symbol string, tf model.Timeframe) string {
	return "md:candle:" + exchange + ":" + symbol + ":" + string(tf)
}

// wireCandle is the published candle update shape.
type wireCandle struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Candle    model.Candle `json:"candle"`
}

// Bridge forwards NEW_TRADE, ORDER_BOOK_UPDATE, NEW_TICKER, and
// UPDATED_CANDLE signals to Redis. Publish failures are logged and skipped;
// the bridge never interrupts the drain.
type Bridge struct {
	rdb     redis.Cmdable
	closer  interface{ Close() error }
	handles []bus.Handle
}

// New wraps an existing client. The caller configures the connection.
func New(client *redis.Client) *Bridge {
	return &Bridge{rdb: client, closer: client}
}

// NewWithCmdable wraps any Cmdable, used by tests with redismock.
func NewWithCmdable(rdb redis.Cmdable) *Bridge {
	return &Bridge{rdb: rdb}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string, db int) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client), nil
}

// Attach registers the bridge on the bus. Handlers run on the goroutine
// that drains the bus.
func (br *Bridge) Attach(b *bus.Bus) {
	br.handles = append(br.handles,
		b.Subscribe(bus.NewTrade, func(sig bus.Signal) {
			t, ok := sig.Payload.(model.Trade)
			if !ok {
				return
			}
			br.publish(TradeChannel(t.Exchange, t.Symbol), t)
		}),
		b.Subscribe(bus.OrderBookUpdate, func(sig bus.Signal) {
			ob, ok := sig.Payload.(model.OrderBookSnapshot)
			if !ok {
				return
			}
			br.publish(BookChannel(ob.Exchange, ob.Symbol), ob)
		}),
		b.Subscribe(bus.NewTicker, func(sig bus.Signal) {
			tk, ok := sig.Payload.(model.Ticker)
			if !ok {
				return
			}
			br.publish(TickerChannel(tk.Exchange, tk.Symbol), tk)
		}),
		b.Subscribe(bus.UpdatedCandle, func(sig bus.Signal) {
			c, ok := sig.Payload.(bus.CandleUpdatePayload)
			if !ok {
				return
			}
			br.publish(CandleChannel(c.Exchange, c.Symbol, c.Timeframe), wireCandle{
				Exchange:  c.Exchange,
				Symbol:    c.Symbol,
				Timeframe: string(c.Timeframe),
				Candle:    c.Bar,
			})
		}),
	)
}

// Detach removes the bridge's bus registrations.
func (br *Bridge) Detach(b *bus.Bus) {
	for _, h := range br.handles {
		b.Unsubscribe(h)
	}
	br.handles = nil
}

func (br *Bridge) publish(channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Str("channel", channel).Err(err).Msg("bridge marshal failed")
		return
	}
	if err := br.rdb.Publish(context.Background(), channel, raw).Err(); err != nil {
		log.Warn().Str("channel", channel).Err(err).Msg("bridge publish failed")
	}
}

// Close releases the underlying connection, if the bridge owns one.
func (br *Bridge) Close() error {
	if br.closer != nil {
		return br.closer.Close()
	}
	return nil
}
