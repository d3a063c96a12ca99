package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/marketmux/marketmux/internal/exchange"
	"github.com/marketmux/marketmux/internal/model"
)

const bookDepth = 25

type wsSubscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

type wsRequest struct {
	Event        string         `json:"event"`
	Pair         []string       `json:"pair"`
	Subscription wsSubscription `json:"subscription"`
}

type wsEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// session is one v1 feed connection for a reloadable pair set.
type session struct {
	venue string
	name  string
	depth int
	conn  *websocket.Conn
	done  chan struct{} // closed with the session, unblocks pending sends

	mu     sync.Mutex
	active map[string]struct{} // ws pair names, e.g. "XBT/USD"
	closed bool
}

func (e *Exchange) dial(ctx context.Context, name string, depth int, symbols []string) (*session, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, "ws_dial", err)
	}

	s := &session{venue: e.id, name: name, depth: depth, conn: conn,
		done: make(chan struct{}), active: make(map[string]struct{}, len(symbols))}
	pairs := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		p := toWSPair(sym)
		s.active[p] = struct{}{}
		pairs = append(pairs, p)
	}
	req := wsRequest{Event: "subscribe", Pair: pairs, Subscription: wsSubscription{Name: name, Depth: depth}}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, "ws_subscribe", err)
	}
	log.Debug().Str("exchange", e.id).Str("channel", name).Strs("pairs", pairs).Msg("feed subscribed")
	return s, nil
}

func (s *session) setSymbols(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exchange.NewError(exchange.ErrUnknown, s.venue, "ws_set_symbols", fmt.Errorf("stream closed"))
	}
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[toWSPair(sym)] = struct{}{}
	}
	var add, remove []string
	for p := range want {
		if _, ok := s.active[p]; !ok {
			add = append(add, p)
		}
	}
	for p := range s.active {
		if _, ok := want[p]; !ok {
			remove = append(remove, p)
		}
	}
	sub := wsSubscription{Name: s.name, Depth: s.depth}
	if len(add) > 0 {
		if err := s.conn.WriteJSON(wsRequest{Event: "subscribe", Pair: add, Subscription: sub}); err != nil {
			return exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_set_symbols", err)
		}
	}
	if len(remove) > 0 {
		if err := s.conn.WriteJSON(wsRequest{Event: "unsubscribe", Pair: remove, Subscription: sub}); err != nil {
			return exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_set_symbols", err)
		}
	}
	s.active = want
	return nil
}

func (s *session) isActive(pair string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[pair]
	return ok
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.conn.Close()
}

// send delivers v unless the session closes first. A reader blocked on a
// full buffer must not outlive its stream.
func send[T any](s *session, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// read returns the next data frame as (channelName, pair, payload). Event
// frames (heartbeats, acks) are consumed here; subscription errors surface
// as classified errors.
func (s *session) read(ctx context.Context) (string, string, json.RawMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", "", nil, err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return "", "", nil, exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_read", err)
		}

		// Object frames are events; array frames are data.
		if len(raw) > 0 && raw[0] == '{' {
			var ev wsEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			if ev.Event == "subscriptionStatus" && ev.Status == "error" {
				return "", "", nil, exchange.NewError(exchange.ErrBadRequest, s.venue, "ws_subscribe",
					fmt.Errorf("%s", ev.ErrorMessage))
			}
			continue
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
			log.Debug().Str("exchange", s.venue).Msg("dropping undecodable feed frame")
			continue
		}
		var channel, pair string
		if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
			continue
		}
		if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
			continue
		}
		return channel, pair, frame[1], nil
	}
}

// WatchTrades streams the trade channel as normalized trades.
func (e *Exchange) WatchTrades(ctx context.Context, symbols []string) (exchange.Stream[model.Trade], error) {
	s, err := e.dial(ctx, "trade", 0, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.Trade, 1024)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		for {
			channel, pair, payload, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if channel != "trade" || !s.isActive(pair) {
				continue
			}
			var rows [][]string
			if err := json.Unmarshal(payload, &rows); err != nil {
				continue
			}
			for _, r := range rows {
				if len(r) < 4 {
					continue
				}
				t := model.Trade{
					Exchange:        e.id,
					Symbol:          toSymbol(pair),
					Price:           parseFloat(r[0]),
					Amount:          parseFloat(r[1]),
					Side:            sideOf(r[3]),
					TimestampMillis: int64(parseFloat(r[2]) * 1000),
				}
				if !t.Valid() {
					log.Debug().Str("exchange", e.id).Str("pair", pair).Msg("dropping malformed trade")
					continue
				}
				if !send(s, ch, t) {
					return
				}
			}
		}
	}()
	return stream, nil
}

// WatchTicker streams the ticker channel.
func (e *Exchange) WatchTicker(ctx context.Context, symbols []string) (exchange.Stream[model.Ticker], error) {
	s, err := e.dial(ctx, "ticker", 0, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.Ticker, 1024)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		for {
			channel, pair, payload, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if channel != "ticker" || !s.isActive(pair) {
				continue
			}
			var data struct {
				A []string `json:"a"` // ask: [price, wholeLotVolume, lotVolume]
				B []string `json:"b"` // bid
				C []string `json:"c"` // close: [price, lotVolume]
			}
			if err := json.Unmarshal(payload, &data); err != nil {
				continue
			}
			t := model.Ticker{
				Exchange:        e.id,
				Symbol:          toSymbol(pair),
				TimestampMillis: time.Now().UnixMilli(), // feed carries no timestamp
			}
			if len(data.B) > 0 {
				v := parseFloat(data.B[0])
				t.Bid = &v
			}
			if len(data.A) > 0 {
				v := parseFloat(data.A[0])
				t.Ask = &v
			}
			if len(data.C) > 0 {
				v := parseFloat(data.C[0])
				t.Last = &v
			}
			if !send(s, ch, t) {
				return
			}
		}
	}()
	return stream, nil
}

// WatchOrderBook streams the book channel, rebuilding full snapshots from
// the venue's snapshot+delta frames.
func (e *Exchange) WatchOrderBook(ctx context.Context, symbols []string) (exchange.Stream[model.OrderBookSnapshot], error) {
	s, err := e.dial(ctx, "book", bookDepth, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.OrderBookSnapshot, 256)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		books := make(map[string]*exchange.BookBuilder)
		for {
			channel, pair, payload, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if channel == "" || !s.isActive(pair) {
				continue
			}
			// Channel name is "book-<depth>" for book subscriptions.
			if len(channel) < 4 || channel[:4] != "book" {
				continue
			}
			var data struct {
				AS [][]string `json:"as"` // snapshot asks
				BS [][]string `json:"bs"` // snapshot bids
				A  [][]string `json:"a"`  // ask deltas
				B  [][]string `json:"b"`  // bid deltas
			}
			if err := json.Unmarshal(payload, &data); err != nil {
				continue
			}
			b := books[pair]
			if len(data.AS) > 0 || len(data.BS) > 0 {
				b = exchange.NewBookBuilder(bookDepth)
				b.Reset(toLevels(data.BS), toLevels(data.AS))
				books[pair] = b
			} else {
				if b == nil {
					continue
				}
				for _, d := range data.B {
					if len(d) >= 2 {
						b.Update(true, parseFloat(d[0]), parseFloat(d[1]))
					}
				}
				for _, d := range data.A {
					if len(d) >= 2 {
						b.Update(false, parseFloat(d[0]), parseFloat(d[1]))
					}
				}
			}
			if !send(s, ch, b.Snapshot(e.id, toSymbol(pair), time.Now().UnixMilli())) {
				return
			}
		}
	}()
	return stream, nil
}

// Close is part of exchange.Capability. Streams own their connections.
func (e *Exchange) Close() error { return nil }

func toLevels(raw [][]string) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, model.BookLevel{Price: parseFloat(l[0]), Amount: parseFloat(l[1])})
	}
	return out
}

func sideOf(s string) model.TradeSide {
	switch s {
	case "b":
		return model.SideBuy
	case "s":
		return model.SideSell
	}
	return model.SideUnknown
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
