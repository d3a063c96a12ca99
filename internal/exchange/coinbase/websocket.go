package coinbase

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

const (
	channelMatches = "matches"
	channelLevel2  = "level2_batch"
	channelTicker  = "ticker"

	bookDepth = 50
)

// wsMessage covers every feed message shape we care about. Unused fields
// decode to their zero values.
type wsMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Message   string     `json:"message"`
	Time      string     `json:"time"`
	Price     string     `json:"price"`
	Size      string     `json:"size"`
	Side      string     `json:"side"`
	BestBid   string     `json:"best_bid"`
	BestAsk   string     `json:"best_ask"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// session is one multiplexed feed connection carrying a single channel for a
// reloadable set of products.
type session struct {
	venue   string
	channel string
	conn    *websocket.Conn
	done    chan struct{} // closed with the session, unblocks pending sends

	mu     sync.Mutex
	active map[string]struct{} // product ids
	closed bool
}

func (e *Exchange) dial(ctx context.Context, channel string, symbols []string) (*session, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, "ws_dial", err)
	}

	s := &session{
		venue:   e.id,
		channel: channel,
		conn:    conn,
		done:    make(chan struct{}),
		active:  make(map[string]struct{}, len(symbols)),
	}
	ids := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		id := toProductID(sym)
		s.active[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := conn.WriteJSON(subscribeRequest{Type: "subscribe", ProductIDs: ids, Channels: []string{channel}}); err != nil {
		conn.Close()
		return nil, exchange.NewError(exchange.ErrTransientNetwork, e.id, "ws_subscribe", err)
	}
	log.Debug().Str("exchange", e.id).Str("channel", channel).Strs("products", ids).Msg("feed subscribed")
	return s, nil
}

// setSymbols reconciles the active product set against the transport
// without reconnecting: new products get a subscribe frame, removed ones an
// unsubscribe frame.
func (s *session) setSymbols(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return exchange.NewError(exchange.ErrUnknown, s.venue, "ws_set_symbols", fmt.Errorf("stream closed"))
	}

	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[toProductID(sym)] = struct{}{}
	}
	var add, remove []string
	for id := range want {
		if _, ok := s.active[id]; !ok {
			add = append(add, id)
		}
	}
	for id := range s.active {
		if _, ok := want[id]; !ok {
			remove = append(remove, id)
		}
	}
	if len(add) > 0 {
		if err := s.conn.WriteJSON(subscribeRequest{Type: "subscribe", ProductIDs: add, Channels: []string{s.channel}}); err != nil {
			return exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_set_symbols", err)
		}
	}
	if len(remove) > 0 {
		if err := s.conn.WriteJSON(subscribeRequest{Type: "unsubscribe", ProductIDs: remove, Channels: []string{s.channel}}); err != nil {
			return exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_set_symbols", err)
		}
	}
	s.active = want
	return nil
}

func (s *session) isActive(productID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[productID]
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

// WatchTrades streams the matches channel as normalized trades.
func (e *Exchange) WatchTrades(ctx context.Context, symbols []string) (exchange.Stream[model.Trade], error) {
	s, err := e.dial(ctx, channelMatches, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.Trade, 1024)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		for {
			msg, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if msg.Type != "match" && msg.Type != "last_match" {
				continue
			}
			if !s.isActive(msg.ProductID) {
				continue
			}
			trade, err := msg.toTrade(e.id)
			if err != nil {
				log.Debug().Str("exchange", e.id).Err(err).Msg("dropping malformed match")
				continue
			}
			if !send(s, ch, trade) {
				return
			}
		}
	}()
	return stream, nil
}

// WatchTicker streams the ticker channel.
func (e *Exchange) WatchTicker(ctx context.Context, symbols []string) (exchange.Stream[model.Ticker], error) {
	s, err := e.dial(ctx, channelTicker, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.Ticker, 1024)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		for {
			msg, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if msg.Type != "ticker" || !s.isActive(msg.ProductID) {
				continue
			}
			if !send(s, ch, msg.toTicker(e.id)) {
				return
			}
		}
	}()
	return stream, nil
}

// WatchOrderBook streams level2 snapshots rebuilt from the venue's
// snapshot+delta feed. One full snapshot is emitted per l2update batch.
func (e *Exchange) WatchOrderBook(ctx context.Context, symbols []string) (exchange.Stream[model.OrderBookSnapshot], error) {
	s, err := e.dial(ctx, channelLevel2, symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.OrderBookSnapshot, 256)
	stream := exchange.NewChanStream(ch, s.setSymbols, s.close)

	go func() {
		defer close(ch)
		books := make(map[string]*exchange.BookBuilder)
		for {
			msg, err := s.read(ctx)
			if err != nil {
				if !s.isClosed() {
					exchange.FailStream(stream, err)
				}
				return
			}
			if !s.isActive(msg.ProductID) {
				continue
			}
			switch msg.Type {
			case "snapshot":
				b := exchange.NewBookBuilder(bookDepth)
				b.Reset(parseLevels(msg.Bids), parseLevels(msg.Asks))
				books[msg.ProductID] = b
				if !send(s, ch, b.Snapshot(e.id, toSymbol(msg.ProductID), parseTimeMillis(msg.Time))) {
					return
				}
			case "l2update":
				b := books[msg.ProductID]
				if b == nil {
					continue // deltas before the snapshot are unusable
				}
				for _, chg := range msg.Changes {
					if len(chg) != 3 {
						continue
					}
					price, err1 := strconv.ParseFloat(chg[1], 64)
					size, err2 := strconv.ParseFloat(chg[2], 64)
					if err1 != nil || err2 != nil {
						continue
					}
					b.Update(chg[0] == "buy", price, size)
				}
				if !send(s, ch, b.Snapshot(e.id, toSymbol(msg.ProductID), parseTimeMillis(msg.Time))) {
					return
				}
			}
		}
	}()
	return stream, nil
}

// read pulls and decodes the next feed frame, surfacing venue error frames
// as classified errors.
func (s *session) read(ctx context.Context) (*wsMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return nil, exchange.NewError(exchange.ErrTransientNetwork, s.venue, "ws_read", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Str("exchange", s.venue).Err(err).Msg("dropping undecodable feed frame")
			continue
		}
		if msg.Type == "error" {
			return nil, exchange.NewError(exchange.ErrBadRequest, s.venue, "ws_read", fmt.Errorf("%s", msg.Message))
		}
		return &msg, nil
	}
}

func (m *wsMessage) toTrade(venue string) (model.Trade, error) {
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price %q: %w", m.Price, err)
	}
	size, err := strconv.ParseFloat(m.Size, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("size %q: %w", m.Size, err)
	}
	side := model.SideUnknown
	// The feed reports the maker side; the aggressor is the opposite.
	switch m.Side {
	case "buy":
		side = model.SideSell
	case "sell":
		side = model.SideBuy
	}
	t := model.Trade{
		Exchange:        venue,
		Symbol:          toSymbol(m.ProductID),
		Price:           price,
		Amount:          size,
		Side:            side,
		TimestampMillis: parseTimeMillis(m.Time),
	}
	if !t.Valid() {
		return model.Trade{}, fmt.Errorf("non-positive price or size")
	}
	return t, nil
}

func (m *wsMessage) toTicker(venue string) model.Ticker {
	t := model.Ticker{
		Exchange:        venue,
		Symbol:          toSymbol(m.ProductID),
		TimestampMillis: parseTimeMillis(m.Time),
	}
	if v, err := strconv.ParseFloat(m.BestBid, 64); err == nil {
		t.Bid = &v
	}
	if v, err := strconv.ParseFloat(m.BestAsk, 64); err == nil {
		t.Ask = &v
	}
	if v, err := strconv.ParseFloat(m.Price, 64); err == nil {
		t.Last = &v
	}
	return t
}

func parseLevels(raw [][]string) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(l[0], 64)
		amount, err2 := strconv.ParseFloat(l[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.BookLevel{Price: price, Amount: amount})
	}
	return out
}

// parseTimeMillis converts the feed's RFC3339 timestamp, falling back to
// local receive time when the field is absent.
func parseTimeMillis(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

// Close is part of exchange.Capability. Watch streams hold their own
// connections and close with their streams; the adapter itself is stateless.
func (e *Exchange) Close() error { return nil }
