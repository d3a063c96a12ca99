package fake

import (
	"sync"

	"github.com/marketmux/marketmux/internal/exchange"
)

// feed tracks the open scripted streams for one item kind. Items pushed
// before any stream is open are buffered and replayed on the next open, so
// tests do not have to race the subscriber.
type feed[T any] struct {
	mu      sync.Mutex
	streams []*scriptedStream[T]
	pending []pendingItem[T]
}

type pendingItem[T any] struct {
	symbol string
	item   T
}

type scriptedStream[T any] struct {
	feed    *feed[T]
	ch      chan T
	wrapped exchange.Stream[T]
	active  map[string]struct{}
	closed  bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{}
}

func (f *feed[T]) open(venue string, symbols []string) (exchange.Stream[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &scriptedStream[T]{
		feed:   f,
		ch:     make(chan T, 1024),
		active: make(map[string]struct{}, len(symbols)),
	}
	for _, sym := range symbols {
		s.active[sym] = struct{}{}
	}
	s.wrapped = exchange.NewChanStream(s.ch, s.setSymbols, s.close)
	f.streams = append(f.streams, s)

	// Replay anything pushed before the stream existed.
	var keep []pendingItem[T]
	for _, p := range f.pending {
		if _, ok := s.active[p.symbol]; ok {
			s.ch <- p.item
		} else {
			keep = append(keep, p)
		}
	}
	f.pending = keep
	return s.wrapped, nil
}

func (f *feed[T]) push(symbol string, item T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := false
	for _, s := range f.streams {
		if s.closed {
			continue
		}
		if _, ok := s.active[symbol]; !ok {
			continue
		}
		select {
		case s.ch <- item:
			delivered = true
		default:
		}
	}
	if !delivered {
		f.pending = append(f.pending, pendingItem[T]{symbol: symbol, item: item})
	}
}

func (f *feed[T]) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.closed {
			continue
		}
		s.closed = true
		exchange.FailStream(s.wrapped, err)
		close(s.ch)
	}
	f.streams = nil
}

func (f *feed[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	f.streams = nil
}

func (f *feed[T]) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.streams {
		if !s.closed {
			n++
		}
	}
	return n
}

func (f *feed[T]) symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.streams {
		if s.closed {
			continue
		}
		out := make([]string, 0, len(s.active))
		for sym := range s.active {
			out = append(out, sym)
		}
		return out
	}
	return nil
}

func (s *scriptedStream[T]) setSymbols(symbols []string) error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.closed {
		return exchange.NewError(exchange.ErrUnknown, "fake", "set_symbols", nil)
	}
	s.active = make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		s.active[sym] = struct{}{}
	}
	return nil
}

func (s *scriptedStream[T]) close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
