package manager

import (
	"sync"

	"github.com/marketmux/marketmux/internal/model"
)

type itemKind int

const (
	itemTrade itemKind = iota
	itemBook
	itemTicker
	itemDead
	itemSeed
)

// item is one unit of work for the router goroutine. Stream items carry
// their payload; dead and seed items carry the stream key plus outcome.
type item struct {
	kind   itemKind
	trade  model.Trade
	book   model.OrderBookSnapshot
	ticker model.Ticker

	key        model.StreamKey
	err        error
	subscriber string
	series     model.CandleSeries
}

// intakeQueue is the unbounded async→router queue. Push never blocks; Pop
// blocks until an item arrives or the queue is closed and fully drained, so
// closing flushes rather than discards.
type intakeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	closed bool
}

func newIntakeQueue() *intakeQueue {
	q := &intakeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item; reports false once the queue is closed.
func (q *intakeQueue) push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.cond.Signal()
	return true
}

// pop removes the head item, blocking while the queue is open and empty.
// Returns ok=false only when the queue is closed and empty.
func (q *intakeQueue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *intakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops accepting new items and wakes the consumer to drain the rest.
func (q *intakeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
