package sim

import (
	"container/heap"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// restingOrder is a limit or stop order parked in the book until a quote
// reaches it. seq breaks price ties in arrival order.
type restingOrder struct {
	orderID string
	side    types.Side
	price   float64
	seq     uint64
	index   int
}

// orderQueue is a price-priority heap. popHigh selects whether the highest
// price is served first (buy limits, sell stops) or the lowest (sell limits,
// buy stops). Equal prices fill in insertion order.
type orderQueue struct {
	items   []*restingOrder
	popHigh bool
}

func newOrderQueue(popHigh bool) *orderQueue {
	return &orderQueue{popHigh: popHigh}
}

func (q *orderQueue) Len() int { return len(q.items) }

func (q *orderQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.price != b.price {
		if q.popHigh {
			return a.price > b.price
		}
		return a.price < b.price
	}
	return a.seq < b.seq
}

func (q *orderQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *orderQueue) Push(x any) {
	ro := x.(*restingOrder)
	ro.index = len(q.items)
	q.items = append(q.items, ro)
}

func (q *orderQueue) Pop() any {
	old := q.items
	n := len(old)
	ro := old[n-1]
	old[n-1] = nil
	ro.index = -1
	q.items = old[:n-1]
	return ro
}

func (q *orderQueue) peek() *restingOrder {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *orderQueue) removeByID(orderID string) bool {
	for i, ro := range q.items {
		if ro.orderID == orderID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}

// book holds the resting orders for one symbol.
type book struct {
	buyLimits  *orderQueue // highest limit first
	sellLimits *orderQueue // lowest limit first
	buyStops   *orderQueue // lowest trigger first (fires as price rises)
	sellStops  *orderQueue // highest trigger first (fires as price falls)
}

func newBook() *book {
	return &book{
		buyLimits:  newOrderQueue(true),
		sellLimits: newOrderQueue(false),
		buyStops:   newOrderQueue(false),
		sellStops:  newOrderQueue(true),
	}
}

func (b *book) addLimit(orderID string, side types.Side, limit float64, seq uint64) {
	ro := &restingOrder{orderID: orderID, side: side, price: limit, seq: seq}
	if side == types.SideBuy {
		heap.Push(b.buyLimits, ro)
	} else {
		heap.Push(b.sellLimits, ro)
	}
}

func (b *book) addStop(orderID string, side types.Side, trigger float64, seq uint64) {
	ro := &restingOrder{orderID: orderID, side: side, price: trigger, seq: seq}
	if side == types.SideBuy {
		heap.Push(b.buyStops, ro)
	} else {
		heap.Push(b.sellStops, ro)
	}
}

// remove pulls an order out of whichever queue holds it.
func (b *book) remove(orderID string) bool {
	return b.buyLimits.removeByID(orderID) ||
		b.sellLimits.removeByID(orderID) ||
		b.buyStops.removeByID(orderID) ||
		b.sellStops.removeByID(orderID)
}

// execution is a book order released by a quote. Limit executions carry the
// marketable price; stop executions convert to market orders.
type execution struct {
	orderID string
	price   float64 // 0 for stops: the caller prices them as market orders
	stop    bool
}

// match releases every resting order the quote makes marketable, in price
// then arrival priority. Limit buys fill when the ask trades through the
// limit, price-improved to the ask; stops trigger off the last trade.
func (b *book) match(q types.Quote) []execution {
	var out []execution

	for top := b.buyLimits.peek(); top != nil && q.Ask > 0 && q.Ask <= top.price; top = b.buyLimits.peek() {
		heap.Pop(b.buyLimits)
		out = append(out, execution{orderID: top.orderID, price: q.Ask})
	}
	for top := b.sellLimits.peek(); top != nil && q.Bid > 0 && q.Bid >= top.price; top = b.sellLimits.peek() {
		heap.Pop(b.sellLimits)
		out = append(out, execution{orderID: top.orderID, price: q.Bid})
	}
	for top := b.buyStops.peek(); top != nil && q.Last >= top.price; top = b.buyStops.peek() {
		heap.Pop(b.buyStops)
		out = append(out, execution{orderID: top.orderID, stop: true})
	}
	for top := b.sellStops.peek(); top != nil && q.Last <= top.price; top = b.sellStops.peek() {
		heap.Pop(b.sellStops)
		out = append(out, execution{orderID: top.orderID, stop: true})
	}
	return out
}

func (b *book) size() int {
	return b.buyLimits.Len() + b.sellLimits.Len() + b.buyStops.Len() + b.sellStops.Len()
}
