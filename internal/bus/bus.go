// Package bus fans events out to websocket sessions and other in-process
// consumers. Delivery is FIFO per topic with a monotonically increasing
// sequence number, so a client can detect gaps. Subscribers own a bounded
// buffer: one that stops draining is dropped from the bus rather than
// blocking the publisher or degrading its own stream. The subscription is
// marked lagged and its channel closed; remaining subscribers miss nothing.
package bus

import (
	"sync"
	"time"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// Base topic names.
const (
	TopicQuotes     = "quotes"
	TopicOrders     = "orders"
	TopicFills      = "fills"
	TopicPositions  = "positions"
	TopicAccounts   = "accounts"
	TopicStrategies = "strategies"
	TopicViolations = "violations"
	TopicAlerts     = "alerts"
	TopicSystem     = "system"
)

// Scoped derives an entity-scoped topic, e.g. Scoped(TopicOrders, "paper_sim")
// = "orders/paper_sim". Publishers emit both the base and the scoped form.
func Scoped(base, id string) string { return base + "/" + id }

const defaultBuffer = 256

// Subscription is one consumer's bounded view of the bus.
type Subscription struct {
	ch chan types.Event

	mu     sync.Mutex
	topics map[string]bool // empty set = every topic
	lagged bool
}

// C is the event channel. Closed by Unsubscribe.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// SetTopics replaces the topic filter. An empty list subscribes to everything.
func (s *Subscription) SetTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		s.topics[t] = true
	}
}

// AddTopics extends the topic filter.
func (s *Subscription) AddTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics == nil {
		s.topics = make(map[string]bool, len(topics))
	}
	for _, t := range topics {
		s.topics[t] = true
	}
}

// RemoveTopics shrinks the topic filter.
func (s *Subscription) RemoveTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics) == 0 || s.topics[topic]
}

// Lagged reports whether the bus dropped this subscription for not keeping
// up. Valid once the channel is closed.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

func (s *Subscription) markLagged() {
	s.mu.Lock()
	s.lagged = true
	s.mu.Unlock()
}

// offer enqueues without blocking. False means the buffer is full.
func (s *Subscription) offer(ev types.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Bus is the in-process event hub.
type Bus struct {
	mu   sync.Mutex
	seqs map[string]uint64
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{
		seqs: make(map[string]uint64),
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer for the given topics (none = all).
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{ch: make(chan types.Event, defaultBuffer)}
	sub.SetTopics(topics)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish stamps the event with the topic's next sequence number and offers
// it to every matching subscriber. A subscriber with no buffer room is
// dropped from the bus on the spot; the publisher never blocks and the
// stream never develops silent gaps.
func (b *Bus) Publish(topic, eventType string, data any) {
	b.mu.Lock()
	b.seqs[topic]++
	ev := types.Event{
		Type:      eventType,
		Topic:     topic,
		Seq:       b.seqs[topic],
		Data:      data,
		Timestamp: time.Now(),
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.wants(topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.offer(ev) {
			sub.markLagged()
			b.Unsubscribe(sub)
		}
	}
}

// Seq returns the last sequence number issued for a topic.
func (b *Bus) Seq(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[topic]
}
