// Package bus implements the Trade Bus (spec.md §4.5): a best-effort
// broadcast fan-out from the single WS Subscriber to every active Session
// Engine goroutine. Grounded on the teacher's channel-based signal/trade
// plumbing (web3guy0-polybot/internal/markets/manager.go's signalCh/tradeCh
// fields), generalized into a small reusable broadcast type; the
// best-effort/dropped-count semantics mirror
// original_source/src/api/engine.rs's broadcast::Receiver lag handling.
package bus

import "sync"

// TradeBus fans a stream of trades out to any number of subscribers. A slow
// or absent subscriber never blocks the publisher or other subscribers —
// a full subscriber channel drops the newest item and increments its
// dropped counter instead of blocking.
type TradeBus struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	ch      chan any
	dropped uint64
}

// New constructs an empty TradeBus.
func New() *TradeBus {
	return &TradeBus{subs: make(map[int]*subscription)}
}

// Subscribe registers a new receiver with the given buffer size. Call the
// returned cancel func to unsubscribe and release the channel.
func (b *TradeBus) Subscribe(buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscription{ch: make(chan any, buffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, cancel
}

// Publish delivers trade to every current subscriber, non-blocking.
func (b *TradeBus) Publish(trade any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- trade:
		default:
			sub.dropped++
		}
	}
}

// SubscriberCount reports how many receivers are currently attached —
// used by wsfeed's health log to warn when addresses are tracked but
// nothing is listening.
func (b *TradeBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
