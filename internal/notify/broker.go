package notify

import (
	"sync"

	"liveroom/internal/observability/metrics"
)

const defaultSubscriberBuffer = 64

// Broker is the in-process Bus. Each subscriber owns a buffered channel;
// a subscriber that falls behind loses events instead of stalling the
// broadcaster.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*brokerSubscription]struct{}
	buffer  int
	metrics *metrics.Recorder
}

// NewBroker returns a Broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int, recorder *metrics.Recorder) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broker{
		subs:    make(map[*brokerSubscription]struct{}),
		buffer:  buffer,
		metrics: recorder,
	}
}

func (b *Broker) Broadcast(event Event) {
	if event.Type == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.metrics.NotificationDropped("memory")
		}
	}
}

func (b *Broker) Subscribe() Subscription {
	sub := &brokerSubscription{
		broker: b,
		ch:     make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscribers reports the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type brokerSubscription struct {
	once   sync.Once
	broker *Broker
	ch     chan Event
}

func (s *brokerSubscription) Events() <-chan Event {
	return s.ch
}

func (s *brokerSubscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
}
