// ABOUTME: In-memory fan-out of relay topics to subscribed STOMP sessions
// ABOUTME: Publishes encoded room messages to every subscriber of a topic

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Fanout delivers published topic payloads to the topic's subscribers.
type Fanout interface {
	// Publish sends body to every subscriber of topic.
	Publish(ctx context.Context, topic string, body []byte) error
	// Subscribe registers for topic. The channel is closed on Unsubscribe,
	// on ctx cancellation, or when the fan-out is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, string)
	Unsubscribe(topic, subID string)
	Close() error
}

// Broadcaster is the single-process Fanout.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for topic. Returns a channel that
// receives payloads and a subscription ID for later unsubscription. The
// subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan []byte)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends body to all subscribers of topic. Payloads are dropped for
// subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, topic string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[topic] {
		select {
		case ch <- body:
		default:
			b.logger.Warn("dropped payload for slow subscriber", "topic", topic, "sub_id", subID)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Subscribers reports how many subscriptions topic has.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
	return nil
}
