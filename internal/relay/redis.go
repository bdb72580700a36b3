// ABOUTME: Redis pub/sub fan-out so several relay replicas share room topics
// ABOUTME: Publishes go through Redis; a pattern subscription feeds the local broadcaster

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// RedisFanout is a Fanout backed by Redis pub/sub. Every replica publishes
// to "<channel>:<topic>" and relays what it hears to its own subscribers.
type RedisFanout struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	local  *Broadcaster
	done   chan struct{}
	logger *slog.Logger
}

// NewRedisFanout subscribes to every topic under channel. The client stays
// owned by the caller.
func NewRedisFanout(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*RedisFanout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := channel + ":"
	ps := client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s*: %w", prefix, err)
	}

	f := &RedisFanout{
		client: client,
		prefix: prefix,
		pubsub: ps,
		local:  NewBroadcaster(logger),
		done:   make(chan struct{}),
		logger: logger.With("component", "redis-fanout"),
	}
	go f.pump()
	return f, nil
}

func (f *RedisFanout) pump() {
	defer close(f.done)
	for msg := range f.pubsub.Channel() {
		topic, ok := strings.CutPrefix(msg.Channel, f.prefix)
		if !ok {
			continue
		}
		_ = f.local.Publish(context.Background(), topic, []byte(msg.Payload))
	}
}

// Publish sends body to every replica's subscribers of topic.
func (f *RedisFanout) Publish(ctx context.Context, topic string, body []byte) error {
	if err := f.client.Publish(ctx, f.prefix+topic, body).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

func (f *RedisFanout) Subscribe(ctx context.Context, topic string) (<-chan []byte, string) {
	return f.local.Subscribe(ctx, topic)
}

func (f *RedisFanout) Unsubscribe(topic, subID string) {
	f.local.Unsubscribe(topic, subID)
}

// Close stops the pattern subscription and closes local subscribers.
func (f *RedisFanout) Close() error {
	err := f.pubsub.Close()
	<-f.done
	f.local.Close()
	if err != nil {
		return fmt.Errorf("closing redis subscription: %w", err)
	}
	return nil
}
