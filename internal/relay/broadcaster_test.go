// ABOUTME: Tests for the in-memory topic broadcaster
// ABOUTME: Covers fan-out, isolation, slow consumers, cancellation, and close

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case body, ok := <-ch:
		require.True(t, ok, "channel closed")
		return body
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "/topic/rooms/1")
	ch2, _ := b.Subscribe(t.Context(), "/topic/rooms/1")

	require.NoError(t, b.Publish(t.Context(), "/topic/rooms/1", []byte("hi")))

	assert.Equal(t, "hi", string(receive(t, ch1)))
	assert.Equal(t, "hi", string(receive(t, ch2)))
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "/topic/rooms/1")
	ch2, _ := b.Subscribe(t.Context(), "/topic/rooms/2")

	require.NoError(t, b.Publish(t.Context(), "/topic/rooms/2", []byte("two")))

	assert.Equal(t, "two", string(receive(t, ch2)))
	select {
	case body := <-ch1:
		t.Fatalf("room 1 received %q", body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	slow, _ := b.Subscribe(t.Context(), "t")
	fast, _ := b.Subscribe(t.Context(), "t")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			_ = b.Publish(context.Background(), "t", []byte{byte(i)})
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, slow, subscriberBufferSize)
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, "t")
	require.Equal(t, 1, b.Subscribers("t"))

	cancel()

	require.Eventually(t, func() bool { return b.Subscribers("t") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(t.Context(), "t")
	b.Unsubscribe("t", id)
	b.Unsubscribe("t", id)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers("t"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "a")
	ch2, _ := b.Subscribe(t.Context(), "b")
	require.NoError(t, b.Close())

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)

	late, _ := b.Subscribe(t.Context(), "a")
	_, ok := <-late
	assert.False(t, ok, "subscription after close should be closed")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, id := b.Subscribe(t.Context(), "t")
			_ = b.Publish(t.Context(), "t", []byte("x"))
			b.Unsubscribe("t", id)
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(t.Context(), "t", []byte("y"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers("t"))
}
