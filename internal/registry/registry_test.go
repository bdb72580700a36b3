// ABOUTME: Tests for the room subscription registry
// ABOUTME: Covers idempotent subscribe, teardown, queued rooms, and reconnect replay

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-session/internal/transport"
	"github.com/2389/consult-session/internal/transport/transporttest"
	"github.com/2389/consult-session/internal/wire"
)

type received struct {
	mu       sync.Mutex
	payloads map[int64][]string
}

func (r *received) deliver(roomID int64, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[int64][]string)
	}
	r.payloads[roomID] = append(r.payloads[roomID], string(payload))
}

func (r *received) get(roomID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads[roomID]...)
}

func setup(t *testing.T) (*transport.Conn, *transporttest.Dialer, *Registry, *received) {
	t.Helper()
	d := &transporttest.Dialer{}
	conn := transport.New(d, transport.Config{RetryInterval: 5 * time.Millisecond, MaxAttempts: 5})
	rec := &received{}
	reg := New(conn, rec.deliver, nil)
	conn.SetReplayer(reg)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, d, reg, rec
}

func waitReady(t *testing.T, conn *transport.Conn) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.State() == transport.StateReady }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	conn, d, reg, _ := setup(t)
	require.NoError(t, conn.Connect(t.Context()))

	st, err := reg.Subscribe(7)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)

	st, err = reg.Subscribe(7)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)

	assert.Equal(t, []string{wire.RoomTopic(7)}, d.Current().Topics())
	assert.Equal(t, []int64{7}, reg.Rooms())
}

func TestRegistry_DeliversToRoom(t *testing.T) {
	conn, d, reg, rec := setup(t)
	require.NoError(t, conn.Connect(t.Context()))
	_, err := reg.Subscribe(7)
	require.NoError(t, err)

	require.True(t, d.Current().Deliver(wire.RoomTopic(7), []byte("payload")))

	require.Eventually(t, func() bool { return len(rec.get(7)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"payload"}, rec.get(7))
}

func TestRegistry_UnsubscribeRemovesRoom(t *testing.T) {
	conn, d, reg, _ := setup(t)
	require.NoError(t, conn.Connect(t.Context()))
	_, err := reg.Subscribe(7)
	require.NoError(t, err)

	require.NoError(t, reg.Unsubscribe(7))

	_, ok := reg.State(7)
	assert.False(t, ok)
	assert.Empty(t, reg.Rooms())
	assert.Equal(t, []string{wire.RoomTopic(7)}, d.Current().Unsubscribed())

	// Unknown rooms are a no-op.
	assert.NoError(t, reg.Unsubscribe(99))
}

func TestRegistry_QueuedWhileDisconnected(t *testing.T) {
	conn, d, reg, _ := setup(t)

	st, err := reg.Subscribe(3)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, st)

	require.NoError(t, conn.Connect(t.Context()))

	assert.Equal(t, []string{wire.RoomTopic(3)}, d.Current().Topics())
	st, ok := reg.State(3)
	require.True(t, ok)
	assert.Equal(t, StateActive, st)
}

func TestRegistry_ReconnectReplaysExactlyRegisteredRoomsInOrder(t *testing.T) {
	conn, d, reg, _ := setup(t)
	require.NoError(t, conn.Connect(t.Context()))
	for _, id := range []int64{7, 12} {
		_, err := reg.Subscribe(id)
		require.NoError(t, err)
	}

	d.Current().Drop(errors.New("socket reset"))

	require.Eventually(t, func() bool { return d.Links() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitReady(t, conn)

	assert.Equal(t, []string{wire.RoomTopic(7), wire.RoomTopic(12)}, d.Link(1).Topics())
	assert.Equal(t, map[string]int{wire.RoomTopic(7): 1, wire.RoomTopic(12): 1}, d.Link(1).Live())
	assert.Equal(t, []int64{7, 12}, reg.Rooms())
	for _, id := range []int64{7, 12} {
		st, _ := reg.State(id)
		assert.Equal(t, StateActive, st, "room %d", id)
	}
}

func TestRegistry_ReplaySkipsClosingRooms(t *testing.T) {
	_, _, reg, _ := setup(t)
	reg.entries[5] = &entry{roomID: 5, closing: true}
	reg.entries[6] = &entry{roomID: 6}
	reg.order = []int64{5, 6}

	sub := &recordingSubscriber{}
	reg.conn = sub

	require.NoError(t, reg.ReplayAll(t.Context()))
	assert.Equal(t, []string{wire.RoomTopic(6)}, sub.topics)
	assert.Equal(t, []int64{6}, reg.Rooms())
}

func TestRegistry_ReplayBatchRollsBackOnFailure(t *testing.T) {
	conn, d, reg, _ := setup(t)
	require.NoError(t, conn.Connect(t.Context()))
	for _, id := range []int64{1, 2} {
		_, err := reg.Subscribe(id)
		require.NoError(t, err)
	}

	// The next link refuses room 2 once, forcing a rollback and a redial.
	refused := false
	var mu sync.Mutex
	d.Prepare = func(l *transporttest.Link) {
		mu.Lock()
		defer mu.Unlock()
		if !refused {
			refused = true
			l.FailSubscribe[wire.RoomTopic(2)] = true
		}
	}
	d.Current().Drop(errors.New("socket reset"))

	require.Eventually(t, func() bool { return d.Links() == 3 }, 2*time.Second, 5*time.Millisecond)
	waitReady(t, conn)

	assert.Equal(t, []string{wire.RoomTopic(1)}, d.Link(1).Unsubscribed())
	assert.Equal(t, map[string]int{wire.RoomTopic(1): 1, wire.RoomTopic(2): 1}, d.Link(2).Live())
}

// openingReplayer opens a room on the fresh link just before the batch runs,
// the way an OpenRoom call can land between link install and replay.
type openingReplayer struct {
	reg    *Registry
	once   sync.Once
	before func()
}

func (o *openingReplayer) ReplayAll(ctx context.Context) error {
	if o.before != nil {
		o.once.Do(o.before)
	}
	return o.reg.ReplayAll(ctx)
}

func TestRegistry_ReplayKeepsRoomOpenedOnNewLink(t *testing.T) {
	conn, d, reg, rec := setup(t)
	require.NoError(t, conn.Connect(t.Context()))
	_, err := reg.Subscribe(12)
	require.NoError(t, err)

	opening := &openingReplayer{reg: reg}
	conn.SetReplayer(opening)
	opening.before = func() {
		st, err := reg.Subscribe(7)
		assert.NoError(t, err)
		assert.Equal(t, StateActive, st)
	}

	d.Current().Drop(errors.New("socket reset"))
	require.Eventually(t, func() bool { return d.Links() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitReady(t, conn)

	assert.Equal(t, map[string]int{wire.RoomTopic(7): 1, wire.RoomTopic(12): 1}, d.Link(1).Live())
	assert.Equal(t, []int64{12, 7}, reg.Rooms())

	require.True(t, d.Link(1).Deliver(wire.RoomTopic(7), []byte("once")))
	require.Eventually(t, func() bool { return len(rec.get(7)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.get(7), 1)

	require.NoError(t, reg.Unsubscribe(7))
	assert.Equal(t, map[string]int{wire.RoomTopic(12): 1}, d.Link(1).Live())
}

type recordingSubscriber struct {
	topics []string
}

func (s *recordingSubscriber) Subscribe(topic string, h transport.Handler) (*transport.Handle, error) {
	s.topics = append(s.topics, topic)
	return &transport.Handle{}, nil
}

func (s *recordingSubscriber) Unsubscribe(h *transport.Handle) error { return nil }
