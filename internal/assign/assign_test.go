// ABOUTME: Tests for room claims, rollback, and announcement
// ABOUTME: Uses an in-memory compare-and-set room service shared by competing agents

package assign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type casRooms struct {
	mu      sync.Mutex
	holder  map[int64]int64
	calls   int
	failErr error
	// during runs while the request is in flight.
	during func()
	// gate, when set, holds every request until closed or cancelled.
	gate chan struct{}
	// arrived, when set, is signalled as each request starts.
	arrived chan struct{}
}

func newCASRooms() *casRooms {
	return &casRooms{holder: make(map[int64]int64)}
}

func (f *casRooms) AssignAgent(ctx context.Context, roomID, agentID int64, agentName string) (*roomapi.RoomDetail, error) {
	if f.arrived != nil {
		f.arrived <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	if cur, ok := f.holder[roomID]; ok && cur != agentID {
		return nil, &roomapi.AssignConflict{RoomID: roomID, AgentID: cur}
	}
	f.holder[roomID] = agentID
	id := agentID
	return &roomapi.RoomDetail{RoomID: roomID, AgentID: &id, AgentName: agentName, Status: session.StatusOpen}, nil
}

func (f *casRooms) RoomDetail(context.Context, int64) (*roomapi.RoomDetail, error) {
	return nil, roomapi.ErrNotFound
}

func (f *casRooms) UpdateStatus(context.Context, int64, session.Status) error { return nil }

func (f *casRooms) CloseRoom(context.Context, int64) error { return nil }

type recordingAnnouncer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (a *recordingAnnouncer) SendSystem(_ context.Context, _ int64, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, content)
	return a.err
}

func (a *recordingAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func TestClaim_Success(t *testing.T) {
	store := session.NewStore()
	rooms := newCASRooms()
	ann := &recordingAnnouncer{}
	c := New(store, rooms, ann, nil)

	room, err := c.Claim(context.Background(), 8, 21, "Dr. Kim")
	require.NoError(t, err)
	require.NotNil(t, room.Assignment)
	assert.Equal(t, int64(21), room.Assignment.AgentID)
	assert.False(t, room.Assignment.Provisional)
	assert.Equal(t, []string{"Dr. Kim has been assigned to this consultation"}, ann.sent)
}

func TestClaim_RepeatByHolderIsNoop(t *testing.T) {
	store := session.NewStore()
	rooms := newCASRooms()
	ann := &recordingAnnouncer{}
	c := New(store, rooms, ann, nil)

	_, err := c.Claim(context.Background(), 8, 21, "Dr. Kim")
	require.NoError(t, err)
	_, err = c.Claim(context.Background(), 8, 21, "Dr. Kim")
	require.NoError(t, err)

	assert.Equal(t, 1, rooms.calls)
	assert.Equal(t, 1, ann.count())
}

func TestClaim_ConcurrentAgentsOneWinner(t *testing.T) {
	rooms := newCASRooms()
	rooms.gate = make(chan struct{})

	type agent struct {
		id    int64
		store *session.Store
		ann   *recordingAnnouncer
		c     *Coordinator
		err   error
	}
	agents := []*agent{{id: 1}, {id: 2}}
	for _, a := range agents {
		a.store = session.NewStore()
		a.ann = &recordingAnnouncer{}
		a.c = New(a.store, rooms, a.ann, nil)
	}

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, a.err = a.c.Claim(context.Background(), 30, a.id, "agent")
		}()
	}

	// Both claims are provisional before the service answers.
	for _, a := range agents {
		require.Eventually(t, func() bool {
			r, ok := a.store.Room(30)
			return ok && r.Assignment != nil && r.Assignment.Provisional
		}, timeout, tick)
	}
	close(rooms.gate)
	wg.Wait()

	var winners, losers int
	for _, a := range agents {
		r, _ := a.store.Room(30)
		if a.err == nil {
			winners++
			require.NotNil(t, r.Assignment)
			assert.Equal(t, a.id, r.Assignment.AgentID)
			assert.False(t, r.Assignment.Provisional)
			assert.Equal(t, 1, a.ann.count())
			continue
		}
		losers++
		assert.ErrorIs(t, a.err, ErrAssignmentConflict)
		var ce *ConflictError
		require.ErrorAs(t, a.err, &ce)
		assert.Equal(t, rooms.holder[30], ce.HolderID)
		assert.Nil(t, r.Assignment)
		assert.Equal(t, 0, a.ann.count())
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestClaim_RollbackOnlyOwnProvisional(t *testing.T) {
	store := session.NewStore()
	rooms := newCASRooms()
	rooms.holder[4] = 99
	c := New(store, rooms, &recordingAnnouncer{}, nil)

	// A delivery during the request tells us agent 99 holds the room.
	rooms.during = func() {
		_, _ = store.UpdateRoom(4, func(r *session.Room) {
			r.Assignment = &session.Assignment{AgentID: 99}
		})
	}

	_, err := c.Claim(context.Background(), 4, 21, "Dr. Kim")
	require.ErrorIs(t, err, ErrAssignmentConflict)

	r, _ := store.Room(4)
	require.NotNil(t, r.Assignment)
	assert.Equal(t, int64(99), r.Assignment.AgentID)
}

func TestClaim_ServiceFailureRollsBack(t *testing.T) {
	store := session.NewStore()
	rooms := newCASRooms()
	rooms.failErr = errors.New("connection refused")
	ann := &recordingAnnouncer{}
	c := New(store, rooms, ann, nil)

	_, err := c.Claim(context.Background(), 4, 21, "Dr. Kim")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAssignmentConflict)

	r, _ := store.Room(4)
	assert.Nil(t, r.Assignment)
	assert.Empty(t, r.AgentName)
	assert.Equal(t, 0, ann.count())
}

func TestClaim_AnnouncementFailureKeepsAssignment(t *testing.T) {
	store := session.NewStore()
	ann := &recordingAnnouncer{err: errors.New("not connected")}
	c := New(store, newCASRooms(), ann, nil)

	room, err := c.Claim(context.Background(), 4, 21, "Dr. Kim")
	require.NoError(t, err)
	assert.False(t, room.Assignment.Provisional)
}

func TestClaim_CancelledCallerDoesNotFailCoalescedClaim(t *testing.T) {
	store := session.NewStore()
	store.EnsureRoom(5)
	rooms := newCASRooms()
	rooms.gate = make(chan struct{})
	rooms.arrived = make(chan struct{}, 4)
	c := New(store, rooms, &recordingAnnouncer{}, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Claim(firstCtx, 5, 7, "Dr. Kim")
		firstErr <- err
	}()
	<-rooms.arrived

	type result struct {
		room session.Room
		err  error
	}
	second := make(chan result, 1)
	go func() {
		room, err := c.Claim(context.Background(), 5, 7, "Dr. Kim")
		second <- result{room, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(timeout):
		t.Fatal("cancelled claim did not return")
	}

	close(rooms.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		id, ok := res.room.AgentID()
		require.True(t, ok)
		assert.Equal(t, int64(7), id)
		assert.False(t, res.room.Assignment.Provisional)
	case <-time.After(timeout):
		t.Fatal("coalesced claim did not return")
	}

	rooms.mu.Lock()
	assert.Equal(t, 1, rooms.calls)
	rooms.mu.Unlock()
}
