// ABOUTME: Integration tests for the session manager over the fake transport
// ABOUTME: Covers echo confirmation, timeouts, replay, claims, exits, and history

package consult

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-session/internal/assign"
	"github.com/2389/consult-session/internal/registry"
	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/transport"
	"github.com/2389/consult-session/internal/transport/transporttest"
	"github.com/2389/consult-session/internal/wire"
)

const (
	customerID int64 = 1
	agentID    int64 = 2

	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeRooms is an in-memory room service with a compare-and-set assign.
type fakeRooms struct {
	mu       sync.Mutex
	holder   map[int64]int64
	status   map[int64]session.Status
	closed   map[int64]bool
	detail   map[int64]*roomapi.RoomDetail
	statusN  int
	assignN  int
	failNext error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{
		holder: make(map[int64]int64),
		status: make(map[int64]session.Status),
		closed: make(map[int64]bool),
		detail: make(map[int64]*roomapi.RoomDetail),
	}
}

func (f *fakeRooms) RoomDetail(_ context.Context, roomID int64) (*roomapi.RoomDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.detail[roomID]
	if !ok {
		return nil, roomapi.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeRooms) UpdateStatus(_ context.Context, roomID int64, status session.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusN++
	f.status[roomID] = status
	return nil
}

func (f *fakeRooms) AssignAgent(_ context.Context, roomID, agentID int64, agentName string) (*roomapi.RoomDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignN++
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	if cur, ok := f.holder[roomID]; ok && cur != agentID {
		return nil, &roomapi.AssignConflict{RoomID: roomID, AgentID: cur}
	}
	f.holder[roomID] = agentID
	id := agentID
	return &roomapi.RoomDetail{RoomID: roomID, AgentID: &id, AgentName: agentName, Status: session.StatusOpen}, nil
}

func (f *fakeRooms) CloseRoom(_ context.Context, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[roomID] = true
	return nil
}

type fakeHistory struct {
	mu    sync.Mutex
	pages map[string]*roomapi.HistoryPage
	err   error
}

func (f *fakeHistory) FetchHistory(_ context.Context, roomID int64, cursor string, _ int) (*roomapi.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pages[cursor]
	if !ok {
		return &roomapi.HistoryPage{}, nil
	}
	return p, nil
}

type harness struct {
	t       *testing.T
	dialer  *transporttest.Dialer
	conn    *transport.Conn
	m       *Manager
	rooms   *fakeRooms
	history *fakeHistory
}

type harnessOpt func(*harness, *Config)

// autoEcho makes every new link reflect published messages back on the
// room topic, like the relay does.
func autoEcho(echoClientID bool) harnessOpt {
	var nextID atomic.Int64
	nextID.Store(1000)
	return func(h *harness, cfg *Config) {
		h.dialer.Prepare = func(l *transporttest.Link) {
			l.OnSend = func(s transporttest.Sent) {
				var out wire.OutboundMessage
				if err := json.Unmarshal(s.Body, &out); err != nil {
					return
				}
				in := wire.InboundMessage{
					MessageID: nextID.Add(1),
					UserID:    cfg.UserID,
					Content:   out.Content,
					CreatedAt: wire.Timestamp{Time: time.Now()},
				}
				if out.System {
					in.System = &out.System
				}
				if echoClientID {
					in.ClientMsgID = out.ClientMsgID
				}
				body, _ := json.Marshal(in)
				l.Deliver(wire.RoomTopic(out.RoomID), body)
			}
		}
	}
}

func withConfig(fn func(*Config)) harnessOpt {
	return func(_ *harness, cfg *Config) { fn(cfg) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		dialer:  &transporttest.Dialer{},
		rooms:   newFakeRooms(),
		history: &fakeHistory{pages: make(map[string]*roomapi.HistoryPage)},
	}
	cfg := Config{UserID: agentID, DisplayName: "Dr. Kim", PublishTimeout: time.Second}
	for _, opt := range opts {
		opt(h, &cfg)
	}
	h.conn = transport.New(h.dialer, transport.Config{RetryInterval: 10 * time.Millisecond, MaxAttempts: 3})
	h.m = New(h.conn, h.history, h.rooms, cfg)
	t.Cleanup(func() { _ = h.m.Stop() })
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.m.Start(context.Background()))
}

func (h *harness) open(roomID int64) {
	h.t.Helper()
	st, err := h.m.OpenRoom(context.Background(), roomID)
	require.NoError(h.t, err)
	require.Equal(h.t, registry.StateActive, st)
}

func (h *harness) deliver(roomID int64, in wire.InboundMessage) {
	h.t.Helper()
	body, err := json.Marshal(in)
	require.NoError(h.t, err)
	require.True(h.t, h.dialer.Current().Deliver(wire.RoomTopic(roomID), body))
}

func (h *harness) waitLen(roomID int64, n int) []session.Message {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.m.View(roomID)) == n }, timeout, tick)
	return h.m.View(roomID)
}

func (h *harness) sentTo(link *transporttest.Link) []wire.OutboundMessage {
	var out []wire.OutboundMessage
	for _, s := range link.Sent() {
		var msg wire.OutboundMessage
		require.NoError(h.t, json.Unmarshal(s.Body, &msg))
		require.Equal(h.t, wire.SendDestination, s.Destination)
		out = append(out, msg)
	}
	return out
}

func waitEvent(t *testing.T, m *Manager, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-m.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func confirmed(m session.Message) bool {
	_, ok := m.ServerID()
	return ok
}

func TestManager_SendConfirmedByEcho(t *testing.T) {
	for _, echoID := range []bool{true, false} {
		h := newHarness(t, autoEcho(echoID))
		h.start()
		h.open(7)

		msg, err := h.m.Send(context.Background(), 7, "hello doctor")
		require.NoError(t, err)
		assert.True(t, msg.IsPending())

		require.Eventually(t, func() bool {
			view := h.m.View(7)
			return len(view) == 1 && confirmed(view[0])
		}, timeout, tick)

		view := h.m.View(7)
		assert.Equal(t, "hello doctor", view[0].Content)
		assert.Equal(t, agentID, view[0].SenderID)
	}
}

func TestManager_OptimisticScenario(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)
	h := newHarness(t, withConfig(func(c *Config) {
		c.Now = func() time.Time { return now }
		c.PublishTimeout = time.Minute
	}))
	h.start()
	h.open(9)

	h.deliver(9, wire.InboundMessage{MessageID: 1, UserID: customerID, Content: "m1",
		CreatedAt: wire.Timestamp{Time: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}})
	h.deliver(9, wire.InboundMessage{MessageID: 2, UserID: agentID, Content: "m2",
		CreatedAt: wire.Timestamp{Time: time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)}})
	h.waitLen(9, 2)

	sent, err := h.m.Send(context.Background(), 9, "m3")
	require.NoError(t, err)
	localID, ok := sent.LocalID()
	require.True(t, ok)
	assert.Negative(t, localID)

	h.deliver(9, wire.InboundMessage{MessageID: 101, UserID: agentID, Content: "m3",
		CreatedAt: wire.Timestamp{Time: time.Date(2024, 3, 1, 10, 2, 1, 0, time.UTC)}})

	require.Eventually(t, func() bool {
		view := h.m.View(9)
		return len(view) == 3 && confirmed(view[2])
	}, timeout, tick)

	view := h.m.View(9)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{view[0].Content, view[1].Content, view[2].Content})
	id, _ := view[2].ServerID()
	assert.Equal(t, int64(101), id)
}

func TestManager_PublishTimeoutThenRetry(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.PublishTimeout = 30 * time.Millisecond }))
	h.start()
	h.open(7)

	msg, err := h.m.Send(context.Background(), 7, "anyone there?")
	require.NoError(t, err)
	localID, _ := msg.LocalID()

	require.Eventually(t, func() bool {
		view := h.m.View(7)
		return len(view) == 1 && view[0].IsFailed()
	}, timeout, tick)
	failed := h.m.View(7)[0].State.(session.Failed)
	assert.ErrorIs(t, failed.Reason, ErrPublishTimeout)

	retried, err := h.m.Retry(context.Background(), 7, localID)
	require.NoError(t, err)
	assert.True(t, retried.IsPending())

	sent := h.sentTo(h.dialer.Current())
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].ClientMsgID, sent[1].ClientMsgID)

	h.deliver(7, wire.InboundMessage{MessageID: 55, UserID: agentID, Content: "anyone there?",
		CreatedAt: wire.Timestamp{Time: time.Now()}, ClientMsgID: sent[1].ClientMsgID})
	require.Eventually(t, func() bool {
		view := h.m.View(7)
		return len(view) == 1 && confirmed(view[0])
	}, timeout, tick)
}

func TestManager_RetryRequiresFailed(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.PublishTimeout = time.Minute }))
	h.start()
	h.open(7)

	msg, err := h.m.Send(context.Background(), 7, "x")
	require.NoError(t, err)
	localID, _ := msg.LocalID()

	_, err = h.m.Retry(context.Background(), 7, localID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.m.Retry(context.Background(), 8, localID)
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestManager_SendToUnknownRoom(t *testing.T) {
	h := newHarness(t)
	h.start()

	_, err := h.m.Send(context.Background(), 3, "x")
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestManager_QueuedWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.dialer.Refuse(true)

	err := h.m.Start(context.Background())
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, transport.ErrReconnectExhausted)

	st, err := h.m.OpenRoom(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, registry.StateConnecting, st)

	msg, err := h.m.Send(context.Background(), 7, "offline")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.True(t, msg.IsFailed())

	h.dialer.Refuse(false)
	h.start()
	assert.Equal(t, []string{wire.RoomTopic(7)}, h.dialer.Current().Topics())
	st, _ = h.m.SubscriptionState(7)
	assert.Equal(t, registry.StateActive, st)
}

func TestManager_ReconnectReplaysRooms(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.open(7)
	h.open(12)
	h.open(7)

	first := h.dialer.Current()
	first.Drop(errors.New("socket reset"))

	ev := waitEvent(t, h.m, func(ev Event) bool {
		return ev.Kind == EventTransport && ev.Transport == transport.StateReconnecting
	})
	assert.Error(t, ev.Err)
	waitEvent(t, h.m, func(ev Event) bool {
		return ev.Kind == EventTransport && ev.Transport == transport.StateReady
	})

	require.Equal(t, 2, h.dialer.Links())
	assert.Equal(t, []string{wire.RoomTopic(7), wire.RoomTopic(12)}, h.dialer.Current().Topics())
	assert.Equal(t, map[string]int{wire.RoomTopic(7): 1, wire.RoomTopic(12): 1}, h.dialer.Current().Live())

	// Deliveries flow on the new link.
	h.deliver(12, wire.InboundMessage{MessageID: 1, UserID: customerID, Content: "back", CreatedAt: wire.Timestamp{Time: time.Now()}})
	h.waitLen(12, 1)
}

func TestManager_DuplicateDeliveriesShownOnce(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.open(7)

	in := wire.InboundMessage{MessageID: 5, UserID: customerID, Content: "hi", CreatedAt: wire.Timestamp{Time: time.Now()}}
	h.deliver(7, in)
	h.deliver(7, in)
	h.deliver(7, wire.InboundMessage{MessageID: 6, UserID: customerID, Content: "there", CreatedAt: wire.Timestamp{Time: time.Now()}})

	view := h.waitLen(7, 2)
	assert.Equal(t, "hi", view[0].Content)
}

func TestManager_CloseRoomStopsDelivery(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.open(7)

	h.deliver(7, wire.InboundMessage{MessageID: 1, UserID: customerID, Content: "a", CreatedAt: wire.Timestamp{Time: time.Now()}})
	h.waitLen(7, 1)

	require.NoError(t, h.m.CloseRoom(7))
	_, ok := h.m.Room(7)
	assert.False(t, ok)
	assert.Equal(t, []string{wire.RoomTopic(7)}, h.dialer.Current().Unsubscribed())

	body, _ := json.Marshal(wire.InboundMessage{MessageID: 2, UserID: customerID, Content: "b"})
	assert.False(t, h.dialer.Current().Deliver(wire.RoomTopic(7), body))
	assert.Nil(t, h.m.View(7))
}

func TestManager_CustomerExitIsIdempotent(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.UserID = customerID }))
	h.start()
	h.open(7)

	for range 3 {
		require.NoError(t, h.m.CustomerExit(context.Background(), 7))
	}

	var terminal int
	for _, out := range h.sentTo(h.dialer.Current()) {
		if out.System && out.Content == ExitText {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	h.rooms.mu.Lock()
	assert.Equal(t, session.StatusClosed, h.rooms.status[7])
	assert.Equal(t, 1, h.rooms.statusN)
	h.rooms.mu.Unlock()

	_, ok := h.m.Room(7)
	assert.False(t, ok)
	_, subscribed := h.m.SubscriptionState(7)
	assert.False(t, subscribed)
}

func TestManager_CustomerExitWhileDisconnectedIsRetried(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.UserID = customerID }))
	h.start()
	h.open(7)

	h.dialer.Refuse(true)
	h.dialer.Current().Drop(errors.New("socket reset"))
	require.Eventually(t, func() bool { return h.m.TransportState() == transport.StateDisconnected }, timeout, tick)

	err := h.m.CustomerExit(context.Background(), 7)
	require.ErrorIs(t, err, transport.ErrNotConnected)

	room, ok := h.m.Room(7)
	require.True(t, ok, "room must survive a failed exit")
	assert.False(t, room.Exited)
	view := h.m.View(7)
	require.Len(t, view, 1)
	assert.True(t, view[0].IsFailed())
	h.rooms.mu.Lock()
	assert.Zero(t, h.rooms.statusN)
	h.rooms.mu.Unlock()

	h.dialer.Refuse(false)
	h.start()
	require.NoError(t, h.m.CustomerExit(context.Background(), 7))
	require.NoError(t, h.m.CustomerExit(context.Background(), 7))

	var terminal int
	for i := range h.dialer.Links() {
		for _, out := range h.sentTo(h.dialer.Link(i)) {
			if out.System && out.Content == ExitText {
				terminal++
			}
		}
	}
	assert.Equal(t, 1, terminal)

	h.rooms.mu.Lock()
	assert.Equal(t, session.StatusClosed, h.rooms.status[7])
	assert.Equal(t, 1, h.rooms.statusN)
	h.rooms.mu.Unlock()
	_, ok = h.m.Room(7)
	assert.False(t, ok)
}

func TestManager_ConcurrentClaims(t *testing.T) {
	rooms := newFakeRooms()
	var agents []*harness
	for _, id := range []int64{21, 22} {
		h := newHarness(t, withConfig(func(c *Config) { c.UserID = id }))
		h.m.rooms = rooms
		h.m.coordinator = assign.New(h.m.store, rooms, h.m, nil)
		h.start()
		h.open(30)
		agents = append(agents, h)
	}

	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, h := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.m.Claim(context.Background(), 30)
		}()
	}
	wg.Wait()

	var wins int
	for i, h := range agents {
		room, _ := h.m.Room(30)
		announcements := 0
		for _, out := range h.sentTo(h.dialer.Current()) {
			if out.System {
				announcements++
			}
		}
		if errs[i] == nil {
			wins++
			assert.False(t, room.Assignment.Provisional)
			assert.Equal(t, 1, announcements)
			continue
		}
		assert.ErrorIs(t, errs[i], assign.ErrAssignmentConflict)
		assert.Nil(t, room.Assignment)
		assert.Equal(t, 0, announcements)
	}
	assert.Equal(t, 1, wins)
}

func TestManager_ClaimAnnouncementConfirmedByEcho(t *testing.T) {
	h := newHarness(t, autoEcho(true))
	h.start()
	h.open(30)

	room, err := h.m.Claim(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, agentID, room.Assignment.AgentID)

	require.Eventually(t, func() bool {
		view := h.m.View(30)
		return len(view) == 1 && confirmed(view[0])
	}, timeout, tick)
	assert.Equal(t, session.KindSystem, h.m.View(30)[0].Kind)

	// Claiming again announces nothing new.
	_, err = h.m.Claim(context.Background(), 30)
	require.NoError(t, err)
	assert.Len(t, h.dialer.Current().Sent(), 1)
}

func TestManager_LoadHistoryUnion(t *testing.T) {
	h := newHarness(t)
	base := time.Now().Add(-time.Hour)
	h.history.pages[""] = &roomapi.HistoryPage{
		Messages: []wire.InboundMessage{
			{MessageID: 3, UserID: customerID, Content: "live", CreatedAt: wire.Timestamp{Time: base.Add(3 * time.Minute)}},
			{MessageID: 2, UserID: agentID, Content: "old reply", CreatedAt: wire.Timestamp{Time: base.Add(2 * time.Minute)}},
			{MessageID: 1, UserID: customerID, Content: "old question", CreatedAt: wire.Timestamp{Time: base.Add(time.Minute)}},
		},
		NextCursor: "p2",
		HasMore:    true,
	}
	h.start()
	h.open(7)

	// A live message lands before the fetch completes.
	h.deliver(7, wire.InboundMessage{MessageID: 3, UserID: customerID, Content: "live", CreatedAt: wire.Timestamp{Time: base.Add(3 * time.Minute)}})
	h.waitLen(7, 1)

	res, err := h.m.LoadHistory(context.Background(), 7, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Appended)
	assert.Equal(t, 1, res.Duplicate)
	assert.Equal(t, "p2", res.NextCursor)
	assert.True(t, res.HasMore)

	view := h.m.View(7)
	require.Len(t, view, 3)
	assert.Equal(t, "old question", view[0].Content)
	assert.Equal(t, "live", view[2].Content)
}

func TestManager_LoadHistoryFailureKeepsLiveStream(t *testing.T) {
	h := newHarness(t)
	h.history.err = errors.New("502 bad gateway")
	h.start()
	h.open(7)

	_, err := h.m.LoadHistory(context.Background(), 7, "c1")
	var hfe *roomapi.HistoryFetchError
	require.ErrorAs(t, err, &hfe)
	assert.Equal(t, "c1", hfe.Cursor)

	ev := waitEvent(t, h.m, func(ev Event) bool { return ev.Kind == EventHistoryError })
	assert.Equal(t, int64(7), ev.RoomID)

	h.deliver(7, wire.InboundMessage{MessageID: 9, UserID: customerID, Content: "still here", CreatedAt: wire.Timestamp{Time: time.Now()}})
	h.waitLen(7, 1)
}

func TestManager_StatusAndRefresh(t *testing.T) {
	h := newHarness(t)
	holder := int64(40)
	h.rooms.detail[7] = &roomapi.RoomDetail{
		RoomID: 7, CustomerID: customerID, AgentID: &holder,
		AgentName: "Dr. Lee", AgentAvatarURL: "https://example.test/lee.png",
		Status: session.StatusOpen,
	}
	h.start()
	h.open(7)

	require.NoError(t, h.m.UpdateStatus(context.Background(), 7, session.StatusWaiting))
	room, _ := h.m.Room(7)
	assert.Equal(t, session.StatusWaiting, room.Status)

	room, err := h.m.RefreshRoomDetail(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, customerID, room.CustomerID)
	assert.Equal(t, session.StatusOpen, room.Status)
	assert.Equal(t, "Dr. Lee", room.AgentName)
	id, ok := room.AgentID()
	require.True(t, ok)
	assert.Equal(t, holder, id)

	assert.ErrorIs(t, h.m.UpdateStatus(context.Background(), 99, session.StatusClosed), ErrUnknownRoom)
}

func TestManager_EndConsultation(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.open(7)

	require.NoError(t, h.m.EndConsultation(context.Background(), 7))

	sent := h.sentTo(h.dialer.Current())
	require.Len(t, sent, 1)
	assert.Equal(t, EndText, sent[0].Content)
	assert.True(t, sent[0].System)
	assert.True(t, h.rooms.closed[7])
	_, ok := h.m.Room(7)
	assert.False(t, ok)
}

func TestManager_AgentNameFromDelivery(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.UserID = customerID }))
	h.start()
	h.open(7)

	h.deliver(7, wire.InboundMessage{MessageID: 4, UserID: agentID, Content: "hello", AgentName: "Dr. Kim",
		AgentAvatarURL: "https://example.test/kim.png", CreatedAt: wire.Timestamp{Time: time.Now()}})
	h.waitLen(7, 1)

	require.Eventually(t, func() bool {
		r, _ := h.m.Room(7)
		return r.AgentName == "Dr. Kim"
	}, timeout, tick)
}
