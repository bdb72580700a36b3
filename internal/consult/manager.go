// ABOUTME: Session manager tying transport, subscriptions, reconciliation, and claims together
// ABOUTME: Sends optimistically, fails unconfirmed sends after a timeout, and merges history

package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/consult-session/internal/assign"
	"github.com/2389/consult-session/internal/metrics"
	"github.com/2389/consult-session/internal/reconcile"
	"github.com/2389/consult-session/internal/registry"
	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/transport"
	"github.com/2389/consult-session/internal/wire"
)

const (
	// DefaultPublishTimeout bounds how long a send waits for its echo.
	DefaultPublishTimeout = 15 * time.Second

	// ExitText is the terminal system message of a customer exit.
	ExitText = "The customer has left the consultation"
	// EndText is the terminal system message of an agent-closed consultation.
	EndText = "The consultation has ended"
)

var (
	// ErrPublishTimeout is the failure reason of a send whose echo never came.
	ErrPublishTimeout = errors.New("publish timed out waiting for echo")
	// ErrUnknownRoom is returned for rooms that are not open in this session.
	ErrUnknownRoom = errors.New("room not open")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("message is not retryable")
	// ErrNoRoomService is returned when a room service call is needed but
	// none was configured.
	ErrNoRoomService = errors.New("no room service configured")
)

// Config configures a Manager.
type Config struct {
	// UserID is the local identity; echoes from it confirm optimistic sends.
	UserID int64
	// DisplayName is used when announcing claims.
	DisplayName string

	PublishTimeout  time.Duration
	Tolerance       time.Duration
	StrictSystem    bool
	HistoryPageSize int

	Metrics *metrics.Client
	Logger  *slog.Logger
	Now     func() time.Time
}

type timerKey struct {
	roomID  int64
	localID int64
}

// Manager is one client session on the relay.
type Manager struct {
	cfg     Config
	conn    *transport.Conn
	history roomapi.HistoryLoader
	rooms   roomapi.RoomService

	store       *session.Store
	reconciler  *reconcile.Reconciler
	registry    *registry.Registry
	coordinator *assign.Coordinator
	metrics     *metrics.Client
	logger      *slog.Logger
	events      chan Event

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	// exits holds the local id of an exit message whose publish failed, so
	// a repeated CustomerExit republishes it instead of adding another.
	exits  map[int64]int64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager over conn. history and rooms may be nil when the
// matching operations are not used.
func New(conn *transport.Conn, history roomapi.HistoryLoader, rooms roomapi.RoomService, cfg Config) *Manager {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = roomapi.DefaultPageSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		conn:    conn,
		history: history,
		rooms:   rooms,
		store:   session.NewStore(),
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "consult", "user_id", cfg.UserID),
		events:  make(chan Event, eventBufferSize),
		timers:  make(map[timerKey]*time.Timer),
		exits:   make(map[int64]int64),
	}
	m.reconciler = reconcile.New(m.store, reconcile.Config{
		LocalUserID: cfg.UserID,
		Tolerance:   cfg.Tolerance,
		Classifier:  wire.Classifier{Strict: cfg.StrictSystem},
		Now:         cfg.Now,
		Logger:      cfg.Logger,
	})
	m.registry = registry.New(conn, m.onDelivery, cfg.Logger)
	m.coordinator = assign.New(m.store, rooms, m, cfg.Logger)
	conn.SetReplayer(m.registry)
	return m
}

// Events returns the manager's event stream. It is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start connects to the relay and begins forwarding transport state as
// events. A connect failure is returned but leaves the manager usable; a
// later Start retries.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done == nil {
		fctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.forward(fctx, m.done)
	}
	m.mu.Unlock()

	return m.conn.Connect(ctx)
}

// Stop cancels pending timeouts and closes the connection.
func (m *Manager) Stop() error {
	m.mu.Lock()
	for k, t := range m.timers {
		t.Stop()
		delete(m.timers, k)
	}
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	err := m.conn.Close()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

func (m *Manager) forward(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.conn.Events():
			if ev.State == transport.StateReconnecting {
				m.metrics.Reconnect()
			}
			m.emit(Event{Kind: EventTransport, Transport: ev.State, Err: ev.Err})
		}
	}
}

// OpenRoom creates local state for roomID and subscribes its topic. While
// the relay is unreachable the room is queued and StateConnecting returned.
func (m *Manager) OpenRoom(ctx context.Context, roomID int64) (registry.State, error) {
	if err := ctx.Err(); err != nil {
		return registry.StateConnecting, err
	}
	if !m.store.HasRoom(roomID) {
		m.emitRoom(EventRoomUpdated, m.store.EnsureRoom(roomID), nil)
	}
	return m.registry.Subscribe(roomID)
}

// CloseRoom unsubscribes roomID and discards its state. Messages already
// applied are not retracted from consumers.
func (m *Manager) CloseRoom(roomID int64) error {
	err := m.registry.Unsubscribe(roomID)
	m.disarmRoom(roomID)
	if room, ok := m.store.Room(roomID); ok && m.store.DropRoom(roomID) {
		m.emitRoom(EventRoomClosed, room, nil)
	}
	return err
}

// Send adds an optimistic message and publishes it. The returned message
// is Pending, or Failed if the publish itself failed.
func (m *Manager) Send(ctx context.Context, roomID int64, content string) (session.Message, error) {
	return m.send(ctx, roomID, content, session.KindNormal)
}

// SendSystem publishes a system message through the same optimistic path.
func (m *Manager) SendSystem(ctx context.Context, roomID int64, content string) error {
	_, err := m.send(ctx, roomID, content, session.KindSystem)
	return err
}

func (m *Manager) send(ctx context.Context, roomID int64, content string, kind session.Kind) (session.Message, error) {
	if err := ctx.Err(); err != nil {
		return session.Message{}, err
	}
	if !m.store.HasRoom(roomID) {
		return session.Message{}, fmt.Errorf("send to room %d: %w", roomID, ErrUnknownRoom)
	}

	msg, err := m.store.AppendExisting(session.Message{
		RoomID:      roomID,
		SenderID:    m.cfg.UserID,
		Content:     content,
		Kind:        kind,
		SentAt:      m.cfg.Now(),
		State:       session.Pending{LocalID: m.store.NextLocalID()},
		ClientMsgID: uuid.NewString(),
	})
	if errors.Is(err, session.ErrUnknownRoom) {
		return session.Message{}, fmt.Errorf("send to room %d: %w", roomID, ErrUnknownRoom)
	}
	if err != nil {
		return session.Message{}, err
	}
	m.emitMessage(EventMessageAdded, msg)
	return m.publish(msg)
}

// Retry republishes a failed message under its original local and client
// ids.
func (m *Manager) Retry(ctx context.Context, roomID, localID int64) (session.Message, error) {
	if err := ctx.Err(); err != nil {
		return session.Message{}, err
	}
	msg, err := m.store.Resend(roomID, localID, m.cfg.Now())
	switch {
	case errors.Is(err, session.ErrUnknownRoom):
		return session.Message{}, fmt.Errorf("retry in room %d: %w", roomID, ErrUnknownRoom)
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrUnknownMessage):
		return session.Message{}, fmt.Errorf("retry local id %d: %w", localID, ErrNotRetryable)
	case err != nil:
		return session.Message{}, err
	}
	m.emitMessage(EventMessageUpdated, msg)
	return m.publish(msg)
}

func (m *Manager) publish(msg session.Message) (session.Message, error) {
	localID, _ := msg.LocalID()
	payload, err := wire.OutboundMessage{
		RoomID:      msg.RoomID,
		Content:     msg.Content,
		System:      msg.Kind == session.KindSystem,
		ClientMsgID: msg.ClientMsgID,
	}.Encode()
	if err != nil {
		return m.failMessage(msg.RoomID, localID, err, "encode"), err
	}

	m.arm(msg.RoomID, localID)
	if err := m.conn.Publish(wire.SendDestination, payload); err != nil {
		m.disarm(msg.RoomID, localID)
		m.logger.Warn("publish failed", "room_id", msg.RoomID, "local_id", localID, "error", err)
		return m.failMessage(msg.RoomID, localID, err, "transport"), err
	}
	m.logger.Debug("published", "room_id", msg.RoomID, "local_id", localID)
	return msg, nil
}

func (m *Manager) failMessage(roomID, localID int64, reason error, label string) session.Message {
	failed, ok := m.store.Fail(roomID, localID, reason)
	if !ok {
		cur, _ := m.store.Find(roomID, func(msg session.Message) bool {
			id, ok := msg.LocalID()
			return ok && id == localID
		})
		return cur
	}
	m.metrics.PublishFailure(label)
	m.emitMessage(EventMessageUpdated, failed)
	return failed
}

func (m *Manager) arm(roomID, localID int64) {
	key := timerKey{roomID, localID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.cfg.PublishTimeout, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.logger.Warn("send not confirmed in time", "room_id", roomID, "local_id", localID,
			"timeout", m.cfg.PublishTimeout)
		m.failMessage(roomID, localID, ErrPublishTimeout, "timeout")
	})
}

func (m *Manager) disarm(roomID, localID int64) {
	key := timerKey{roomID, localID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

func (m *Manager) disarmRoom(roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.timers {
		if k.roomID == roomID {
			t.Stop()
			delete(m.timers, k)
		}
	}
	delete(m.exits, roomID)
}

// onDelivery runs on the transport's delivery goroutine.
func (m *Manager) onDelivery(roomID int64, payload []byte) {
	in, err := wire.DecodeInbound(payload)
	if err != nil {
		m.metrics.DecodeError()
		m.logger.Warn("undecodable delivery", "room_id", roomID, "error", err)
		return
	}
	if !m.store.HasRoom(roomID) {
		m.logger.Debug("delivery for closed room", "room_id", roomID, "server_id", in.MessageID)
		return
	}

	res, err := m.reconciler.Reconcile(roomID, in)
	if errors.Is(err, session.ErrUnknownRoom) {
		m.logger.Debug("delivery for closed room", "room_id", roomID, "server_id", in.MessageID)
		return
	}
	if err != nil {
		m.logger.Warn("reconcile failed", "room_id", roomID, "server_id", in.MessageID, "error", err)
		return
	}
	m.metrics.Delivery(res.Outcome.String())
	m.applied(res)

	if in.AgentName != "" && res.Outcome != reconcile.OutcomeDuplicate {
		room, err := m.store.UpdateRoom(roomID, func(r *session.Room) {
			r.AgentName = in.AgentName
			if in.AgentAvatarURL != "" {
				r.AgentAvatarURL = in.AgentAvatarURL
			}
		})
		if err == nil {
			m.emitRoom(EventRoomUpdated, room, nil)
		}
	}
}

func (m *Manager) applied(res reconcile.Result) {
	switch res.Outcome {
	case reconcile.OutcomeConfirmed:
		m.disarm(res.Message.RoomID, res.LocalID)
		m.emitMessage(EventMessageUpdated, res.Message)
	case reconcile.OutcomeAppended:
		m.emitMessage(EventMessageAdded, res.Message)
	}
}

// HistoryResult summarises one merged history page.
type HistoryResult struct {
	NextCursor string
	HasMore    bool
	Appended   int
	Confirmed  int
	Duplicate  int
}

// LoadHistory fetches one page of older messages and unions it with the
// live timeline. A fetch failure is reported as *roomapi.HistoryFetchError
// and an EventHistoryError; the live stream is unaffected.
func (m *Manager) LoadHistory(ctx context.Context, roomID int64, cursor string) (*HistoryResult, error) {
	if m.history == nil {
		return nil, errors.New("no history loader configured")
	}
	if !m.store.HasRoom(roomID) {
		return nil, fmt.Errorf("history for room %d: %w", roomID, ErrUnknownRoom)
	}

	page, err := m.history.FetchHistory(ctx, roomID, cursor, m.cfg.HistoryPageSize)
	if err != nil {
		var hfe *roomapi.HistoryFetchError
		if !errors.As(err, &hfe) {
			err = &roomapi.HistoryFetchError{RoomID: roomID, Cursor: cursor, Err: err}
		}
		m.metrics.HistoryError()
		m.logger.Warn("history fetch failed", "room_id", roomID, "cursor", cursor, "error", err)
		m.emit(Event{Kind: EventHistoryError, RoomID: roomID, Err: err})
		return nil, err
	}

	out := &HistoryResult{NextCursor: page.NextCursor, HasMore: page.HasMore}
	if !m.store.HasRoom(roomID) {
		// Closed while the fetch was in flight.
		return out, nil
	}

	merged, err := m.reconciler.MergeHistory(roomID, page.Messages)
	for _, res := range merged.Results {
		m.applied(res)
	}
	out.Appended, out.Confirmed, out.Duplicate = merged.Appended, merged.Confirmed, merged.Duplicate
	return out, err
}

// Claim assigns roomID to the local agent. A lost race returns an error
// matching assign.ErrAssignmentConflict.
func (m *Manager) Claim(ctx context.Context, roomID int64) (session.Room, error) {
	if m.rooms == nil {
		return session.Room{}, ErrNoRoomService
	}
	if !m.store.HasRoom(roomID) {
		return session.Room{}, fmt.Errorf("claim room %d: %w", roomID, ErrUnknownRoom)
	}

	room, err := m.coordinator.Claim(ctx, roomID, m.cfg.UserID, m.cfg.DisplayName)
	if err != nil {
		if errors.Is(err, assign.ErrAssignmentConflict) {
			m.metrics.AssignmentConflict()
		}
		current, _ := m.store.Room(roomID)
		m.emitRoom(EventAssignment, current, err)
		return session.Room{}, err
	}
	m.emitRoom(EventAssignment, room, nil)
	return room, nil
}

// CustomerExit ends the customer's side of roomID: one terminal system
// message, status CLOSED at the room service, then the room is closed
// locally. Repeated calls after a successful exit do nothing. If the exit
// message cannot be published the room stays open and the error is
// returned; the next call republishes the same message.
func (m *Manager) CustomerExit(ctx context.Context, roomID int64) error {
	first := false
	var prev session.Status
	room, err := m.store.UpdateRoom(roomID, func(r *session.Room) {
		if !r.Exited {
			r.Exited = true
			prev = r.Status
			r.Status = session.StatusClosed
			first = true
		}
	})
	if errors.Is(err, session.ErrUnknownRoom) || !first {
		return nil
	}
	m.emitRoom(EventRoomUpdated, room, nil)

	if err := m.publishExit(ctx, roomID); err != nil {
		restored, uerr := m.store.UpdateRoom(roomID, func(r *session.Room) {
			r.Exited = false
			r.Status = prev
		})
		if uerr == nil {
			m.emitRoom(EventRoomUpdated, restored, nil)
		}
		return fmt.Errorf("customer exit from room %d: %w", roomID, err)
	}

	var errs []error
	if m.rooms != nil {
		if err := m.rooms.UpdateStatus(ctx, roomID, session.StatusClosed); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.CloseRoom(roomID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// publishExit sends the exit message, or retries the one that failed
// before.
func (m *Manager) publishExit(ctx context.Context, roomID int64) error {
	m.mu.Lock()
	localID, pending := m.exits[roomID]
	m.mu.Unlock()

	if pending {
		_, err := m.Retry(ctx, roomID, localID)
		if err != nil && !errors.Is(err, ErrNotRetryable) {
			return err
		}
		// ErrNotRetryable: a late echo already confirmed it.
		m.mu.Lock()
		delete(m.exits, roomID)
		m.mu.Unlock()
		return nil
	}

	msg, err := m.send(ctx, roomID, ExitText, session.KindSystem)
	if err != nil {
		if id, ok := msg.LocalID(); ok && msg.IsFailed() {
			m.mu.Lock()
			m.exits[roomID] = id
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// EndConsultation closes roomID at the room service on the agent's
// behalf, announcing it first.
func (m *Manager) EndConsultation(ctx context.Context, roomID int64) error {
	if m.rooms == nil {
		return ErrNoRoomService
	}
	if !m.store.HasRoom(roomID) {
		return fmt.Errorf("end room %d: %w", roomID, ErrUnknownRoom)
	}

	var errs []error
	if err := m.SendSystem(ctx, roomID, EndText); err != nil {
		errs = append(errs, err)
	}
	if err := m.rooms.CloseRoom(ctx, roomID); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := m.CloseRoom(roomID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UpdateStatus sets the room status at the room service and locally.
func (m *Manager) UpdateStatus(ctx context.Context, roomID int64, status session.Status) error {
	if m.rooms == nil {
		return ErrNoRoomService
	}
	if !m.store.HasRoom(roomID) {
		return fmt.Errorf("status of room %d: %w", roomID, ErrUnknownRoom)
	}
	if err := m.rooms.UpdateStatus(ctx, roomID, status); err != nil {
		return err
	}
	room, err := m.store.UpdateRoom(roomID, func(r *session.Room) { r.Status = status })
	if err != nil {
		return err
	}
	m.emitRoom(EventRoomUpdated, room, nil)
	return nil
}

// RefreshRoomDetail reloads the room record. An in-flight provisional
// claim is left alone; otherwise the service's assignment wins.
func (m *Manager) RefreshRoomDetail(ctx context.Context, roomID int64) (session.Room, error) {
	if m.rooms == nil {
		return session.Room{}, ErrNoRoomService
	}
	if !m.store.HasRoom(roomID) {
		return session.Room{}, fmt.Errorf("refresh room %d: %w", roomID, ErrUnknownRoom)
	}
	detail, err := m.rooms.RoomDetail(ctx, roomID)
	if err != nil {
		return session.Room{}, err
	}

	room, err := m.store.UpdateRoom(roomID, func(r *session.Room) {
		r.CustomerID = detail.CustomerID
		if detail.Status != "" {
			r.Status = detail.Status
		}
		if detail.AgentName != "" {
			r.AgentName = detail.AgentName
		}
		if detail.AgentAvatarURL != "" {
			r.AgentAvatarURL = detail.AgentAvatarURL
		}
		if detail.LastActivityAt.After(r.LastActivityAt) {
			r.LastActivityAt = detail.LastActivityAt.Time
		}
		if r.Assignment != nil && r.Assignment.Provisional {
			return
		}
		if detail.AgentID != nil {
			r.Assignment = &session.Assignment{AgentID: *detail.AgentID}
		} else {
			r.Assignment = nil
		}
	})
	if err != nil {
		return session.Room{}, err
	}
	m.emitRoom(EventRoomUpdated, room, nil)
	return room, nil
}

// View returns roomID's timeline in display order.
func (m *Manager) View(roomID int64) []session.Message {
	return m.store.View(roomID)
}

// Room returns the local record of roomID.
func (m *Manager) Room(roomID int64) (session.Room, bool) {
	return m.store.Room(roomID)
}

// Rooms returns every open room, most recently active first.
func (m *Manager) Rooms() []session.Room {
	return m.store.Rooms()
}

// SubscriptionState reports the relay subscription state of roomID.
func (m *Manager) SubscriptionState(roomID int64) (registry.State, bool) {
	return m.registry.State(roomID)
}

// TransportState reports the relay connection state.
func (m *Manager) TransportState() transport.State {
	return m.conn.State()
}
