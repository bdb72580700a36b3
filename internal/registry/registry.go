// ABOUTME: One relay subscription per chat room, replayed as a batch on reconnect
// ABOUTME: Keeps registration order so replay is deterministic

// Package registry tracks the room subscriptions of a client and
// re-establishes them whenever the transport gets a fresh link.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/consult-session/internal/transport"
	"github.com/2389/consult-session/internal/wire"
)

// State is the subscription state of a room.
type State int

const (
	// StateConnecting means the room is registered but has no live handle
	// yet; the next replay establishes it.
	StateConnecting State = iota
	StateActive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscriber is the part of transport.Conn the registry needs.
type Subscriber interface {
	Subscribe(topic string, handler transport.Handler) (*transport.Handle, error)
	Unsubscribe(h *transport.Handle) error
}

// DeliverFunc receives every payload for a room.
type DeliverFunc func(roomID int64, payload []byte)

type entry struct {
	roomID int64
	handle *transport.Handle
	// closing marks a room whose relay teardown failed; replay drops it.
	closing bool
}

// Registry maps room ids to their subscription handles.
type Registry struct {
	conn    Subscriber
	deliver DeliverFunc
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
	order   []int64
}

// New creates a registry. Pass nil logger for default.
func New(conn Subscriber, deliver DeliverFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conn:    conn,
		deliver: deliver,
		logger:  logger.With("component", "registry"),
		entries: make(map[int64]*entry),
	}
}

// Subscribe registers roomID and subscribes its topic. It is idempotent
// while the room's handle is active. When the transport is down the room
// stays registered in StateConnecting and is established by the next
// replay; that case returns StateConnecting and no error.
func (r *Registry) Subscribe(roomID int64) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[roomID]
	switch {
	case ok && !e.closing && e.handle != nil && e.handle.State() == transport.HandleActive:
		return StateActive, nil
	case ok && e.closing:
		e.closing = false
		r.order = slices.DeleteFunc(r.order, func(id int64) bool { return id == roomID })
		r.order = append(r.order, roomID)
	case !ok:
		e = &entry{roomID: roomID}
		r.entries[roomID] = e
		r.order = append(r.order, roomID)
	}

	h, err := r.conn.Subscribe(wire.RoomTopic(roomID), r.handlerFor(roomID))
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			e.handle = nil
			r.logger.Debug("room queued until transport is ready", "room_id", roomID)
			return StateConnecting, nil
		}
		if e.handle == nil {
			r.removeLocked(roomID)
		}
		return StateStale, fmt.Errorf("subscribing room %d: %w", roomID, err)
	}
	e.handle = h

	r.logger.Debug("room subscribed", "room_id", roomID, "sub_id", h.ID())
	return StateActive, nil
}

// Unsubscribe tears down the room's handle and forgets the room. If the
// relay teardown fails the room is kept as closing so that replay neither
// resubscribes nor duplicates it.
func (r *Registry) Unsubscribe(roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[roomID]
	if !ok {
		return nil
	}
	if err := r.conn.Unsubscribe(e.handle); err != nil {
		e.closing = true
		r.logger.Warn("room teardown deferred", "room_id", roomID, "error", err)
		return fmt.Errorf("unsubscribing room %d: %w", roomID, err)
	}
	r.removeLocked(roomID)
	r.logger.Debug("room unsubscribed", "room_id", roomID)
	return nil
}

// ReplayAll re-subscribes every registered room in registration order. The
// batch is all-or-nothing: on a failure the handles created so far are torn
// down and the error returned, so the transport retries with a new link.
// A room that already holds an active handle was subscribed on the new link
// after it was installed and is kept as is.
func (r *Registry) ReplayAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range slices.Clone(r.order) {
		if r.entries[id].closing {
			r.removeLocked(id)
		}
	}

	created := make(map[int64]*transport.Handle, len(r.order))
	rollback := func() {
		for _, h := range created {
			_ = r.conn.Unsubscribe(h)
		}
	}

	kept := 0
	for _, id := range r.order {
		if err := ctx.Err(); err != nil {
			rollback()
			return err
		}
		if h := r.entries[id].handle; h != nil && h.State() == transport.HandleActive {
			kept++
			continue
		}
		h, err := r.conn.Subscribe(wire.RoomTopic(id), r.handlerFor(id))
		if err != nil {
			rollback()
			return fmt.Errorf("replaying room %d: %w", id, err)
		}
		created[id] = h
	}

	for id, h := range created {
		r.entries[id].handle = h
	}

	r.logger.Info("subscriptions replayed", "rooms", len(r.order), "already_active", kept)
	return nil
}

// Rooms returns registered room ids in registration order.
func (r *Registry) Rooms() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// State reports the subscription state of roomID.
func (r *Registry) State(roomID int64) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[roomID]
	if !ok {
		return 0, false
	}
	switch {
	case e.handle == nil:
		return StateConnecting, true
	case e.closing || e.handle.State() != transport.HandleActive:
		return StateStale, true
	default:
		return StateActive, true
	}
}

// Clear unsubscribes every room. Errors are joined.
func (r *Registry) Clear() error {
	var errs []error
	for _, id := range r.Rooms() {
		if err := r.Unsubscribe(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) handlerFor(roomID int64) transport.Handler {
	return func(d transport.Delivery) {
		r.deliver(roomID, d.Body)
	}
}

func (r *Registry) removeLocked(roomID int64) {
	delete(r.entries, roomID)
	r.order = slices.DeleteFunc(r.order, func(id int64) bool { return id == roomID })
}
