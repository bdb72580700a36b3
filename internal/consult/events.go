// ABOUTME: Event stream published by the session manager to UI consumers
// ABOUTME: Delivery is non-blocking; a full buffer drops the newest event

package consult

import (
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/transport"
)

// EventKind identifies what changed.
type EventKind int

const (
	EventMessageAdded EventKind = iota
	EventMessageUpdated
	EventTransport
	EventHistoryError
	EventAssignment
	EventRoomUpdated
	EventRoomClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessageAdded:
		return "message_added"
	case EventMessageUpdated:
		return "message_updated"
	case EventTransport:
		return "transport"
	case EventHistoryError:
		return "history_error"
	case EventAssignment:
		return "assignment"
	case EventRoomUpdated:
		return "room_updated"
	case EventRoomClosed:
		return "room_closed"
	default:
		return "unknown"
	}
}

// Event is one state change. Fields not relevant to Kind are zero.
type Event struct {
	Kind    EventKind
	RoomID  int64
	Message *session.Message
	Room    *session.Room
	// Transport is set for EventTransport.
	Transport transport.State
	Err       error
}

const eventBufferSize = 256

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("dropping event for slow consumer", "kind", ev.Kind.String(), "room_id", ev.RoomID)
	}
}

func (m *Manager) emitMessage(kind EventKind, msg session.Message) {
	m.emit(Event{Kind: kind, RoomID: msg.RoomID, Message: &msg})
}

func (m *Manager) emitRoom(kind EventKind, room session.Room, err error) {
	m.emit(Event{Kind: kind, RoomID: room.RoomID, Room: &room, Err: err})
}
