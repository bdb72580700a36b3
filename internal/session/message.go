// ABOUTME: Message, delivery state, and room types for consultation sessions
// ABOUTME: Delivery state is a sealed union of Pending, Confirmed, and Failed

package session

import (
	"fmt"
	"time"
)

// Kind separates user-authored messages from synthetic events.
type Kind int

const (
	KindNormal Kind = iota
	KindSystem
)

func (k Kind) String() string {
	if k == KindSystem {
		return "system"
	}
	return "normal"
}

// DeliveryState identifies a message and where it is in delivery.
// Implementations are Pending, Confirmed, and Failed.
type DeliveryState interface {
	isDeliveryState()
	String() string
}

// Pending is a locally sent message awaiting its echo.
type Pending struct {
	LocalID int64
}

// Confirmed is a message carrying a relay-assigned id.
type Confirmed struct {
	ServerID int64
}

// Failed is a local message whose send did not complete.
type Failed struct {
	LocalID int64
	Reason  error
}

func (Pending) isDeliveryState()   {}
func (Confirmed) isDeliveryState() {}
func (Failed) isDeliveryState()    {}

func (p Pending) String() string   { return fmt.Sprintf("pending(%d)", p.LocalID) }
func (c Confirmed) String() string { return fmt.Sprintf("confirmed(%d)", c.ServerID) }
func (f Failed) String() string    { return fmt.Sprintf("failed(%d)", f.LocalID) }

// Message is one timeline entry.
type Message struct {
	RoomID   int64
	SenderID int64
	Content  string
	Kind     Kind
	// SentAt orders the timeline. For local sends it is the local send time
	// and is kept when the echo confirms the message.
	SentAt time.Time
	// ConfirmedAt is the relay's createdAt once confirmed.
	ConfirmedAt time.Time
	Seq         uint64
	State       DeliveryState

	// ClientMsgID correlates a local send with its echo when the relay
	// reflects it back.
	ClientMsgID string

	AgentName      string
	AgentAvatarURL string
}

// ServerID returns the relay id, if confirmed.
func (m Message) ServerID() (int64, bool) {
	if c, ok := m.State.(Confirmed); ok {
		return c.ServerID, true
	}
	return 0, false
}

// LocalID returns the local id of a pending or failed message.
func (m Message) LocalID() (int64, bool) {
	switch s := m.State.(type) {
	case Pending:
		return s.LocalID, true
	case Failed:
		return s.LocalID, true
	}
	return 0, false
}

// IsPending reports whether the message awaits its echo.
func (m Message) IsPending() bool {
	_, ok := m.State.(Pending)
	return ok
}

// IsFailed reports whether the message failed to send.
func (m Message) IsFailed() bool {
	_, ok := m.State.(Failed)
	return ok
}

// before is the timeline order.
func (m *Message) before(o *Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.Seq < o.Seq
}

// Status is the consultation status as known by the room service.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusWaiting Status = "WAITING"
	StatusClosed  Status = "CLOSED"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusWaiting, StatusClosed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown room status %q", s)
}

// Assignment is the agent handling a room.
type Assignment struct {
	AgentID int64
	// Provisional is true until the room service confirms the claim.
	Provisional bool
}

// Room is the client's view of one consultation.
type Room struct {
	RoomID         int64
	CustomerID     int64
	Assignment     *Assignment
	Status         Status
	LastActivityAt time.Time
	AgentName      string
	AgentAvatarURL string
	// Exited is set once the customer left; the terminal system message has
	// been sent.
	Exited bool
}

// AgentID returns the assigned agent, provisional or not.
func (r Room) AgentID() (int64, bool) {
	if r.Assignment == nil {
		return 0, false
	}
	return r.Assignment.AgentID, true
}
