// ABOUTME: Data models and errors for room and message persistence
// ABOUTME: Defines the Room and Message records shared by the relay and room API

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/consult-session/internal/session"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAgentConflict = errors.New("room held by another agent")
	ErrRoomClosed    = errors.New("room is closed")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// ConflictError reports the agent holding a room.
type ConflictError struct {
	RoomID   int64
	HolderID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("room %d held by agent %d", e.RoomID, e.HolderID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrAgentConflict
}

// Room is a consultation record.
type Room struct {
	ID             int64
	CustomerID     int64
	AgentID        *int64
	AgentName      string
	AgentAvatarURL string
	Status         session.Status
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Message is a stored chat message.
type Message struct {
	ID             int64
	RoomID         int64
	UserID         int64
	Content        string
	System         bool
	ClientMsgID    string
	AgentName      string
	AgentAvatarURL string
	CreatedAt      time.Time
}

// ListMessagesParams selects a page of a room's messages.
type ListMessagesParams struct {
	RoomID int64
	Cursor string // Opaque cursor from a previous page
	Limit  int    // Default 50, max 500
}

// MessagePage is one page of messages, newest first.
type MessagePage struct {
	Messages   []Message
	NextCursor string // Empty when there are no older messages
}
