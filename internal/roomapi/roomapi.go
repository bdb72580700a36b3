// ABOUTME: Interfaces and payloads for the room REST collaborators
// ABOUTME: HistoryLoader pages prior messages; RoomService reads and mutates rooms

package roomapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/wire"
)

// DefaultPageSize is used when a history fetch asks for no particular limit.
const DefaultPageSize = 50

var (
	// ErrNotFound is returned when the room does not exist.
	ErrNotFound = errors.New("room not found")
	// ErrAlreadyAssigned is returned when another agent holds the room.
	ErrAlreadyAssigned = errors.New("room already assigned")
)

// HistoryPage is one page of prior messages, newest first.
type HistoryPage struct {
	Messages []wire.InboundMessage `json:"messages"`
	// NextCursor fetches the page of older messages. Empty on the last page.
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// RoomDetail is the room service's record of a consultation.
type RoomDetail struct {
	RoomID         int64          `json:"csRoomId"`
	CustomerID     int64          `json:"customerId"`
	AgentID        *int64         `json:"agentId,omitempty"`
	AgentName      string         `json:"agentName,omitempty"`
	AgentAvatarURL string         `json:"agentAvatarUrl,omitempty"`
	Status         session.Status `json:"status"`
	LastActivityAt wire.Timestamp `json:"lastActivityAt"`
}

// HistoryLoader pages through the messages stored for a room.
type HistoryLoader interface {
	FetchHistory(ctx context.Context, roomID int64, cursor string, limit int) (*HistoryPage, error)
}

// RoomService reads and mutates room records.
//
// AssignAgent must be a compare-and-set on the room's agent: it succeeds
// only when the room is unassigned or already held by agentID, and fails
// with an error matching ErrAlreadyAssigned otherwise.
type RoomService interface {
	RoomDetail(ctx context.Context, roomID int64) (*RoomDetail, error)
	UpdateStatus(ctx context.Context, roomID int64, status session.Status) error
	AssignAgent(ctx context.Context, roomID, agentID int64, agentName string) (*RoomDetail, error)
	CloseRoom(ctx context.Context, roomID int64) error
}

// AssignConflict reports the agent that won a room.
type AssignConflict struct {
	RoomID  int64
	AgentID int64
}

func (e *AssignConflict) Error() string {
	return fmt.Sprintf("room %d already assigned to agent %d", e.RoomID, e.AgentID)
}

// Is matches ErrAlreadyAssigned.
func (e *AssignConflict) Is(target error) bool {
	return target == ErrAlreadyAssigned
}

// HistoryFetchError is a failed history page fetch. The live stream is
// unaffected; the caller may retry with the same cursor.
type HistoryFetchError struct {
	RoomID int64
	Cursor string
	Err    error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetching history for room %d: %v", e.RoomID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error {
	return e.Err
}

// APIError is a non-success response from the room service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("room service returned %d: %s", e.StatusCode, e.Message)
}
