// ABOUTME: Claims unassigned rooms for an agent against the room service
// ABOUTME: Holds a provisional local claim until the service's compare-and-set answers

package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
)

// ErrAssignmentConflict matches every *ConflictError.
var ErrAssignmentConflict = errors.New("assignment conflict")

// ConflictError is returned when another agent won the room.
type ConflictError struct {
	RoomID  int64
	AgentID int64
	// HolderID is the winning agent, when the service reported it.
	HolderID int64
	Err      error
}

func (e *ConflictError) Error() string {
	if e.HolderID != 0 {
		return fmt.Sprintf("room %d: agent %d lost claim to agent %d", e.RoomID, e.AgentID, e.HolderID)
	}
	return fmt.Sprintf("room %d: agent %d lost claim", e.RoomID, e.AgentID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrAssignmentConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Announcer publishes a system message to a room.
type Announcer interface {
	SendSystem(ctx context.Context, roomID int64, content string) error
}

// AnnouncementText is the system message sent after a successful claim.
func AnnouncementText(agentName string) string {
	if agentName == "" {
		agentName = "An agent"
	}
	return agentName + " has been assigned to this consultation"
}

// Coordinator arbitrates room claims for one session.
type Coordinator struct {
	store    *session.Store
	rooms    roomapi.RoomService
	announce Announcer
	flight   singleflight.Group
	logger   *slog.Logger
}

// New creates a coordinator.
func New(store *session.Store, rooms roomapi.RoomService, announce Announcer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		rooms:    rooms,
		announce: announce,
		logger:   logger.With("component", "assign"),
	}
}

// Claim assigns roomID to agentID. The local assignment is provisional
// until the room service accepts it; on rejection it is rolled back and a
// *ConflictError is returned. A claim by the confirmed holder does nothing.
// Identical concurrent claims share one request. The shared request is not
// cancelled with any one caller; a caller whose ctx ends returns ctx.Err()
// while the others keep waiting.
func (c *Coordinator) Claim(ctx context.Context, roomID, agentID int64, agentName string) (session.Room, error) {
	key := strconv.FormatInt(roomID, 10) + "/" + strconv.FormatInt(agentID, 10)
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.claim(flightCtx, roomID, agentID, agentName)
	})
	select {
	case <-ctx.Done():
		return session.Room{}, ctx.Err()
	case res := <-ch:
		room, _ := res.Val.(session.Room)
		return room, res.Err
	}
}

func (c *Coordinator) claim(ctx context.Context, roomID, agentID int64, agentName string) (session.Room, error) {
	current := c.store.EnsureRoom(roomID)
	if a := current.Assignment; a != nil && !a.Provisional && a.AgentID == agentID {
		return current, nil
	}

	var prev *session.Assignment
	var prevName, prevAvatar string
	if _, err := c.store.UpdateRoom(roomID, func(r *session.Room) {
		if r.Assignment != nil {
			a := *r.Assignment
			prev = &a
		}
		prevName, prevAvatar = r.AgentName, r.AgentAvatarURL
		r.Assignment = &session.Assignment{AgentID: agentID, Provisional: true}
		r.AgentName = agentName
	}); err != nil {
		return session.Room{}, err
	}

	detail, err := c.rooms.AssignAgent(ctx, roomID, agentID, agentName)
	if err != nil {
		c.rollback(roomID, agentID, prev, prevName, prevAvatar)

		var conflict *roomapi.AssignConflict
		if errors.As(err, &conflict) || errors.Is(err, roomapi.ErrAlreadyAssigned) {
			ce := &ConflictError{RoomID: roomID, AgentID: agentID, Err: err}
			if conflict != nil {
				ce.HolderID = conflict.AgentID
			}
			c.logger.Info("claim rejected", "room_id", roomID, "agent_id", agentID, "holder_id", ce.HolderID)
			return session.Room{}, ce
		}
		return session.Room{}, fmt.Errorf("claiming room %d: %w", roomID, err)
	}

	room, err := c.store.UpdateRoom(roomID, func(r *session.Room) {
		r.Assignment = &session.Assignment{AgentID: agentID}
		if detail != nil {
			if detail.AgentName != "" {
				r.AgentName = detail.AgentName
			}
			r.AgentAvatarURL = detail.AgentAvatarURL
			if detail.Status != "" {
				r.Status = detail.Status
			}
		}
	})
	if err != nil {
		// The room was closed while the request was in flight.
		return session.Room{}, err
	}
	c.logger.Info("room claimed", "room_id", roomID, "agent_id", agentID)

	if c.announce != nil {
		if err := c.announce.SendSystem(ctx, roomID, AnnouncementText(room.AgentName)); err != nil {
			c.logger.Warn("assignment announcement not sent", "room_id", roomID, "error", err)
		}
	}
	return room, nil
}

// rollback restores the previous assignment if the provisional claim is
// still ours.
func (c *Coordinator) rollback(roomID, agentID int64, prev *session.Assignment, name, avatar string) {
	_, err := c.store.UpdateRoom(roomID, func(r *session.Room) {
		a := r.Assignment
		if a == nil || !a.Provisional || a.AgentID != agentID {
			return
		}
		r.Assignment = prev
		r.AgentName, r.AgentAvatarURL = name, avatar
	})
	if err != nil {
		c.logger.Debug("rollback skipped", "room_id", roomID, "error", err)
	}
}
