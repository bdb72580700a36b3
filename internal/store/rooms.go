// ABOUTME: Room persistence: creation, lookup, status updates, and agent assignment
// ABOUTME: AssignAgent is a compare-and-set on agent_id in a single UPDATE

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/consult-session/internal/session"
)

const roomColumns = `id, customer_id, agent_id, agent_name, agent_avatar_url, status, created_at, last_activity_at`

// CreateRoom opens a consultation for customerID in WAITING status.
func (s *SQLiteStore) CreateRoom(ctx context.Context, customerID int64) (*Room, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (customer_id, status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?)
	`, customerID, string(session.StatusWaiting), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading room id: %w", err)
	}
	s.logger.Debug("room created", "room_id", id, "customer_id", customerID)
	return s.GetRoom(ctx, id)
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, id int64) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying room: %w", err)
	}
	return room, nil
}

// ListRooms returns rooms in status, most recently active first. An empty
// status lists every room.
func (s *SQLiteStore) ListRooms(ctx context.Context, status session.Status, limit int) ([]*Room, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + roomColumns + ` FROM rooms`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_activity_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning room row: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// UpdateStatus sets the status of a room.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status session.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET status = ?, last_activity_at = ? WHERE id = ?
	`, string(status), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating room status: %w", err)
	}
	return requireRow(res)
}

// CloseRoom marks a room CLOSED.
func (s *SQLiteStore) CloseRoom(ctx context.Context, id int64) error {
	return s.UpdateStatus(ctx, id, session.StatusClosed)
}

// AssignAgent assigns a room to agentID if it is unassigned or already held
// by agentID. A WAITING room becomes OPEN. Otherwise it returns a
// *ConflictError, or ErrRoomClosed for closed rooms.
func (s *SQLiteStore) AssignAgent(ctx context.Context, id, agentID int64, agentName, avatarURL string) (*Room, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET agent_id = ?,
		    agent_name = ?,
		    agent_avatar_url = ?,
		    status = CASE WHEN status = 'WAITING' THEN 'OPEN' ELSE status END,
		    last_activity_at = ?
		WHERE id = ?
		  AND status != 'CLOSED'
		  AND (agent_id IS NULL OR agent_id = ?)
	`, agentID, agentName, avatarURL, formatTime(s.now()), id, agentID)
	if err != nil {
		return nil, fmt.Errorf("assigning agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}

	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		s.logger.Info("agent assigned", "room_id", id, "agent_id", agentID)
		return room, nil
	}
	if room.Status == session.StatusClosed {
		return nil, ErrRoomClosed
	}
	holder := int64(0)
	if room.AgentID != nil {
		holder = *room.AgentID
	}
	return nil, &ConflictError{RoomID: id, HolderID: holder}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (*Room, error) {
	var room Room
	var agentID sql.NullInt64
	var status, createdAt, lastActivity string
	if err := row.Scan(
		&room.ID,
		&room.CustomerID,
		&agentID,
		&room.AgentName,
		&room.AgentAvatarURL,
		&status,
		&createdAt,
		&lastActivity,
	); err != nil {
		return nil, err
	}
	if agentID.Valid {
		id := agentID.Int64
		room.AgentID = &id
	}
	room.Status = session.Status(status)

	var err error
	if room.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if room.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	return &room, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
