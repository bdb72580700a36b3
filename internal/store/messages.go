// ABOUTME: Message persistence with relay-assigned ids and cursor pagination
// ABOUTME: A repeated (room, sender, client id) returns the stored original

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const messageColumns = `id, room_id, user_id, content, system, COALESCE(client_msg_id, ''), agent_name, agent_avatar_url, created_at`

// SaveMessage stores msg, assigning its ID and CreatedAt. If the sender
// already stored a message with the same client id in the room, that
// message is returned with duplicate set.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) (saved *Message, duplicate bool, err error) {
	if msg.ClientMsgID != "" {
		existing, err := s.messageByClientID(ctx, msg.RoomID, msg.UserID, msg.ClientMsgID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var clientID any
	if msg.ClientMsgID != "" {
		clientID = msg.ClientMsgID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (room_id, user_id, content, system, client_msg_id, agent_name, agent_avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.RoomID, msg.UserID, msg.Content, msg.System, clientID, msg.AgentName, msg.AgentAvatarURL, formatTime(now))
	if err != nil {
		if isConstraintViolation(err) && msg.ClientMsgID != "" {
			// Lost a race with the same retry on another connection.
			tx.Rollback()
			existing, err := s.messageByClientID(ctx, msg.RoomID, msg.UserID, msg.ClientMsgID)
			if err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		if isConstraintViolation(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("reading message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET last_activity_at = ? WHERE id = ?`, formatTime(now), msg.RoomID); err != nil {
		return nil, false, fmt.Errorf("touching room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing message: %w", err)
	}

	out := *msg
	out.ID = id
	out.CreatedAt = now
	return &out, false, nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) messageByClientID(ctx context.Context, roomID, userID int64, clientID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_id = ? AND user_id = ? AND client_msg_id = ?
	`, roomID, userID, clientID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by client id: %w", err)
	}
	return msg, nil
}

// encodeCursor creates an opaque cursor from the last message id of a page.
func encodeCursor(id int64) string {
	return base64.StdEncoding.EncodeToString([]byte("m|" + strconv.FormatInt(id, 10)))
}

// decodeCursor parses an opaque cursor into a message id.
func decodeCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	raw, ok := strings.CutPrefix(string(decoded), "m|")
	if !ok {
		return 0, fmt.Errorf("invalid cursor format")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor id: %w", err)
	}
	return id, nil
}

// ListMessages returns a page of a room's messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, p ListMessagesParams) (*MessagePage, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{p.RoomID}
	if p.Cursor != "" {
		before, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		query += ` AND id < ?`
		args = append(args, before)
	}
	// Fetch limit+1 to detect if there are more results
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, p.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	page := &MessagePage{Messages: msgs}
	if len(msgs) > p.Limit {
		page.Messages = msgs[:p.Limit]
		page.NextCursor = encodeCursor(page.Messages[p.Limit-1].ID)
	}
	return page, nil
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var createdAt string
	if err := row.Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.UserID,
		&msg.Content,
		&msg.System,
		&msg.ClientMsgID,
		&msg.AgentName,
		&msg.AgentAvatarURL,
		&createdAt,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = t
	return &msg, nil
}
