// ABOUTME: Per-room ordered message timelines and room records
// ABOUTME: Owns the session's local-id counter and per-room insertion sequence

package session

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownRoom is returned for rooms the store has no state for.
	ErrUnknownRoom = errors.New("unknown room")
	// ErrUnknownMessage is returned when no unconfirmed message has the local id.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrDuplicateLocalID is returned when a local id is already in the room.
	ErrDuplicateLocalID = errors.New("local id already in use")
	// ErrDuplicateServerID is returned when a server id is already in the room.
	ErrDuplicateServerID = errors.New("server id already in room")
	// ErrInvalidTransition is returned for state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid delivery state transition")
)

type roomState struct {
	room     Room
	messages []*Message
	seq      uint64
	byServer map[int64]*Message
	byLocal  map[int64]*Message
}

// Store is the session state of every open room. It is safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	rooms     map[int64]*roomState
	lastLocal int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{rooms: make(map[int64]*roomState)}
}

// NextLocalID returns a fresh negative id, unique within this store.
func (s *Store) NextLocalID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLocal--
	return s.lastLocal
}

// EnsureRoom creates state for roomID if needed and returns the room.
func (s *Store) EnsureRoom(roomID int64) Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRoom(s.roomLocked(roomID).room)
}

// HasRoom reports whether the store has state for roomID.
func (s *Store) HasRoom(roomID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Room returns a copy of the room record.
func (s *Store) Room(roomID int64) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return cloneRoom(rs.room), true
}

// UpdateRoom applies fn to the room record under the store lock.
func (s *Store) UpdateRoom(roomID int64, fn func(*Room)) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return Room{}, fmt.Errorf("room %d: %w", roomID, ErrUnknownRoom)
	}
	fn(&rs.room)
	rs.room.RoomID = roomID
	return cloneRoom(rs.room), nil
}

// DropRoom discards all state for roomID.
func (s *Store) DropRoom(roomID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	return ok
}

// Rooms returns every room, most recently active first.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		out = append(out, cloneRoom(rs.room))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Append inserts m in timeline order and returns it with its Seq assigned.
// The room is created on first use.
func (s *Store) Append(m Message) (Message, error) {
	if m.State == nil {
		return Message{}, fmt.Errorf("append: %w: missing state", ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(s.roomLocked(m.RoomID), m)
}

// AppendExisting is Append for a room that must already exist; a dropped
// room is not brought back.
func (s *Store) AppendExisting(m Message) (Message, error) {
	if m.State == nil {
		return Message{}, fmt.Errorf("append: %w: missing state", ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[m.RoomID]
	if !ok {
		return Message{}, fmt.Errorf("room %d: %w", m.RoomID, ErrUnknownRoom)
	}
	return s.appendLocked(rs, m)
}

func (s *Store) appendLocked(rs *roomState, m Message) (Message, error) {
	switch st := m.State.(type) {
	case Confirmed:
		if _, dup := rs.byServer[st.ServerID]; dup {
			return Message{}, fmt.Errorf("append server id %d: %w", st.ServerID, ErrDuplicateServerID)
		}
	case Pending, Failed:
		id, _ := m.LocalID()
		if _, dup := rs.byLocal[id]; dup {
			return Message{}, fmt.Errorf("append local id %d: %w", id, ErrDuplicateLocalID)
		}
	}

	rs.seq++
	stored := m
	stored.Seq = rs.seq
	rs.insert(&stored)
	rs.index(&stored)
	rs.touch(stored.SentAt)
	return stored, nil
}

// Replace swaps the unconfirmed message with localID for next, in place.
// RoomID and Seq are preserved. A message confirmed by next can no longer
// be replaced by local id.
func (s *Store) Replace(roomID, localID int64, next Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return Message{}, fmt.Errorf("room %d: %w", roomID, ErrUnknownRoom)
	}
	cur, ok := rs.byLocal[localID]
	if !ok {
		return Message{}, fmt.Errorf("local id %d: %w", localID, ErrUnknownMessage)
	}

	switch st := next.State.(type) {
	case nil:
		return Message{}, fmt.Errorf("replace: %w: missing state", ErrInvalidTransition)
	case Confirmed:
		if other, dup := rs.byServer[st.ServerID]; dup && other != cur {
			return Message{}, fmt.Errorf("confirm server id %d: %w", st.ServerID, ErrDuplicateServerID)
		}
	case Pending:
		if st.LocalID != localID {
			return Message{}, fmt.Errorf("replace: %w: local id changed", ErrInvalidTransition)
		}
	case Failed:
		if st.LocalID != localID {
			return Message{}, fmt.Errorf("replace: %w: local id changed", ErrInvalidTransition)
		}
	}

	reorder := !cur.SentAt.Equal(next.SentAt)
	rs.unindex(cur)
	next.RoomID = roomID
	next.Seq = cur.Seq
	*cur = next
	rs.index(cur)
	if reorder {
		rs.remove(cur)
		rs.insert(cur)
	}
	return *cur, nil
}

// Confirm marks the unconfirmed message with localID as confirmed.
func (s *Store) Confirm(roomID, localID, serverID int64, confirmedAt time.Time) (Message, error) {
	cur, err := s.unconfirmed(roomID, localID)
	if err != nil {
		return Message{}, err
	}
	cur.State = Confirmed{ServerID: serverID}
	cur.ConfirmedAt = confirmedAt
	return s.Replace(roomID, localID, cur)
}

// Fail marks a pending message failed. Messages that are no longer pending
// are left alone and ok is false.
func (s *Store) Fail(roomID, localID int64, reason error) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	cur, ok := rs.byLocal[localID]
	if !ok || !cur.IsPending() {
		return Message{}, false
	}
	cur.State = Failed{LocalID: localID, Reason: reason}
	return *cur, true
}

// Resend moves a failed message back to pending for a retry. A non-zero
// sentAt restamps the message, moving it in the timeline.
func (s *Store) Resend(roomID, localID int64, sentAt time.Time) (Message, error) {
	cur, err := s.unconfirmed(roomID, localID)
	if err != nil {
		return Message{}, err
	}
	if !cur.IsFailed() {
		return Message{}, fmt.Errorf("resend %s: %w", cur.State, ErrInvalidTransition)
	}
	cur.State = Pending{LocalID: localID}
	if !sentAt.IsZero() {
		cur.SentAt = sentAt
	}
	return s.Replace(roomID, localID, cur)
}

// Find returns the first message in timeline order matching pred.
func (s *Store) Find(roomID int64, pred func(Message) bool) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	for _, m := range rs.messages {
		if pred(*m) {
			return *m, true
		}
	}
	return Message{}, false
}

// HasServerID reports whether roomID already holds serverID.
func (s *Store) HasServerID(roomID, serverID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = rs.byServer[serverID]
	return ok
}

// View returns a copy of the room's timeline in display order.
func (s *Store) View(roomID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, len(rs.messages))
	for i, m := range rs.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages in roomID.
func (s *Store) Len(roomID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.rooms[roomID]; ok {
		return len(rs.messages)
	}
	return 0
}

func (s *Store) unconfirmed(roomID, localID int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return Message{}, fmt.Errorf("room %d: %w", roomID, ErrUnknownRoom)
	}
	cur, ok := rs.byLocal[localID]
	if !ok {
		return Message{}, fmt.Errorf("local id %d: %w", localID, ErrUnknownMessage)
	}
	return *cur, nil
}

func (s *Store) roomLocked(roomID int64) *roomState {
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = &roomState{
			room:     Room{RoomID: roomID, Status: StatusOpen},
			byServer: make(map[int64]*Message),
			byLocal:  make(map[int64]*Message),
		}
		s.rooms[roomID] = rs
	}
	return rs
}

// insert places m after every message that sorts at or before it.
func (rs *roomState) insert(m *Message) {
	i := sort.Search(len(rs.messages), func(i int) bool {
		return m.before(rs.messages[i])
	})
	rs.messages = slices.Insert(rs.messages, i, m)
}

func (rs *roomState) remove(m *Message) {
	rs.messages = slices.DeleteFunc(rs.messages, func(o *Message) bool { return o == m })
}

func (rs *roomState) index(m *Message) {
	if id, ok := m.ServerID(); ok {
		rs.byServer[id] = m
	}
	if id, ok := m.LocalID(); ok {
		rs.byLocal[id] = m
	}
}

func (rs *roomState) unindex(m *Message) {
	if id, ok := m.ServerID(); ok {
		delete(rs.byServer, id)
	}
	if id, ok := m.LocalID(); ok {
		delete(rs.byLocal, id)
	}
}

func (rs *roomState) touch(at time.Time) {
	if at.After(rs.room.LastActivityAt) {
		rs.room.LastActivityAt = at
	}
}

func cloneRoom(r Room) Room {
	if r.Assignment != nil {
		a := *r.Assignment
		r.Assignment = &a
	}
	return r
}
