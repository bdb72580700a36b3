// ABOUTME: STOMP-over-WebSocket relay for consultation room topics
// ABOUTME: Authenticates CONNECT, stores SENDs, and fans MESSAGE frames out per room

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/dedupe"
	"github.com/2389/consult-session/internal/metrics"
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/store"
	"github.com/2389/consult-session/internal/wire"
)

const (
	stompSubprotocol = "v12.stomp"
	maxFrameSize     = 64 * 1024
)

var (
	errEmptyContent = errors.New("message content is empty")
	errRoomClosed   = errors.New("room is closed")
	errForbidden    = errors.New("room belongs to another customer")
)

// MessageStore is the persistence the STOMP relay needs.
type MessageStore interface {
	GetRoom(ctx context.Context, id int64) (*store.Room, error)
	SaveMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error)
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Store    MessageStore
	Verifier auth.TokenVerifier
	Fanout   Fanout
	// Dedupe remembers recent client message ids. Optional; the store's
	// unique index still catches retries without it.
	Dedupe  *dedupe.Cache
	Metrics *metrics.Relay
	// AllowedOrigins restricts browser origins. Empty or "*" allows all.
	AllowedOrigins []string
	Version        string
	Logger         *slog.Logger
}

// Server accepts STOMP sessions over WebSocket.
type Server struct {
	store    MessageStore
	verifier auth.TokenVerifier
	fanout   Fanout
	dedupe   *dedupe.Cache
	metrics  *metrics.Relay
	version  string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*stompSession]struct{}
	closed   bool
}

// NewServer creates the STOMP endpoint.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	fanout := cfg.Fanout
	if fanout == nil {
		fanout = NewBroadcaster(logger)
	}
	origins := cfg.AllowedOrigins
	return &Server{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		fanout:   fanout,
		dedupe:   cfg.Dedupe,
		metrics:  cfg.Metrics,
		version:  version,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{stompSubprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(origins, r.Header.Get("Origin"))
			},
		},
		logger:   logger.With("component", "stomp-relay"),
		sessions: make(map[*stompSession]struct{}),
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
		return true
	}
	return slices.Contains(allowed, origin)
}

// ServeHTTP upgrades the request and runs one STOMP session until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	sess := newStompSession(s, conn, r)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.metrics.Connected(1)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.metrics.Connected(-1)
	}()
	sess.run()
}

// Close ends every open session. Hijacked WebSocket connections are not
// covered by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*stompSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

// authenticate resolves the caller from the CONNECT frame, falling back to
// the upgrade request's Authorization header.
func (s *Server) authenticate(connectAuth, passcode, upgradeAuth string) (auth.Identity, error) {
	if s.verifier == nil {
		return auth.Identity{}, errors.New("no token verifier configured")
	}
	token := passcode
	for _, header := range []string{connectAuth, upgradeAuth} {
		if header == "" {
			continue
		}
		t, errMsg := auth.ExtractBearerToken(header)
		if errMsg != "" {
			return auth.Identity{}, errors.New(errMsg)
		}
		token = t
		break
	}
	if token == "" {
		return auth.Identity{}, errors.New("missing credentials")
	}
	return s.verifier.Verify(token)
}

// accept stores an outbound message from id and fans it out to the room.
// A retried client message id re-publishes the stored original.
func (s *Server) accept(ctx context.Context, id auth.Identity, out wire.OutboundMessage) (*wire.InboundMessage, error) {
	if strings.TrimSpace(out.Content) == "" {
		return nil, errEmptyContent
	}
	room, err := s.store.GetRoom(ctx, out.RoomID)
	if err != nil {
		return nil, fmt.Errorf("room %d: %w", out.RoomID, err)
	}
	if !id.IsAgent() && room.CustomerID != id.UserID {
		return nil, errForbidden
	}
	// Closing announcements may race the close itself.
	if room.Status == session.StatusClosed && !out.System {
		return nil, errRoomClosed
	}

	saved, duplicate, err := s.save(ctx, id, room, out)
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.metrics.Dedupe()
		s.logger.Debug("re-echoing retried message",
			"room_id", room.ID, "message_id", saved.ID, "client_msg_id", out.ClientMsgID)
	}

	msg := toInbound(saved)
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	if err := s.fanout.Publish(ctx, wire.RoomTopic(room.ID), body); err != nil {
		return nil, err
	}
	s.metrics.Message()
	return msg, nil
}

// authorizeRoom lets agents into any room and customers into their own.
func (s *Server) authorizeRoom(ctx context.Context, id auth.Identity, roomID int64) error {
	if id.IsAgent() {
		return nil
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room %d: %w", roomID, err)
	}
	if room.CustomerID != id.UserID {
		return errForbidden
	}
	return nil
}

func decodeOutbound(body []byte) (wire.OutboundMessage, error) {
	var out wire.OutboundMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decoding message: %w", err)
	}
	if out.RoomID == 0 {
		return out, errors.New("missing csRoomId")
	}
	return out, nil
}

func (s *Server) save(ctx context.Context, id auth.Identity, room *store.Room, out wire.OutboundMessage) (*store.Message, bool, error) {
	var key string
	if out.ClientMsgID != "" && s.dedupe != nil {
		key = dedupe.Key(room.ID, id.UserID, out.ClientMsgID)
		if msgID, ok := s.dedupe.Lookup(key); ok {
			if existing, err := s.store.GetMessage(ctx, msgID); err == nil {
				return existing, true, nil
			}
		}
	}

	msg := &store.Message{
		RoomID:      room.ID,
		UserID:      id.UserID,
		Content:     out.Content,
		System:      out.System,
		ClientMsgID: out.ClientMsgID,
	}
	if id.IsAgent() {
		msg.AgentName = id.Name
		if room.AgentID != nil && *room.AgentID == id.UserID {
			msg.AgentAvatarURL = room.AgentAvatarURL
			if msg.AgentName == "" {
				msg.AgentName = room.AgentName
			}
		}
	}

	saved, duplicate, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("saving message: %w", err)
	}
	if key != "" {
		s.dedupe.Remember(key, saved.ID)
	}
	return saved, duplicate, nil
}

func toInbound(m *store.Message) *wire.InboundMessage {
	system := m.System
	return &wire.InboundMessage{
		MessageID:      m.ID,
		UserID:         m.UserID,
		Content:        m.Content,
		CreatedAt:      wire.Timestamp{Time: m.CreatedAt},
		System:         &system,
		AgentName:      m.AgentName,
		AgentAvatarURL: m.AgentAvatarURL,
		ClientMsgID:    m.ClientMsgID,
	}
}
