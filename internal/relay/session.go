// ABOUTME: One client's STOMP session on the relay
// ABOUTME: Runs the frame loop and forwards each subscription's payloads as MESSAGE frames

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/stomp"
	"github.com/2389/consult-session/internal/store"
	"github.com/2389/consult-session/internal/wire"
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

type subscription struct {
	topic    string
	fanoutID string
}

type stompSession struct {
	srv         *Server
	conn        *websocket.Conn
	upgradeAuth string
	id          string
	identity    auth.Identity

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]subscription // STOMP subscription id -> fan-out registration

	forwarders sync.WaitGroup
	logger     *slog.Logger
}

func newStompSession(srv *Server, conn *websocket.Conn, r *http.Request) *stompSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &stompSession{
		srv:         srv,
		conn:        conn,
		upgradeAuth: r.Header.Get("Authorization"),
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]subscription),
		logger:      srv.logger.With("session_id", id, "remote", r.RemoteAddr),
	}
}

func (s *stompSession) run() {
	defer s.close()

	if !s.handshake() {
		return
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}
		f, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			s.sendError("malformed frame", err.Error())
			return
		}
		s.srv.metrics.Frame(f.Command)
		if !s.handle(f) {
			return
		}
	}
}

func (s *stompSession) handshake() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var f *frame.Frame
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("no CONNECT frame", "error", err)
			return false
		}
		f, err = stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			s.sendError("malformed frame", err.Error())
			return false
		}
		break
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	s.srv.metrics.Frame(f.Command)

	if f.Command != frame.CONNECT && f.Command != frame.STOMP {
		s.sendError("expected CONNECT", "got "+f.Command)
		return false
	}

	identity, err := s.srv.authenticate(f.Header.Get(stomp.HdrAuthorization), f.Header.Get(frame.Passcode), s.upgradeAuth)
	if err != nil {
		s.srv.metrics.AuthFailed()
		s.logger.Warn("connect rejected", "error", err)
		s.sendError("authentication failed", err.Error())
		return false
	}
	s.identity = identity
	s.logger = s.logger.With("user_id", identity.UserID, "role", string(identity.Role))

	err = s.write(frame.New(frame.CONNECTED,
		frame.Version, "1.2",
		frame.HeartBeat, "0,0",
		"server", "consult-relay/"+s.srv.version,
		"session", s.id,
		stomp.HdrUserName, strconv.FormatInt(identity.UserID, 10),
	))
	if err != nil {
		return false
	}
	s.logger.Info("stomp session connected")
	return true
}

// handle processes one frame; false ends the session.
func (s *stompSession) handle(f *frame.Frame) bool {
	switch f.Command {
	case frame.SUBSCRIBE:
		if !s.subscribe(f) {
			return false
		}
	case frame.UNSUBSCRIBE:
		s.unsubscribe(f.Header.Get(frame.Id))
	case frame.SEND:
		if !s.send(f) {
			return false
		}
	case frame.DISCONNECT:
		s.receipt(f)
		s.logger.Info("stomp session disconnected")
		return false
	default:
		s.sendError("unsupported command", f.Command)
		return false
	}
	s.receipt(f)
	return true
}

func (s *stompSession) subscribe(f *frame.Frame) bool {
	subID := f.Header.Get(frame.Id)
	topic := f.Header.Get(frame.Destination)
	if subID == "" {
		s.sendError("SUBSCRIBE requires an id", "")
		return false
	}
	roomID, err := wire.ParseRoomTopic(topic)
	if err != nil {
		s.sendError("unknown destination", err.Error())
		return false
	}
	if err := s.srv.authorizeRoom(s.ctx, s.identity, roomID); err != nil {
		s.sendError("subscription refused", err.Error())
		return false
	}

	s.unsubscribe(subID)
	ch, fanoutID := s.srv.fanout.Subscribe(s.ctx, topic)
	s.mu.Lock()
	s.subs[subID] = subscription{topic: topic, fanoutID: fanoutID}
	s.mu.Unlock()

	s.forwarders.Add(1)
	go s.forward(subID, topic, ch)

	s.logger.Debug("subscribed", "subscription", subID, "topic", topic)
	return true
}

func (s *stompSession) unsubscribe(subID string) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok {
		s.srv.fanout.Unsubscribe(sub.topic, sub.fanoutID)
		s.logger.Debug("unsubscribed", "subscription", subID, "topic", sub.topic)
	}
}

func (s *stompSession) forward(subID, topic string, ch <-chan []byte) {
	defer s.forwarders.Done()
	for body := range ch {
		f := frame.New(frame.MESSAGE,
			frame.Subscription, subID,
			frame.MessageId, uuid.NewString(),
			frame.Destination, topic,
			frame.ContentType, "application/json",
		)
		f.Body = body
		if err := s.write(f); err != nil {
			// Unblocks the read loop so the session ends.
			_ = s.conn.Close()
			return
		}
	}
}

func (s *stompSession) send(f *frame.Frame) bool {
	dest := f.Header.Get(frame.Destination)
	if dest != wire.SendDestination {
		s.sendError("unknown destination", dest)
		return false
	}
	out, err := decodeOutbound(f.Body)
	if err != nil {
		s.sendError("invalid message", err.Error())
		return false
	}

	msg, err := s.srv.accept(s.ctx, s.identity, out)
	if err != nil {
		// The session serves other rooms too, so a rejected message is
		// dropped instead of ending it. The sender's timeout marks it failed.
		level := slog.LevelWarn
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, errRoomClosed) || errors.Is(err, errEmptyContent) {
			level = slog.LevelInfo
		}
		s.logger.Log(s.ctx, level, "message rejected", "room_id", out.RoomID, "error", err)
		return true
	}
	s.logger.Debug("message accepted", "room_id", out.RoomID, "message_id", msg.MessageID)
	return true
}

func (s *stompSession) receipt(f *frame.Frame) {
	if id := f.Header.Get(frame.Receipt); id != "" {
		_ = s.write(frame.New(frame.RECEIPT, frame.ReceiptId, id))
	}
}

func (s *stompSession) sendError(message, detail string) {
	f := frame.New(frame.ERROR, frame.Message, message)
	if detail != "" {
		f.Body = []byte(detail)
	}
	_ = s.write(f)
}

func (s *stompSession) write(f *frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", f.Command, err)
	}
	return nil
}

func (s *stompSession) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		s.srv.fanout.Unsubscribe(sub.topic, sub.fanoutID)
	}
	s.cancel()
	_ = s.conn.Close()
	s.forwarders.Wait()
}
