// ABOUTME: Tests for consult-chat line handling and rendering
// ABOUTME: Runs a widget and a console against an in-process relay

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/config"
	"github.com/2389/consult-session/internal/consult"
	"github.com/2389/consult-session/internal/relay"
	"github.com/2389/consult-session/internal/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{Text: "hello there"}},
		{"  padded  ", command{Text: "padded"}},
		{"/claim", command{Name: "claim", Args: []string{}}},
		{"/STATUS open 12", command{Name: "status", Args: []string{"open", "12"}}},
		{"/", command{Text: "/"}},
		{"", command{Text: ""}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseCommand(tt.line), tt.line)
	}
}

func TestRoomArg(t *testing.T) {
	id, err := roomArg([]string{"42"}, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = roomArg(nil, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	_, err = roomArg(nil, 0, 0)
	assert.Error(t, err)

	_, err = roomArg([]string{"abc"}, 0, 7)
	assert.Error(t, err)

	_, err = roomArg([]string{"-3"}, 0, 7)
	assert.Error(t, err)
}

func TestRenderMessage(t *testing.T) {
	color.NoColor = true
	sent := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)

	mine := session.Message{RoomID: 3, SenderID: 1, Content: "hi", SentAt: sent, State: session.Pending{LocalID: -1}}
	assert.Equal(t, "  [room 3] 09:30 you: hi …", renderMessage(mine, 1))

	agent := session.Message{RoomID: 3, SenderID: 9, Content: "hello", SentAt: sent, AgentName: "Dr. Kim", State: session.Confirmed{ServerID: 5}}
	assert.Equal(t, "  [room 3] 09:30 Dr. Kim: hello", renderMessage(agent, 1))

	failed := session.Message{RoomID: 3, SenderID: 1, Content: "lost", SentAt: sent, State: session.Failed{LocalID: -2, Reason: errors.New("timeout")}}
	assert.Contains(t, renderMessage(failed, 1), "(failed #2: timeout, /retry)")

	system := session.Message{RoomID: 3, Kind: session.KindSystem, Content: consult.EndText, SentAt: sent}
	assert.Equal(t, "  [room 3] 09:30 * "+consult.EndText, renderMessage(system, 1))
}

func TestRenderEvent(t *testing.T) {
	color.NoColor = true

	pending := session.Message{RoomID: 1, State: session.Pending{LocalID: -1}}
	assert.Empty(t, renderEvent(consult.Event{Kind: consult.EventMessageUpdated, Message: &pending}, 1))

	room := session.Room{RoomID: 4, Status: session.StatusOpen, AgentName: "Dr. Lee",
		Assignment: &session.Assignment{AgentID: 8, Provisional: true}}
	assert.Equal(t, "  [room 4] OPEN, with Dr. Lee (claiming)",
		renderEvent(consult.Event{Kind: consult.EventAssignment, RoomID: 4, Room: &room}, 1))

	assert.Contains(t, renderEvent(consult.Event{Kind: consult.EventAssignment, RoomID: 4, Room: &room, Err: errors.New("taken")}, 1),
		"claim failed: taken")
	assert.Equal(t, "  [room 4] closed", renderEvent(consult.Event{Kind: consult.EventRoomClosed, RoomID: 4}, 1))
}

const chatSecret = "consult-chat-test-secret-0123456789"

type chatFixture struct {
	t        *testing.T
	relay    *relay.Relay
	srv      *httptest.Server
	verifier *auth.JWTVerifier
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
database:
  path: %q
auth:
  jwt_secret: %q
`, filepath.Join(t.TempDir(), "chat.db"), chatSecret)))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl, err := relay.New(context.Background(), cfg, "test", logger)
	require.NoError(t, err)
	srv := httptest.NewServer(rl.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rl.Shutdown(context.Background())
	})
	return &chatFixture{t: t, relay: rl, srv: srv, verifier: auth.NewJWTVerifier([]byte(chatSecret))}
}

func (f *chatFixture) session(ctx context.Context, id auth.Identity) *chatSession {
	f.t.Helper()
	tok, err := f.verifier.Generate(id, time.Hour)
	require.NoError(f.t, err)
	p := &Profile{
		RelayURL:       "ws" + strings.TrimPrefix(f.srv.URL, "http") + config.DefaultWebSocketPath,
		APIURL:         f.srv.URL,
		Token:          tok,
		UserID:         id.UserID,
		Name:           id.Name,
		PublishTimeout: duration{2 * time.Second},
		RetryInterval:  duration{50 * time.Millisecond},
		MaxAttempts:    3,
	}
	require.NoError(f.t, p.Validate())

	s := newChatSession(p, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(f.t, s.start(ctx))
	f.t.Cleanup(s.stop)
	return s
}

func hasConfirmed(msgs []session.Message, content string) bool {
	for _, m := range msgs {
		if _, ok := m.ServerID(); ok && m.Content == content {
			return true
		}
	}
	return false
}

func TestWidgetAndConsole(t *testing.T) {
	color.NoColor = true
	f := newChatFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	customer := f.session(ctx, auth.Identity{UserID: 100, Role: auth.RoleCustomer})
	detail, err := customer.api.CreateRoom(ctx, 100)
	require.NoError(t, err)
	roomID := detail.RoomID
	require.NoError(t, customer.openRoom(ctx, roomID))

	quit, err := customer.widgetLine(ctx, roomID, "my knee hurts")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Eventually(t, func() bool {
		return hasConfirmed(customer.manager.View(roomID), "my knee hurts")
	}, 3*time.Second, 20*time.Millisecond)

	agent := &console{chatSession: f.session(ctx, auth.Identity{UserID: 7, Role: auth.RoleAgent, Name: "Dr. Kim"})}
	_, err = agent.line(ctx, fmt.Sprintf("/open %d", roomID))
	require.NoError(t, err)
	assert.Equal(t, roomID, agent.current)
	assert.Eventually(t, func() bool {
		return hasConfirmed(agent.manager.View(roomID), "my knee hurts")
	}, 3*time.Second, 20*time.Millisecond)

	_, err = agent.line(ctx, "/claim")
	require.NoError(t, err)
	room, ok := agent.manager.Room(roomID)
	require.True(t, ok)
	agentID, assigned := room.AgentID()
	require.True(t, assigned)
	assert.Equal(t, int64(7), agentID)
	assert.False(t, room.Assignment.Provisional)

	_, err = agent.line(ctx, "let me take a look")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return hasConfirmed(customer.manager.View(roomID), "let me take a look")
	}, 3*time.Second, 20*time.Millisecond)

	_, err = agent.line(ctx, "/status WAITING")
	require.NoError(t, err)

	_, err = customer.widgetLine(ctx, roomID, "/bogus")
	assert.Error(t, err)

	quit, err = customer.widgetLine(ctx, roomID, "/exit")
	require.NoError(t, err)
	assert.True(t, quit)

	stored, err := f.relay.Store().GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusClosed, stored.Status)
	_, open := customer.manager.Room(roomID)
	assert.False(t, open)
}

func TestConsole_NoRoomSelected(t *testing.T) {
	c := &console{chatSession: &chatSession{out: io.Discard, cursors: map[int64]string{}}}
	_, err := c.line(context.Background(), "hello")
	assert.ErrorContains(t, err, "no room selected")

	quit, err := c.line(context.Background(), "/quit")
	require.NoError(t, err)
	assert.True(t, quit)

	_, err = c.line(context.Background(), "/status")
	assert.ErrorContains(t, err, "usage")
}
