// ABOUTME: Session wiring and terminal rendering shared by the widget and console
// ABOUTME: Builds transport, room client, and manager from a profile and prints events

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/consult-session/internal/consult"
	"github.com/2389/consult-session/internal/metrics"
	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/transport"
)

// chatSession is one connected manager plus its terminal output.
type chatSession struct {
	profile *Profile
	manager *consult.Manager
	api     *roomapi.Client
	out     io.Writer
	logger  *slog.Logger

	metricsServer *http.Server

	mu      sync.Mutex
	cursors map[int64]string
	done    chan struct{}
}

func newChatSession(p *Profile, out io.Writer, logger *slog.Logger) *chatSession {
	conn := transport.New(&transport.StompDialer{
		URL:    p.RelayURL,
		Token:  p.Token,
		Logger: logger,
	}, transport.Config{
		RetryInterval: p.RetryInterval.Duration,
		MaxAttempts:   p.MaxAttempts,
		Logger:        logger,
	})
	api := roomapi.NewClient(p.APIURL, roomapi.WithToken(p.Token), roomapi.WithLogger(logger))

	s := &chatSession{
		profile: p,
		api:     api,
		out:     out,
		logger:  logger,
		cursors: make(map[int64]string),
	}

	var clientMetrics *metrics.Client
	if p.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		clientMetrics = metrics.NewClient(reg)
		s.metricsServer = &http.Server{
			Addr:              p.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	s.manager = consult.New(conn, api, api, consult.Config{
		UserID:         p.UserID,
		DisplayName:    p.Name,
		PublishTimeout: p.PublishTimeout.Duration,
		StrictSystem:   p.StrictSystem,
		Metrics:        clientMetrics,
		Logger:         logger,
	})
	return s
}

// start connects and begins printing events.
func (s *chatSession) start(ctx context.Context) error {
	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	s.done = make(chan struct{})
	go s.printEvents(ctx)

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	return nil
}

func (s *chatSession) stop() {
	if err := s.manager.Stop(); err != nil {
		s.logger.Debug("stopping manager", "error", err)
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.metricsServer.Shutdown(ctx)
	}
}

func (s *chatSession) printEvents(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.manager.Events():
			if line := renderEvent(ev, s.profile.UserID); line != "" {
				fmt.Fprintln(s.out, line)
			}
		}
	}
}

// openRoom subscribes, fills in the room record, and loads the first
// history page.
func (s *chatSession) openRoom(ctx context.Context, roomID int64) error {
	if _, err := s.manager.OpenRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := s.manager.RefreshRoomDetail(ctx, roomID); err != nil {
		return err
	}
	return s.loadHistory(ctx, roomID)
}

// loadHistory fetches the next older page for roomID.
func (s *chatSession) loadHistory(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	cursor, seen := s.cursors[roomID]
	s.mu.Unlock()
	if seen && cursor == "" {
		fmt.Fprintln(s.out, color.HiBlackString("  (no older messages)"))
		return nil
	}

	res, err := s.manager.LoadHistory(ctx, roomID, cursor)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cursors[roomID] = res.NextCursor
	s.mu.Unlock()

	for _, msg := range s.manager.View(roomID) {
		fmt.Fprintln(s.out, renderMessage(msg, s.profile.UserID))
	}
	return nil
}

// retryFailed republishes every failed message in roomID.
func (s *chatSession) retryFailed(ctx context.Context, roomID int64) (int, error) {
	var errs []error
	n := 0
	for _, msg := range s.manager.View(roomID) {
		if !msg.IsFailed() {
			continue
		}
		localID, _ := msg.LocalID()
		if _, err := s.manager.Retry(ctx, roomID, localID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// command is one parsed input line. Plain text has an empty Name.
type command struct {
	Name string
	Args []string
	Text string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{Text: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{Text: line}
	}
	return command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
}

// roomArg returns the room named by args[i], or fallback when absent.
func roomArg(args []string, i int, fallback int64) (int64, error) {
	if len(args) <= i {
		if fallback == 0 {
			return 0, errors.New("no room selected")
		}
		return fallback, nil
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", args[i])
	}
	return id, nil
}

// readLines feeds lines from in to handle until handle asks to stop, in
// hits EOF, or ctx is cancelled.
func readLines(ctx context.Context, in io.Reader, handle func(string) (bool, error)) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := handle(line)
			if err != nil {
				fmt.Println(color.RedString("  ! %v", err))
			}
			if quit {
				return nil
			}
		}
	}
}

func renderEvent(ev consult.Event, self int64) string {
	switch ev.Kind {
	case consult.EventMessageAdded:
		return renderMessage(*ev.Message, self)
	case consult.EventMessageUpdated:
		msg := *ev.Message
		if msg.IsPending() {
			return ""
		}
		return renderMessage(msg, self)
	case consult.EventTransport:
		line := color.HiBlackString("  [relay] %s", ev.Transport)
		if ev.Err != nil {
			line += color.RedString(" (%v)", ev.Err)
		}
		return line
	case consult.EventHistoryError:
		return color.YellowString("  [room %d] history unavailable: %v", ev.RoomID, ev.Err)
	case consult.EventAssignment:
		if ev.Err != nil {
			return color.YellowString("  [room %d] claim failed: %v", ev.RoomID, ev.Err)
		}
		return color.GreenString("  [room %d] %s", ev.RoomID, describeRoom(*ev.Room))
	case consult.EventRoomUpdated:
		return color.HiBlackString("  [room %d] %s", ev.RoomID, describeRoom(*ev.Room))
	case consult.EventRoomClosed:
		return color.HiBlackString("  [room %d] closed", ev.RoomID)
	}
	return ""
}

func describeRoom(r session.Room) string {
	var b strings.Builder
	if r.Status != "" {
		b.WriteString(string(r.Status))
	} else {
		b.WriteString("opening")
	}
	if agentID, ok := r.AgentID(); ok {
		name := r.AgentName
		if name == "" {
			name = "agent " + strconv.FormatInt(agentID, 10)
		}
		fmt.Fprintf(&b, ", with %s", name)
		if r.Assignment.Provisional {
			b.WriteString(" (claiming)")
		}
	}
	return b.String()
}

func renderMessage(msg session.Message, self int64) string {
	ts := msg.SentAt.Local().Format("15:04")
	if msg.Kind == session.KindSystem {
		return color.HiBlackString("  [room %d] %s * %s", msg.RoomID, ts, msg.Content)
	}

	sender := "customer"
	switch {
	case msg.SenderID == self:
		sender = "you"
	case msg.AgentName != "":
		sender = msg.AgentName
	}

	line := fmt.Sprintf("  [room %d] %s %s: %s", msg.RoomID, ts, color.CyanString(sender), msg.Content)
	switch st := msg.State.(type) {
	case session.Pending:
		line += color.HiBlackString(" …")
	case session.Failed:
		line += color.RedString(" (failed #%d: %v, /retry)", -st.LocalID, st.Reason)
	}
	return line
}
