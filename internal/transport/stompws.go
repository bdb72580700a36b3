// ABOUTME: STOMP-over-WebSocket link to the consultation relay
// ABOUTME: Performs the CONNECT handshake and pumps MESSAGE frames into deliveries

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/2389/consult-session/internal/stomp"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	deliveryBufferSize      = 256
	stompSubprotocol        = "v12.stomp"
)

// StompDialer dials the relay's STOMP WebSocket endpoint.
type StompDialer struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// Token is sent as "Authorization: Bearer <token>" on CONNECT.
	Token string
	// Login is the optional STOMP login header.
	Login            string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial opens the WebSocket and completes the STOMP CONNECT exchange.
func (d *StompDialer) Dial(ctx context.Context) (Link, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{stompSubprotocol},
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, u.Hostname(),
		frame.HeartBeat, "0,0",
	)
	if d.Login != "" {
		connect.Header.Set(frame.Login, d.Login)
	}
	if d.Token != "" {
		connect.Header.Set(stomp.HdrAuthorization, "Bearer "+d.Token)
	}

	data, err := stomp.Encode(connect)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending CONNECT: %w", err)
	}

	reply, err := readFrame(conn, time.Now().Add(timeout))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECTED: %w", err)
	}
	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		conn.Close()
		return nil, fmt.Errorf("connect rejected: %s", reply.Header.Get(frame.Message))
	default:
		conn.Close()
		return nil, fmt.Errorf("expected CONNECTED, got %s", reply.Command)
	}

	l := &stompLink{
		conn:       conn,
		deliveries: make(chan Delivery, deliveryBufferSize),
		done:       make(chan struct{}),
		logger:     logger.With("component", "stomp-link"),
	}
	go l.readLoop()

	l.logger.Debug("stomp session established", "url", d.URL, "server", reply.Header.Get("server"))
	return l, nil
}

func readFrame(conn *websocket.Conn, deadline time.Time) (*frame.Frame, error) {
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		return f, err
	}
}

type stompLink struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
	logger     *slog.Logger
}

func (l *stompLink) Subscribe(id, topic string) error {
	return l.write(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, topic,
		"ack", "auto",
	))
}

func (l *stompLink) Unsubscribe(id string) error {
	return l.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (l *stompLink) Send(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return l.write(f)
}

func (l *stompLink) Deliveries() <-chan Delivery { return l.deliveries }

func (l *stompLink) Done() <-chan struct{} { return l.done }

func (l *stompLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close sends DISCONNECT on a best-effort basis and closes the socket.
func (l *stompLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	_ = l.write(frame.New(frame.DISCONNECT))
	l.finish(nil)
	return nil
}

func (l *stompLink) write(f *frame.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.finish(err)
		return err
	}
	return nil
}

func (l *stompLink) finish(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *stompLink) readLoop() {
	defer close(l.deliveries)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.finish(err)
			return
		}

		f, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartBeat) {
			continue
		}
		if err != nil {
			l.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			d := Delivery{
				SubscriptionID: f.Header.Get(frame.Subscription),
				Destination:    f.Header.Get(frame.Destination),
				Body:           f.Body,
			}
			select {
			case l.deliveries <- d:
			case <-l.done:
				return
			}
		case frame.ERROR:
			l.finish(fmt.Errorf("relay error: %s", f.Header.Get(frame.Message)))
			return
		case frame.RECEIPT:
			l.logger.Debug("receipt", "receipt_id", f.Header.Get(frame.ReceiptId))
		default:
			l.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}
