// ABOUTME: HTTP client for the room service REST endpoints
// ABOUTME: Implements HistoryLoader and RoomService over JSON

package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/consult-session/internal/session"
)

const maxErrorBody = 4 << 10

// Client talks to the room service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "roomapi")
	return c
}

// FetchHistory fetches one page of a room's messages.
func (c *Client) FetchHistory(ctx context.Context, roomID int64, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "messages")+"?"+q.Encode(), nil, &page); err != nil {
		return nil, &HistoryFetchError{RoomID: roomID, Cursor: cursor, Err: err}
	}
	return &page, nil
}

// RoomDetail fetches the room record.
func (c *Client) RoomDetail(ctx context.Context, roomID int64) (*RoomDetail, error) {
	var detail RoomDetail
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &detail); err != nil {
		return nil, fmt.Errorf("room detail %d: %w", roomID, err)
	}
	return &detail, nil
}

// UpdateStatus sets the room status.
func (c *Client) UpdateStatus(ctx context.Context, roomID int64, status session.Status) error {
	body := map[string]string{"status": string(status)}
	if err := c.do(ctx, http.MethodPut, roomPath(roomID, "status"), body, nil); err != nil {
		return fmt.Errorf("update status of room %d: %w", roomID, err)
	}
	return nil
}

// AssignRequest is the body of an agent assignment.
type AssignRequest struct {
	AgentID   int64  `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
}

// ConflictBody is the body of a 409 assignment response.
type ConflictBody struct {
	Error   string `json:"error"`
	AgentID int64  `json:"agentId"`
}

// AssignAgent asks the service to assign the room to agentID.
func (c *Client) AssignAgent(ctx context.Context, roomID, agentID int64, agentName string) (*RoomDetail, error) {
	var detail RoomDetail
	err := c.do(ctx, http.MethodPut, roomPath(roomID, "agent"), AssignRequest{AgentID: agentID, AgentName: agentName}, &detail)
	var conflict *conflictResponse
	if errors.As(err, &conflict) {
		return nil, &AssignConflict{RoomID: roomID, AgentID: conflict.body.AgentID}
	}
	if err != nil {
		return nil, fmt.Errorf("assign room %d: %w", roomID, err)
	}
	return &detail, nil
}

// CloseRoom closes the consultation.
func (c *Client) CloseRoom(ctx context.Context, roomID int64) error {
	if err := c.do(ctx, http.MethodDelete, roomPath(roomID, ""), nil, nil); err != nil {
		return fmt.Errorf("close room %d: %w", roomID, err)
	}
	return nil
}

// CreateRoom opens a consultation for customerID.
func (c *Client) CreateRoom(ctx context.Context, customerID int64) (*RoomDetail, error) {
	var detail RoomDetail
	body := map[string]int64{"customerId": customerID}
	if err := c.do(ctx, http.MethodPost, "/api/rooms", body, &detail); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &detail, nil
}

// ListRooms lists rooms, optionally filtered by status. Agents only.
func (c *Client) ListRooms(ctx context.Context, status session.Status) ([]RoomDetail, error) {
	path := "/api/rooms"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}
	var rooms []RoomDetail
	if err := c.do(ctx, http.MethodGet, path, nil, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

type conflictResponse struct {
	body ConflictBody
}

func (e *conflictResponse) Error() string { return e.body.Error }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("room service request", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusConflict:
		var cb ConflictBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&cb); err != nil {
			cb.Error = "conflict"
		}
		return &conflictResponse{body: cb}
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Message: readError(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var eb struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		return eb.Error
	}
	return strings.TrimSpace(string(data))
}

func roomPath(roomID int64, sub string) string {
	p := "/api/rooms/" + strconv.FormatInt(roomID, 10)
	if sub != "" {
		p += "/" + sub
	}
	return p
}
