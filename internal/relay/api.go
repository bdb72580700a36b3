// ABOUTME: Room REST API served by the relay for history, details, and assignment
// ABOUTME: chi router with CORS, bearer auth, and per-route request metrics

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/metrics"
	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
	"github.com/2389/consult-session/internal/store"
	"github.com/2389/consult-session/internal/wire"
)

const maxBodySize = 8 * 1024

// RoomStore is the persistence the room API needs.
type RoomStore interface {
	CreateRoom(ctx context.Context, customerID int64) (*store.Room, error)
	GetRoom(ctx context.Context, id int64) (*store.Room, error)
	ListRooms(ctx context.Context, status session.Status, limit int) ([]*store.Room, error)
	UpdateStatus(ctx context.Context, id int64, status session.Status) error
	CloseRoom(ctx context.Context, id int64) error
	AssignAgent(ctx context.Context, id, agentID int64, agentName, avatarURL string) (*store.Room, error)
	ListMessages(ctx context.Context, p store.ListMessagesParams) (*store.MessagePage, error)
}

// APIConfig wires the room API.
type APIConfig struct {
	Store          RoomStore
	Verifier       auth.TokenVerifier
	Metrics        *metrics.Relay
	AllowedOrigins []string
	Logger         *slog.Logger
}

type roomHandler struct {
	store   RoomStore
	metrics *metrics.Relay
	logger  *slog.Logger
}

// NewRouter builds the room API. Every /api route requires a bearer token;
// /health does not.
func NewRouter(cfg APIConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &roomHandler{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "room-api"),
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(h.recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(cfg.Verifier))
		r.Use(limitBody)

		r.Get("/", h.listRooms)
		r.Post("/", h.createRoom)
		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", h.getRoom)
			r.Delete("/", h.closeRoom)
			r.Get("/messages", h.listMessages)
			r.Put("/status", h.updateStatus)
			r.Put("/agent", h.assignAgent)
		})
	})

	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}

func (h *roomHandler) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.HTTPRequest(r.Method, route, strconv.Itoa(status))
		h.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start))
	})
}

func (h *roomHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *roomHandler) listRooms(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if !id.IsAgent() {
		writeError(w, http.StatusForbidden, "agents only")
		return
	}

	var status session.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := session.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rooms, err := h.store.ListRooms(r.Context(), status, limit)
	if err != nil {
		h.internalError(w, "listing rooms", err)
		return
	}
	details := make([]roomapi.RoomDetail, 0, len(rooms))
	for _, room := range rooms {
		details = append(details, toDetail(room))
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *roomHandler) createRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req struct {
		CustomerID int64 `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !id.IsAgent() {
		// Customers open rooms for themselves only.
		req.CustomerID = id.UserID
	}
	if req.CustomerID == 0 {
		writeError(w, http.StatusBadRequest, "customerId is required")
		return
	}

	room, err := h.store.CreateRoom(r.Context(), req.CustomerID)
	if err != nil {
		h.internalError(w, "creating room", err)
		return
	}
	h.logger.Info("room created", "room_id", room.ID, "customer_id", room.CustomerID)
	writeJSON(w, http.StatusCreated, toDetail(room))
}

func (h *roomHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDetail(room))
}

func (h *roomHandler) closeRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	if err := h.store.CloseRoom(r.Context(), room.ID); err != nil {
		h.storeError(w, "closing room", err)
		return
	}
	h.logger.Info("room closed", "room_id", room.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *roomHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	page, err := h.store.ListMessages(r.Context(), store.ListMessagesParams{
		RoomID: room.ID,
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		h.storeError(w, "listing messages", err)
		return
	}

	out := roomapi.HistoryPage{
		Messages:   make([]wire.InboundMessage, 0, len(page.Messages)),
		NextCursor: page.NextCursor,
		HasMore:    page.NextCursor != "",
	}
	for i := range page.Messages {
		out.Messages = append(out.Messages, *toInbound(&page.Messages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *roomHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := session.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateStatus(r.Context(), room.ID, status); err != nil {
		h.storeError(w, "updating status", err)
		return
	}
	h.logger.Info("room status updated", "room_id", room.ID, "status", status)
	w.WriteHeader(http.StatusNoContent)
}

func (h *roomHandler) assignAgent(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if !id.IsAgent() {
		writeError(w, http.StatusForbidden, "agents only")
		return
	}
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return
	}

	var req roomapi.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == 0 {
		req.AgentID = id.UserID
	}
	if req.AgentID != id.UserID {
		writeError(w, http.StatusForbidden, "agents can only claim rooms for themselves")
		return
	}
	name := req.AgentName
	if name == "" {
		name = id.Name
	}

	room, err := h.store.AssignAgent(r.Context(), roomID, req.AgentID, name, "")
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		h.logger.Info("claim lost", "room_id", roomID, "agent_id", req.AgentID, "holder_id", conflict.HolderID)
		writeJSON(w, http.StatusConflict, roomapi.ConflictBody{
			Error:   "room already assigned",
			AgentID: conflict.HolderID,
		})
		return
	case errors.Is(err, store.ErrRoomClosed):
		writeError(w, http.StatusGone, "room is closed")
		return
	case err != nil:
		h.storeError(w, "assigning agent", err)
		return
	}
	writeJSON(w, http.StatusOK, toDetail(room))
}

// authorizedRoom loads the {roomID} room, allowing agents into any room
// and customers into their own.
func (h *roomHandler) authorizedRoom(w http.ResponseWriter, r *http.Request) (*store.Room, bool) {
	roomID, ok := roomIDParam(w, r)
	if !ok {
		return nil, false
	}
	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		h.storeError(w, "loading room", err)
		return nil, false
	}
	id, _ := auth.FromContext(r.Context())
	if !id.IsAgent() && room.CustomerID != id.UserID {
		// Not found rather than forbidden so room ids cannot be enumerated.
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	return room, true
}

func (h *roomHandler) storeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, store.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "invalid cursor")
	default:
		h.internalError(w, action, err)
	}
}

func (h *roomHandler) internalError(w http.ResponseWriter, action string, err error) {
	h.logger.Error(action+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func roomIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return 0, false
	}
	return roomID, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func toDetail(room *store.Room) roomapi.RoomDetail {
	return roomapi.RoomDetail{
		RoomID:         room.ID,
		CustomerID:     room.CustomerID,
		AgentID:        room.AgentID,
		AgentName:      room.AgentName,
		AgentAvatarURL: room.AgentAvatarURL,
		Status:         room.Status,
		LastActivityAt: wire.Timestamp{Time: room.LastActivityAt},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
