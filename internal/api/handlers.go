package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/pkg/chat"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// Handler serves the room management endpoints.
type Handler struct {
	hub *chat.Hub
}

// NewHandler creates a new Handler.
func NewHandler(hub *chat.Hub) *Handler {
	return &Handler{hub: hub}
}

type CreateDirectRequest struct {
	UserID string `json:"userID"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type AddMemberRequest struct {
	UserID string `json:"userID"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

// CreateDirect opens a DIRECT room between the caller and another user.
// An existing pair answers 409 with the room ID in the message.
func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	room, err := h.hub.CreateDirect(r.Context(), UserFromContext(r.Context()), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeRoom(w, r, http.StatusCreated, room.ID())
}

// CreateGroup opens a GROUP room. The caller is always a member.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	members := append([]string{UserFromContext(r.Context())}, req.Members...)
	room, err := h.hub.CreateGroup(r.Context(), req.Name, members)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeRoom(w, r, http.StatusCreated, room.ID())
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.memberRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.memberRoom(w, r)
	if !ok {
		return
	}

	var req AddMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.hub.AddMember(r.Context(), snap.ID, req.UserID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeRoom(w, r, http.StatusOK, snap.ID)
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.memberRoom(w, r)
	if !ok {
		return
	}

	if err := h.hub.RemoveMember(r.Context(), snap.ID, chi.URLParam(r, "userID")); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// memberRoom loads the room named in the path and checks that the caller
// belongs to it.
func (h *Handler) memberRoom(w http.ResponseWriter, r *http.Request) (chat.Snapshot, bool) {
	snap, err := h.hub.Room(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.fail(w, r, err)
		return chat.Snapshot{}, false
	}

	if !slices.Contains(snap.Members, UserFromContext(r.Context())) {
		writeError(w, apperrors.ErrNotAMember.WithDetails(snap.ID))
		return chat.Snapshot{}, false
	}

	return snap, true
}

func (h *Handler) writeRoom(w http.ResponseWriter, r *http.Request, status int, roomID string) {
	snap, err := h.hub.Room(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, status, snap)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperrors.From(err)
	if e.Type == apperrors.ErrorTypeInternal || e.Type == apperrors.ErrorTypePersistence {
		logging.FromContext(r.Context()).Error("request failed", "error", err, "path", r.URL.Path)
	}
	writeError(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		return apperrors.ErrValidation.WithDetails("invalid JSON body").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.Public(err)
	writeJSON(w, statusFor(err), errorResponse{Code: code, Message: message})
}

func statusFor(err error) int {
	var e *apperrors.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Type {
	case apperrors.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrorTypeNotAMember:
		return http.StatusForbidden
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeAlreadyExists:
		return http.StatusConflict
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeProtocol:
		return http.StatusBadRequest
	case apperrors.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypePersistence:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
