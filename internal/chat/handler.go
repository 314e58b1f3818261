package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go-assoc-chat/internal/logger"
	myMiddleware "go-assoc-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	svc      *Service
	hub      *Hub
	upgrader websocket.Upgrader
	limiter  SendLimiter
	// ctx outlives requests; websocket pumps run on it.
	ctx context.Context
}

// NewHandler builds the chat HTTP surface. checkOrigin may be nil to allow
// every origin; a nil limiter leaves stream sends unlimited.
func NewHandler(ctx context.Context, svc *Service, hub *Hub, limiter SendLimiter, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		svc:     svc,
		hub:     hub,
		limiter: limiter,
		ctx:     ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotAuthor):
		code = http.StatusForbidden
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrInvalidConversation),
		errors.Is(err, ErrInvalidEmoji), errors.Is(err, ErrUnknownAction):
		code = http.StatusBadRequest
	case errors.Is(err, ErrSessionClosed):
		code = http.StatusGone
	}
	if code == http.StatusInternalServerError {
		logger.Log.Error("chat_request_failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// StartConversation creates a conversation, or finds the existing private one.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req NewConversation
	if !decode(w, r, &req) {
		return
	}
	v, created, err := h.svc.Create(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, v)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := ListOptions{
		Filter: Filter(q.Get("filter")),
		Sort:   SortBy(q.Get("sort")),
		Query:  q.Get("q"),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": h.svc.List(userID, opts),
		"counts":        h.svc.Counts(userID),
	})
}

func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Action Action `json:"action"`
	}
	if !decode(w, r, &req) {
		return
	}
	v, err := h.svc.Apply(r.Context(), userID, chi.URLParam(r, "id"), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Action == ActionDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.History(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var d Draft
	if !decode(w, r, &d) {
		return
	}
	receipt, err := h.svc.Send(r.Context(), userID, chi.URLParam(r, "id"), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt.Message)
}

func (h *Handler) SetReply(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetReplyTo(r.Context(), userID, chi.URLParam(r, "id"), req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	changed, err := h.svc.MarkRead(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_ids": changed})
}

func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !decode(w, r, &req) {
		return
	}
	reactions, added, err := h.svc.ToggleReaction(r.Context(), userID,
		chi.URLParam(r, "id"), chi.URLParam(r, "mid"), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions, "added": added})
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeWs upgrades to the event stream for the authenticated member.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("ws_upgrade_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, userID, username, h.svc, h.limiter)
	if !h.hub.join(client) {
		conn.Close()
		return
	}
	logger.Log.Debug("ws_connected", zap.String("user_id", userID))

	go client.WritePump()
	go client.ReadPump(h.ctx)
}
