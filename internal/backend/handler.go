package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go-assoc-chat/internal/logger"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler exposes the cached backend resources, so the console can pick
// conversation members and manage association data next to the chat. Writes
// go straight to the backend and invalidate the matching cache.
type Handler struct {
	members     *Members
	cotisations *Cotisations
	events      *Events
	now         func() time.Time
}

func NewHandler(m *Members, c *Cotisations, e *Events) *Handler {
	return &Handler{members: m, cotisations: c, events: e, now: time.Now}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &apiErr) && rejectedInput(apiErr.Status):
		http.Error(w, apiErr.Body, apiErr.Status)
	case errors.As(err, &apiErr):
		logger.Log.Warn("backend_upstream_error", zap.Int("status", apiErr.Status), zap.String("path", apiErr.Path))
		http.Error(w, "upstream error", http.StatusBadGateway)
	default:
		logger.Log.Error("backend_request_failed", zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

// rejectedInput reports whether the backend refused the payload itself, as
// opposed to our credentials or its own health.
func rejectedInput(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.members.Filter(r.Context(), MemberFilter{
		Role:   q.Get("role"),
		Status: q.Get("status"),
		Search: q.Get("q"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (h *Handler) ListCotisations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, _ := strconv.Atoi(q.Get("year"))
	out, err := h.cotisations.Filter(r.Context(), CotisationFilter{
		Year:     year,
		Status:   q.Get("status"),
		MemberID: q.Get("member"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (h *Handler) CotisationStats(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil || year == 0 {
		year = h.now().Year()
	}
	out, err := h.cotisations.Stats(r.Context(), year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var (
		out []Event
		err error
	)
	if r.URL.Query().Get("upcoming") != "" {
		out, err = h.events.Upcoming(r.Context(), h.now())
	} else {
		out, err = h.events.List(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

func create[T any](w http.ResponseWriter, r *http.Request, fn func(context.Context, T) (T, error)) {
	var in T
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	out, err := fn(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, out)
}

func update(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, map[string]any) error) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil || len(updates) == 0 {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), chi.URLParam(r, "id"), updates); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func remove(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	create(w, r, h.members.Create)
}

func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	update(w, r, h.members.Update)
}

func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	remove(w, r, h.members.Delete)
}

func (h *Handler) CreateCotisation(w http.ResponseWriter, r *http.Request) {
	create(w, r, h.cotisations.Create)
}

func (h *Handler) UpdateCotisation(w http.ResponseWriter, r *http.Request) {
	update(w, r, h.cotisations.Update)
}

func (h *Handler) DeleteCotisation(w http.ResponseWriter, r *http.Request) {
	remove(w, r, h.cotisations.Delete)
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	create(w, r, h.events.Create)
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	update(w, r, h.events.Update)
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	remove(w, r, h.events.Delete)
}
