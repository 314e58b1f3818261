package story

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"
	myMiddleware "go-assoc-chat/internal/middleware"
	"go-assoc-chat/internal/timer"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Replier turns a reply to a story into a private message to its owner.
type Replier interface {
	ReplyToStory(ctx context.Context, fromID string, s Story, text string) error
}

type Handler struct {
	store    *Store
	sched    *timer.Scheduler
	tick     time.Duration
	replier  Replier
	upgrader websocket.Upgrader
}

func NewHandler(store *Store, sched *timer.Scheduler, tick time.Duration, replier Replier, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		store:   store,
		sched:   sched,
		tick:    tick,
		replier: replier,
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

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrStoryNotFound), errors.Is(err, ErrNoStories):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidStory):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Log.Error("story_request_failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// redact hides the viewer list from everyone but the owner.
func redact(s Story, viewerID string) Story {
	if s.UserID != viewerID {
		s.Views = []View{}
	}
	return s
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Content  Content `json:"content"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s, err := h.store.Create(r.Context(), userID, req.Content, req.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	feed := h.store.Feed(userID)
	for gi := range feed {
		for si := range feed[gi].Stories {
			feed[gi].Stories[si] = redact(feed[gi].Stories[si], userID)
		}
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(s, userID))
}

func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	added, err := h.store.RecordView(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s, err := h.store.React(r.Context(), chi.URLParam(r, "id"), userID, req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(s, userID))
}

func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.reply(r.Context(), userID, s, req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reply(ctx context.Context, userID string, s Story, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.Join(ErrInvalidStory, errors.New("empty reply"))
	}
	if s.UserID == userID {
		return errors.Join(ErrInvalidStory, errors.New("cannot reply to your own story"))
	}
	if h.replier == nil {
		return errors.New("replies are not enabled")
	}
	return h.replier.ReplyToStory(ctx, userID, s, text)
}

// ---------------------------------------------
// Playback stream
// ---------------------------------------------

type outFrame struct {
	Type     string  `json:"type"` // enter | progress | exit | close | paused | media | reaction | error
	OwnerID  string  `json:"owner_id,omitempty"`
	Index    int     `json:"index"`
	Story    *Story  `json:"story,omitempty"`
	Progress float64 `json:"progress"`
	Paused   bool    `json:"paused,omitempty"`
	Action   string  `json:"action,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type inFrame struct {
	Op    string `json:"op"` // pause | previous | next | react | reply | close
	Emoji string `json:"emoji,omitempty"`
	Text  string `json:"text,omitempty"`
}

type playback struct {
	conn *websocket.Conn
	send chan outFrame
	done chan struct{}
	once sync.Once
}

// push queues a frame. Progress frames are dropped when the client lags.
func (p *playback) push(f outFrame) {
	if f.Type == "progress" {
		select {
		case p.send <- f:
		default:
		}
		return
	}
	select {
	case p.send <- f:
	case <-p.done:
	}
}

func (p *playback) finish() {
	p.once.Do(func() { close(p.done) })
}

// Pause and Resume make the stream the video controller.
func (p *playback) Pause()  { p.push(outFrame{Type: "media", Action: "pause"}) }
func (p *playback) Resume() { p.push(outFrame{Type: "media", Action: "resume"}) }

// ServeWs streams a playback session of the caller's feed, starting at the
// ?user= owner and optional ?story= id.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	feed := h.store.Feed(userID)
	ownerID, storyID := r.URL.Query().Get("user"), r.URL.Query().Get("story")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("ws_upgrade_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	metrics.WSClients.WithLabelValues("stories").Inc()

	pb := &playback{conn: conn, send: make(chan outFrame, 64), done: make(chan struct{})}
	v := NewViewer(h.store, h.sched, userID, feed, h.tick, ViewerCallbacks{
		Enter: func(owner string, index int, s Story) {
			s = redact(s, userID)
			pb.push(outFrame{Type: "enter", OwnerID: owner, Index: index, Story: &s})
		},
		Progress: func(owner string, index int, progress float64) {
			pb.push(outFrame{Type: "progress", OwnerID: owner, Index: index, Progress: progress})
		},
		UserExit: func(owner string) {
			pb.push(outFrame{Type: "exit", OwnerID: owner})
		},
		Close: func() {
			pb.push(outFrame{Type: "close"})
			pb.finish()
		},
	})
	v.SetMedia(pb)

	go h.writePump(pb)
	if err := v.Start(ownerID, storyID); err != nil {
		pb.push(outFrame{Type: "error", Error: err.Error()})
		v.Close()
	}
	go h.readPump(r.Context(), pb, v, userID)
}

func (h *Handler) readPump(ctx context.Context, pb *playback, v *Viewer, userID string) {
	// The request context ends with the handler; the stream outlives it.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		v.Close()
		pb.finish()
	}()

	pb.conn.SetReadLimit(4096)
	pb.conn.SetReadDeadline(time.Now().Add(pongWait))
	pb.conn.SetPongHandler(func(string) error {
		pb.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f inFrame
		if err := pb.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("story_ws_read_failed", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		switch f.Op {
		case "pause":
			pb.push(outFrame{Type: "paused", Paused: v.TogglePause()})
		case "previous":
			v.Previous()
		case "next":
			v.Next()
		case "react":
			if _, err := v.React(ctx, f.Emoji); err != nil {
				pb.push(outFrame{Type: "error", Error: err.Error()})
			} else {
				pb.push(outFrame{Type: "reaction", Action: f.Emoji})
			}
		case "reply":
			_, s, ok := v.Current()
			if !ok {
				continue
			}
			if err := h.reply(ctx, userID, s, f.Text); err != nil {
				pb.push(outFrame{Type: "error", Error: err.Error()})
			}
		case "close":
			return
		default:
			pb.push(outFrame{Type: "error", Error: "unknown op"})
		}
	}
}

func (h *Handler) writePump(pb *playback) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pb.finish()
		pb.conn.Close()
		metrics.WSClients.WithLabelValues("stories").Dec()
	}()

	write := func(f outFrame) bool {
		pb.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return pb.conn.WriteJSON(f) == nil
	}

	for {
		select {
		case f := <-pb.send:
			if !write(f) {
				return
			}
		case <-pb.done:
			for {
				select {
				case f := <-pb.send:
					if !write(f) {
						return
					}
				default:
					pb.conn.SetWriteDeadline(time.Now().Add(writeWait))
					pb.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case <-ticker.C:
			pb.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pb.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
