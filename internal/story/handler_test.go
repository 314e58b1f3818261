package story

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	myMiddleware "go-assoc-chat/internal/middleware"
	"go-assoc-chat/internal/timer"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReplier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReplier) ReplyToStory(_ context.Context, from string, s Story, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, from+"->"+s.UserID+":"+text)
	return nil
}

func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			user = r.URL.Query().Get("as")
		}
		if user == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(myMiddleware.WithUser(r.Context(), user, user)))
	})
}

func newStoryRouter(store *Store, sched *timer.Scheduler, tick time.Duration, replier Replier) http.Handler {
	h := NewHandler(store, sched, tick, replier, nil)
	r := chi.NewRouter()
	r.Use(fakeAuth)
	r.Post("/api/stories", h.Create)
	r.Get("/api/stories", h.Feed)
	r.Get("/api/stories/{id}", h.Get)
	r.Post("/api/stories/{id}/views", h.RecordView)
	r.Post("/api/stories/{id}/reactions", h.React)
	r.Post("/api/stories/{id}/replies", h.Reply)
	r.Get("/ws/stories", h.ServeWs)
	return r
}

func do(t *testing.T, h http.Handler, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", user)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_StoryREST(t *testing.T) {
	sched := timer.New(nil)
	store := NewStore(sched, 0, nil)
	replier := &recordingReplier{}
	h := newStoryRouter(store, sched, DefaultTick, replier)

	rec := do(t, h, "alice", http.MethodPost, "/api/stories", `{"content":{"type":"text","text":"AG samedi"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var st Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, "alice", http.MethodPost, "/api/stories", `{"content":{"type":"image"}}`).Code)

	rec = do(t, h, "bob", http.MethodPost, "/api/stories/"+st.ID+"/views", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"added":true}`, rec.Body.String())

	rec = do(t, h, "bob", http.MethodPost, "/api/stories/"+st.ID+"/reactions", `{"emoji":"👏"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var asOwner, asOther Story
	require.NoError(t, json.Unmarshal(do(t, h, "alice", http.MethodGet, "/api/stories/"+st.ID, "").Body.Bytes(), &asOwner))
	require.NoError(t, json.Unmarshal(do(t, h, "bob", http.MethodGet, "/api/stories/"+st.ID, "").Body.Bytes(), &asOther))
	assert.Len(t, asOwner.Views, 1)
	assert.Empty(t, asOther.Views, "only the owner sees who viewed")
	assert.Len(t, asOther.Reactions, 1)

	rec = do(t, h, "bob", http.MethodGet, "/api/stories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var feed []Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.Len(t, feed, 1)
	assert.False(t, feed[0].HasUnviewed)

	assert.Equal(t, http.StatusNoContent,
		do(t, h, "bob", http.MethodPost, "/api/stories/"+st.ID+"/replies", `{"text":"j'y serai"}`).Code)
	assert.Equal(t, []string{"bob->alice:j'y serai"}, replier.calls)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, "alice", http.MethodPost, "/api/stories/"+st.ID+"/replies", `{"text":"me"}`).Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, "bob", http.MethodGet, "/api/stories/nope", "").Code)
}

func TestHandler_PlaybackStream(t *testing.T) {
	sched := timer.New(nil)
	store := NewStore(sched, 0, nil)
	ctx := context.Background()
	clip := func(owner string) Story {
		s, err := store.Create(ctx, owner, Content{Type: ContentVideo, URL: "https://cdn.example/" + owner + ".mp4"}, 0.15)
		require.NoError(t, err)
		return s
	}
	a := clip("alice")
	time.Sleep(2 * time.Millisecond)
	b := clip("bob")

	srv := httptest.NewServer(newStoryRouter(store, sched, 10*time.Millisecond, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stories?as=me&user=bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var kinds []string
	var entered []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f outFrame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		if f.Type == "progress" {
			continue
		}
		kinds = append(kinds, f.Type)
		if f.Type == "enter" {
			entered = append(entered, f.Story.ID)
		}
		if f.Type == "close" {
			break
		}
	}
	assert.Equal(t, []string{"enter", "exit", "enter", "exit", "close"}, kinds)
	assert.Equal(t, []string{b.ID, a.ID}, entered)

	got, err := store.Get(a.ID)
	require.NoError(t, err)
	require.Len(t, got.Views, 1)
	assert.Equal(t, "me", got.Views[0].UserID)
}

func TestHandler_PlaybackControls(t *testing.T) {
	sched := timer.New(nil)
	store := NewStore(sched, 0, nil)
	st, err := store.Create(context.Background(), "alice", Content{Type: ContentText, Text: "hi"}, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(newStoryRouter(store, sched, 10*time.Millisecond, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stories?as=me"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	next := func(kind string) outFrame {
		t.Helper()
		for {
			var f outFrame
			require.NoError(t, conn.ReadJSON(&f))
			if f.Type == kind {
				return f
			}
		}
	}

	next("enter")
	require.NoError(t, conn.WriteJSON(inFrame{Op: "pause"}))
	assert.True(t, next("paused").Paused)

	require.NoError(t, conn.WriteJSON(inFrame{Op: "react", Emoji: "❤️"}))
	next("reaction")
	got, _ := store.Get(st.ID)
	require.Len(t, got.Reactions, 1)

	require.NoError(t, conn.WriteJSON(inFrame{Op: "next"}))
	next("exit")
	next("close")
}
