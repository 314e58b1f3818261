package story

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-assoc-chat/internal/timer"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewerLog struct {
	mu     sync.Mutex
	enters []string // owner/storyID
	exits  []string
	closes int
}

func (l *viewerLog) callbacks() ViewerCallbacks {
	return ViewerCallbacks{
		Enter: func(owner string, _ int, s Story) {
			l.mu.Lock()
			l.enters = append(l.enters, owner+"/"+s.ID)
			l.mu.Unlock()
		},
		UserExit: func(owner string) {
			l.mu.Lock()
			l.exits = append(l.exits, owner)
			l.mu.Unlock()
		},
		Close: func() {
			l.mu.Lock()
			l.closes++
			l.mu.Unlock()
		},
	}
}

func (l *viewerLog) snapshot() ([]string, []string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.enters...), append([]string(nil), l.exits...), l.closes
}

func seedFeed(t *testing.T) (*Store, *timer.Scheduler, *clock.Mock, map[string]Story) {
	t.Helper()
	mock := clock.NewMock()
	sched := timer.New(mock)
	s := NewStore(sched, 0, nil)
	ctx := context.Background()
	ids := map[string]Story{}
	for _, tc := range []struct{ key, owner string }{
		{"a1", "alice"}, {"a2", "alice"}, {"b1", "bob"},
	} {
		st, err := s.Create(ctx, tc.owner, text(tc.key), 0)
		require.NoError(t, err)
		ids[tc.key] = st
		mock.Add(time.Second)
	}
	return s, sched, mock, ids
}

func TestViewer_PlaysAcrossOwnersAndClosesOnce(t *testing.T) {
	s, sched, _, ids := seedFeed(t)
	log := &viewerLog{}
	v := NewViewer(s, sched, "me", s.Feed("me"), manualTick, log.callbacks())
	require.NoError(t, v.Start("", ""))
	defer v.Close()

	// bob posted last, so his group leads the feed.
	owner, cur, ok := v.Current()
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
	assert.Equal(t, ids["b1"].ID, cur.ID)

	v.Next() // bob done -> alice
	v.Next() // a1 -> a2
	v.Previous()
	v.Next()
	v.Next() // alice done -> close

	enters, exits, closes := log.snapshot()
	assert.Equal(t, []string{
		"bob/" + ids["b1"].ID,
		"alice/" + ids["a1"].ID,
		"alice/" + ids["a2"].ID,
		"alice/" + ids["a1"].ID,
		"alice/" + ids["a2"].ID,
	}, enters)
	assert.Equal(t, []string{"bob", "alice"}, exits)
	assert.Equal(t, 1, closes)

	v.Close()
	v.Next()
	_, _, closes = log.snapshot()
	assert.Equal(t, 1, closes)
	_, _, ok = v.Current()
	assert.False(t, ok)
}

func TestViewer_PreviousNeverCrossesOwners(t *testing.T) {
	s, sched, _, ids := seedFeed(t)
	log := &viewerLog{}
	v := NewViewer(s, sched, "me", s.Feed("me"), manualTick, log.callbacks())
	require.NoError(t, v.Start("alice", ids["a1"].ID))
	defer v.Close()

	v.Previous()
	owner, cur, _ := v.Current()
	assert.Equal(t, "alice", owner)
	assert.Equal(t, ids["a1"].ID, cur.ID)
}

func TestViewer_RecordsViewsForOthersOnly(t *testing.T) {
	s, sched, _, ids := seedFeed(t)

	v := NewViewer(s, sched, "alice", s.Feed("alice"), manualTick, ViewerCallbacks{})
	require.NoError(t, v.Start("alice", ""))
	v.Next()
	v.Next() // into bob
	v.Close()

	a1, _ := s.Get(ids["a1"].ID)
	assert.Empty(t, a1.Views, "watching your own story is not a view")
	b1, _ := s.Get(ids["b1"].ID)
	require.Len(t, b1.Views, 1)
	assert.Equal(t, "alice", b1.Views[0].UserID)
}

func TestViewer_PauseCarriesAcrossOwners(t *testing.T) {
	s, sched, mock, ids := seedFeed(t)
	v := NewViewer(s, sched, "me", s.Feed("me"), manualTick, ViewerCallbacks{})
	require.NoError(t, v.Start("", ""))
	defer v.Close()

	require.True(t, v.TogglePause())
	v.Next() // bob done -> alice

	owner, cur, ok := v.Current()
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, ids["a1"].ID, cur.ID)

	p := v.current()
	require.NotNil(t, p)
	mock.Add(10 * time.Second)
	p.Tick()
	idx, progress, paused := p.State()
	assert.True(t, paused)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 0.0, progress, "a paused story does not advance")

	assert.False(t, v.TogglePause())
	mock.Add(2500 * time.Millisecond)
	p.Tick()
	_, progress, _ = p.State()
	assert.InDelta(t, 50, progress, 0.001)
}

func TestViewer_StartsAtRequestedStory(t *testing.T) {
	s, sched, _, ids := seedFeed(t)
	v := NewViewer(s, sched, "me", s.Feed("me"), manualTick, ViewerCallbacks{})
	require.NoError(t, v.Start("alice", ids["a2"].ID))
	defer v.Close()

	_, cur, _ := v.Current()
	assert.Equal(t, ids["a2"].ID, cur.ID)

	assert.ErrorIs(t, NewViewer(s, sched, "me", nil, 0, ViewerCallbacks{}).Start("", ""), ErrNoStories)
	assert.ErrorIs(t, NewViewer(s, sched, "me", s.Feed("me"), 0, ViewerCallbacks{}).Start("zed", ""), ErrNoStories)
}

func TestViewer_React(t *testing.T) {
	s, sched, _, ids := seedFeed(t)
	v := NewViewer(s, sched, "me", s.Feed("me"), manualTick, ViewerCallbacks{})
	require.NoError(t, v.Start("bob", ""))
	defer v.Close()

	st, err := v.React(context.Background(), "🔥")
	require.NoError(t, err)
	assert.Equal(t, ids["b1"].ID, st.ID)
	require.Len(t, st.Reactions, 1)
	assert.Equal(t, "me", st.Reactions[0].UserID)
}

func TestViewer_TimedPlaybackReachesClose(t *testing.T) {
	s, sched, mock, _ := seedFeed(t)
	log := &viewerLog{}
	v := NewViewer(s, sched, "me", s.Feed("me"), 100*time.Millisecond, log.callbacks())
	require.NoError(t, v.Start("", ""))
	defer v.Close()

	for i := 0; i < 200; i++ {
		if _, _, c := log.snapshot(); c == 1 {
			break
		}
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	assert.Eventually(t, func() bool {
		_, _, c := log.snapshot()
		return c == 1
	}, time.Second, 5*time.Millisecond)
	_, exits, _ := log.snapshot()
	assert.Equal(t, []string{"bob", "alice"}, exits)
}
