package story

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/timer"

	"go.uber.org/zap"
)

// ViewerCallbacks mirror PlayerCallbacks with the owner of the sequence.
type ViewerCallbacks struct {
	Enter    func(ownerID string, index int, s Story)
	Progress func(ownerID string, index int, progress float64)
	// UserExit fires when one owner's stories are done and the viewer moves on.
	UserExit func(ownerID string)
	// Close fires once, after the last owner or on Close.
	Close func()
}

// Viewer plays a feed for viewerID, one owner after another. Going back
// never crosses into the previous owner's stories.
type Viewer struct {
	store    *Store
	sched    *timer.Scheduler
	tick     time.Duration
	viewerID string
	groups   []Group
	cb       ViewerCallbacks
	once     sync.Once

	mu     sync.Mutex
	group  int
	player *Player
	media  Media
	closed bool
}

func NewViewer(store *Store, sched *timer.Scheduler, viewerID string, groups []Group, tick time.Duration, cb ViewerCallbacks) *Viewer {
	playable := make([]Group, 0, len(groups))
	for _, g := range groups {
		if len(g.Stories) > 0 {
			playable = append(playable, g)
		}
	}
	return &Viewer{
		store:    store,
		sched:    sched,
		tick:     tick,
		viewerID: viewerID,
		groups:   playable,
		cb:       cb,
	}
}

// Start begins at ownerID's storyID. An empty ownerID starts at the first
// owner; an unknown storyID starts at that owner's first story.
func (v *Viewer) Start(ownerID, storyID string) error {
	if len(v.groups) == 0 {
		return ErrNoStories
	}
	gi := 0
	if ownerID != "" {
		gi = -1
		for i, g := range v.groups {
			if g.UserID == ownerID {
				gi = i
				break
			}
		}
		if gi < 0 {
			return ErrNoStories
		}
	}
	si := 0
	for i, s := range v.groups[gi].Stories {
		if s.ID == storyID {
			si = i
			break
		}
	}
	return v.play(gi, si)
}

func (v *Viewer) play(gi, si int) error {
	g := v.groups[gi]
	var p *Player
	var err error
	p, err = NewPlayer(v.sched, g.Stories, si, v.tick, PlayerCallbacks{
		Enter: func(index int, s Story) {
			if !v.owns(p) {
				return
			}
			if s.UserID != v.viewerID && v.store != nil {
				if _, err := v.store.RecordView(context.Background(), s.ID, v.viewerID); err != nil {
					logger.Log.Debug("story_view_skipped", zap.String("story_id", s.ID), zap.Error(err))
				}
			}
			if v.cb.Enter != nil {
				v.cb.Enter(g.UserID, index, s)
			}
		},
		Progress: func(index int, progress float64) {
			if v.cb.Progress != nil && v.owns(p) {
				v.cb.Progress(g.UserID, index, progress)
			}
		},
		Exit: func() { v.ownerDone(p, gi) },
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return timer.ErrClosed
	}
	old := v.player
	if old != nil {
		// A pause carries over into the next owner's stories.
		if _, _, paused := old.State(); paused {
			p.startPaused()
		}
	}
	v.player = p
	v.group = gi
	media := v.media
	v.mu.Unlock()

	if old != nil {
		old.Close()
	}
	p.SetMedia(media)
	if err := p.Start(); err != nil && v.owns(p) {
		return err
	}
	return nil
}

func (v *Viewer) owns(p *Player) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed && v.player == p
}

func (v *Viewer) ownerDone(p *Player, gi int) {
	v.mu.Lock()
	if v.closed || v.player != p {
		v.mu.Unlock()
		return
	}
	owner := v.groups[gi].UserID
	next := gi + 1
	if next >= len(v.groups) {
		v.closed = true
		v.mu.Unlock()
		p.Close()
		if v.cb.UserExit != nil {
			v.cb.UserExit(owner)
		}
		v.fireClose()
		return
	}
	v.mu.Unlock()

	if v.cb.UserExit != nil {
		v.cb.UserExit(owner)
	}
	if err := v.play(next, 0); err != nil && !errors.Is(err, timer.ErrClosed) {
		logger.Log.Warn("story_viewer_advance_failed", zap.String("viewer_id", v.viewerID), zap.Error(err))
	}
}

func (v *Viewer) current() *Player {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	return v.player
}

// TogglePause pauses or resumes the current story.
func (v *Viewer) TogglePause() bool {
	if p := v.current(); p != nil {
		return p.TogglePause()
	}
	return false
}

// Previous goes back within the current owner's stories.
func (v *Viewer) Previous() {
	if p := v.current(); p != nil {
		p.Previous()
	}
}

// Next skips the current story, moving to the next owner after the last one.
func (v *Viewer) Next() {
	if p := v.current(); p != nil {
		p.Next()
	}
}

// SetMedia attaches the video controller for every story played from now on.
func (v *Viewer) SetMedia(m Media) {
	v.mu.Lock()
	v.media = m
	p := v.player
	v.mu.Unlock()
	if p != nil {
		p.SetMedia(m)
	}
}

// Current returns the owner and story on screen.
func (v *Viewer) Current() (ownerID string, s Story, ok bool) {
	v.mu.Lock()
	p, gi, closed := v.player, v.group, v.closed
	v.mu.Unlock()
	if p == nil || closed {
		return "", Story{}, false
	}
	return v.groups[gi].UserID, p.Current(), true
}

// React sets the viewer's reaction on the current story.
func (v *Viewer) React(ctx context.Context, emoji string) (Story, error) {
	_, s, ok := v.Current()
	if !ok {
		return Story{}, ErrStoryNotFound
	}
	return v.store.React(ctx, s.ID, v.viewerID, emoji)
}

// Close stops playback. The close callback fires if it has not already.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	p := v.player
	v.mu.Unlock()
	if p != nil {
		p.Close()
	}
	v.fireClose()
}

func (v *Viewer) fireClose() {
	v.once.Do(func() {
		if v.cb.Close != nil {
			v.cb.Close()
		}
	})
}
