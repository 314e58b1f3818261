package story

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"
	"go-assoc-chat/internal/timer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is how long a story stays visible.
const DefaultTTL = 24 * time.Hour

var (
	ErrStoryNotFound = errors.New("story not found")
	ErrInvalidStory  = errors.New("invalid story")
)

// Persister receives every mutation after it is applied in memory.
type Persister interface {
	SaveStory(ctx context.Context, s Story) error
	SaveView(ctx context.Context, storyID string, v View) error
	SaveReaction(ctx context.Context, storyID string, r Reaction) error
	DeleteStories(ctx context.Context, ids []string) error
}

// Store holds the live stories.
type Store struct {
	sched   *timer.Scheduler
	ttl     time.Duration
	persist Persister

	mu      sync.RWMutex
	stories map[string]*Story
}

func NewStore(sched *timer.Scheduler, ttl time.Duration, persist Persister) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{sched: sched, ttl: ttl, persist: persist, stories: make(map[string]*Story)}
}

// Load adds stories read back from storage; expired ones are skipped.
func (s *Store) Load(stories []Story) {
	now := s.sched.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stories {
		if !st.ExpiresAt.After(now) {
			continue
		}
		st := st.clone()
		s.stories[st.ID] = &st
	}
}

func validate(c Content, duration float64) error {
	switch c.Type {
	case ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: text story needs text", ErrInvalidStory)
		}
	case ContentImage, ContentVideo:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("%w: %s story needs a url", ErrInvalidStory, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidStory, c.Type)
	}
	switch {
	case math.IsNaN(duration), duration < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidStory)
	case duration > MaxVideoDuration.Seconds():
		return fmt.Errorf("%w: duration over %s", ErrInvalidStory, MaxVideoDuration)
	}
	return nil
}

// Create publishes a story for userID.
func (s *Store) Create(ctx context.Context, userID string, c Content, duration float64) (Story, error) {
	if err := validate(c, duration); err != nil {
		return Story{}, err
	}
	if c.Type != ContentVideo {
		duration = 0
	}
	now := s.sched.Now()
	st := &Story{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   c,
		Timestamp: now,
		ExpiresAt: now.Add(s.ttl),
		Views:     []View{},
		Reactions: []Reaction{},
		Duration:  duration,
	}
	s.mu.Lock()
	s.stories[st.ID] = st
	out := st.clone()
	s.mu.Unlock()

	metrics.StoriesCreated.Inc()
	if s.persist != nil {
		if err := s.persist.SaveStory(ctx, out); err != nil {
			logger.Log.Error("story_save_failed", zap.String("story_id", out.ID), zap.Error(err))
		}
	}
	return out, nil
}

// Get returns a live story.
func (s *Store) Get(id string) (Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stories[id]
	if !ok || !st.ExpiresAt.After(s.sched.Now()) {
		return Story{}, ErrStoryNotFound
	}
	return st.clone(), nil
}

// Feed groups live stories by author. The viewer's own group comes first,
// then the others by their latest story, newest first.
func (s *Store) Feed(viewerID string) []Group {
	now := s.sched.Now()
	byUser := map[string]*Group{}

	s.mu.RLock()
	for _, st := range s.stories {
		if !st.ExpiresAt.After(now) {
			continue
		}
		g := byUser[st.UserID]
		if g == nil {
			g = &Group{UserID: st.UserID}
			byUser[st.UserID] = g
		}
		g.Stories = append(g.Stories, st.clone())
		if st.Timestamp.After(g.Latest) {
			g.Latest = st.Timestamp
		}
		if st.UserID != viewerID && !st.ViewedBy(viewerID) {
			g.HasUnviewed = true
		}
	}
	s.mu.RUnlock()

	out := make([]Group, 0, len(byUser))
	for _, g := range byUser {
		sort.SliceStable(g.Stories, func(i, j int) bool {
			a, b := g.Stories[i], g.Stories[j]
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.ID < b.ID
		})
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.UserID == viewerID) != (b.UserID == viewerID) {
			return a.UserID == viewerID
		}
		if !a.Latest.Equal(b.Latest) {
			return a.Latest.After(b.Latest)
		}
		return a.UserID < b.UserID
	})
	return out
}

// RecordView notes that userID saw the story. The owner's own views and
// repeat views are ignored; the return reports whether a view was added.
func (s *Store) RecordView(ctx context.Context, storyID, userID string) (bool, error) {
	now := s.sched.Now()
	s.mu.Lock()
	st, ok := s.stories[storyID]
	if !ok || !st.ExpiresAt.After(now) {
		s.mu.Unlock()
		return false, ErrStoryNotFound
	}
	if st.UserID == userID || st.ViewedBy(userID) {
		s.mu.Unlock()
		return false, nil
	}
	v := View{UserID: userID, Timestamp: now}
	st.Views = append(st.Views, v)
	s.mu.Unlock()

	metrics.StoryViews.Inc()
	if s.persist != nil {
		if err := s.persist.SaveView(ctx, storyID, v); err != nil {
			logger.Log.Error("story_view_save_failed", zap.String("story_id", storyID), zap.Error(err))
		}
	}
	return true, nil
}

// React sets userID's reaction, replacing any earlier one.
func (s *Store) React(ctx context.Context, storyID, userID, emoji string) (Story, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > 32 {
		return Story{}, fmt.Errorf("%w: invalid emoji", ErrInvalidStory)
	}
	now := s.sched.Now()
	s.mu.Lock()
	st, ok := s.stories[storyID]
	if !ok || !st.ExpiresAt.After(now) {
		s.mu.Unlock()
		return Story{}, ErrStoryNotFound
	}
	r := Reaction{UserID: userID, Emoji: emoji, Timestamp: now}
	kept := st.Reactions[:0:0]
	for _, old := range st.Reactions {
		if old.UserID != userID {
			kept = append(kept, old)
		}
	}
	st.Reactions = append(kept, r)
	out := st.clone()
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveReaction(ctx, storyID, r); err != nil {
			logger.Log.Error("story_reaction_save_failed", zap.String("story_id", storyID), zap.Error(err))
		}
	}
	return out, nil
}

// Prune drops stories that expired at or before now and returns their ids.
func (s *Store) Prune(ctx context.Context, now time.Time) []string {
	var expired []string
	s.mu.Lock()
	for id, st := range s.stories {
		if !st.ExpiresAt.After(now) {
			expired = append(expired, id)
			delete(s.stories, id)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	sort.Strings(expired)
	metrics.StoriesExpired.Add(float64(len(expired)))
	logger.Log.Info("stories_expired", zap.Int("count", len(expired)))
	if s.persist != nil {
		if err := s.persist.DeleteStories(ctx, expired); err != nil {
			logger.Log.Error("story_delete_failed", zap.Error(err))
		}
	}
	return expired
}

// RunJanitor prunes every interval until ctx ends.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	g := timer.NewGroup(s.sched)
	defer g.Close()
	if _, err := g.Every(interval, func() { s.Prune(ctx, s.sched.Now()) }); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
