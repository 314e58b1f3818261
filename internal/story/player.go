package story

import (
	"errors"
	"sync"
	"time"

	"go-assoc-chat/internal/timer"
)

// DefaultTick is the progress refresh interval.
const DefaultTick = 50 * time.Millisecond

var ErrNoStories = errors.New("no stories to play")

// Media controls the playback of a video story on the viewing side.
type Media interface {
	Pause()
	Resume()
}

// PlayerCallbacks are invoked outside the player's lock, never after Close.
type PlayerCallbacks struct {
	// Enter fires when a story becomes current, including the first one.
	Enter func(index int, s Story)
	// Progress fires on every tick with a value in [0, 100].
	Progress func(index int, progress float64)
	// Exit fires once, when the last story completes or is skipped.
	Exit func()
}

// Player plays one user's stories in order.
type Player struct {
	stories []Story
	timers  *timer.Group
	tick    time.Duration
	cb      PlayerCallbacks

	mu        sync.Mutex
	index     int
	progress  float64
	paused    bool
	elapsed   time.Duration // accumulated before the current run
	resumedAt time.Time
	media     Media
	started   bool
	exited    bool
	closed    bool
}

// NewPlayer prepares playback starting at start (clamped to the sequence).
func NewPlayer(sched *timer.Scheduler, stories []Story, start int, tick time.Duration, cb PlayerCallbacks) (*Player, error) {
	if len(stories) == 0 {
		return nil, ErrNoStories
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if start < 0 {
		start = 0
	}
	if start >= len(stories) {
		start = len(stories) - 1
	}
	return &Player{
		stories: append([]Story(nil), stories...),
		timers:  timer.NewGroup(sched),
		tick:    tick,
		cb:      cb,
		index:   start,
	}, nil
}

// startPaused makes Start enter the first story already paused.
func (p *Player) startPaused() {
	p.mu.Lock()
	if !p.started {
		p.paused = true
	}
	p.mu.Unlock()
}

// Start enters the first story and begins ticking.
func (p *Player) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return timer.ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	fire := p.enterLocked(p.index)
	p.mu.Unlock()

	fire()
	_, err := p.timers.Every(p.tick, p.Tick)
	return err
}

// enterLocked makes index current with progress reset.
func (p *Player) enterLocked(index int) func() {
	p.index = index
	p.progress = 0
	p.elapsed = 0
	p.resumedAt = p.timers.Now()
	if p.paused && p.media != nil && p.isVideoLocked() {
		p.media.Pause()
	}
	s := p.stories[index]
	enter := p.cb.Enter
	return func() {
		if enter != nil && p.live() {
			enter(index, s)
		}
	}
}

func (p *Player) isVideoLocked() bool {
	return p.stories[p.index].Content.Type == ContentVideo
}

func (p *Player) live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *Player) runningLocked() bool {
	return p.started && !p.closed && !p.exited
}

// Tick recomputes progress from elapsed unpaused time and completes the
// story at 100.
func (p *Player) Tick() {
	p.mu.Lock()
	if !p.runningLocked() || p.paused {
		p.mu.Unlock()
		return
	}
	elapsed := p.elapsed + p.timers.Now().Sub(p.resumedAt)
	progress := float64(elapsed) / float64(PlaybackDuration(p.stories[p.index])) * 100
	if progress < 100 {
		p.progress = progress
		index, report := p.index, p.cb.Progress
		p.mu.Unlock()
		if report != nil && p.live() {
			report(index, progress)
		}
		return
	}
	p.progress = 100
	fire := p.completeLocked()
	p.mu.Unlock()
	fire()
}

// completeLocked moves past the current story: to the next one, or out of
// the sequence at the last.
func (p *Player) completeLocked() func() {
	if p.index < len(p.stories)-1 {
		return p.enterLocked(p.index + 1)
	}
	p.exited = true
	p.timers.Close()
	exit := p.cb.Exit
	return func() {
		if exit != nil && p.live() {
			exit()
		}
	}
}

// Next skips the current story.
func (p *Player) Next() {
	p.mu.Lock()
	if !p.runningLocked() {
		p.mu.Unlock()
		return
	}
	fire := p.completeLocked()
	p.mu.Unlock()
	fire()
}

// Previous goes back one story. It does nothing at the first.
func (p *Player) Previous() {
	p.mu.Lock()
	if !p.runningLocked() || p.index == 0 {
		p.mu.Unlock()
		return
	}
	fire := p.enterLocked(p.index - 1)
	p.mu.Unlock()
	fire()
}

// TogglePause stops or resumes progress, and the attached media for video
// stories. It returns the new paused state.
func (p *Player) TogglePause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.exited {
		return p.paused
	}
	now := p.timers.Now()
	p.paused = !p.paused
	if p.paused {
		p.elapsed += now.Sub(p.resumedAt)
	} else {
		p.resumedAt = now
	}
	if p.media != nil && p.isVideoLocked() {
		if p.paused {
			p.media.Pause()
		} else {
			p.media.Resume()
		}
	}
	return p.paused
}

// SetMedia attaches the controller for video stories.
func (p *Player) SetMedia(m Media) {
	p.mu.Lock()
	p.media = m
	p.mu.Unlock()
}

// State returns the current index, progress and pause flag.
func (p *Player) State() (index int, progress float64, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index, p.progress, p.paused
}

// Current returns the story on screen.
func (p *Player) Current() Story {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stories[p.index]
}

// Exited reports whether the sequence has been played through.
func (p *Player) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Close stops the tick. No callback fires afterwards.
func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.timers.Close()
}
