// Package timer provides cancellable one-shot and repeating tasks, and a
// Group that owns a set of them so an owner can cancel everything it started
// on any exit path.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned when scheduling on a closed Group.
var ErrClosed = errors.New("timer group closed")

// Handle is returned by every scheduling call. Cancel is safe to call more
// than once and from any goroutine. A run that already passed its liveness
// check may still complete after Cancel, so owners that mutate state from fn
// also check their own closed flag.
type Handle struct {
	mu     sync.Mutex
	done   bool
	stop   func()
	onDone func(*Handle)
}

// Cancel stops the task. It reports whether this call did the cancelling;
// false means the task had already fired (one-shot) or was cancelled.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	stop, onDone := h.stop, h.onDone
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	if onDone != nil {
		onDone(h)
	}
	return true
}

// Done reports whether the task is finished, by firing or by Cancel.
func (h *Handle) Done() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// claim marks a one-shot as fired. It returns false if it was cancelled first.
func (h *Handle) claim() bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	onDone := h.onDone
	h.mu.Unlock()
	if onDone != nil {
		onDone(h)
	}
	return true
}

func (h *Handle) live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.done
}

func (h *Handle) setStop(stop func()) {
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
}

// Scheduler creates tasks against a clock. Tests pass clock.NewMock().
type Scheduler struct {
	clock clock.Clock
}

// New returns a Scheduler. A nil clock means wall time.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After runs fn once after d unless the handle is cancelled first.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	return s.after(&Handle{}, d, fn)
}

// Every runs fn every d until the handle is cancelled.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	return s.every(&Handle{}, d, fn)
}

func (s *Scheduler) after(h *Handle, d time.Duration, fn func()) *Handle {
	t := s.clock.AfterFunc(d, func() {
		if h.claim() {
			fn()
		}
	})
	h.setStop(func() { t.Stop() })
	return h
}

func (s *Scheduler) every(h *Handle, d time.Duration, fn func()) *Handle {
	ticker := s.clock.Ticker(d)
	quit := make(chan struct{})
	h.setStop(func() {
		ticker.Stop()
		close(quit)
	})
	go func() {
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if !h.live() {
					return
				}
				fn()
			}
		}
	}()
	return h
}

// Group tracks the handles created through it. Close cancels all of them
// and makes the group refuse new work.
type Group struct {
	sched   *Scheduler
	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// NewGroup returns a Group scheduling on s.
func NewGroup(s *Scheduler) *Group {
	return &Group{sched: s, handles: make(map[*Handle]struct{})}
}

// Now returns the group's scheduler time.
func (g *Group) Now() time.Time {
	return g.sched.Now()
}

// After is Scheduler.After tracked by the group.
func (g *Group) After(d time.Duration, fn func()) (*Handle, error) {
	h, err := g.register()
	if err != nil {
		return nil, err
	}
	return g.sched.after(h, d, fn), nil
}

// Every is Scheduler.Every tracked by the group.
func (g *Group) Every(d time.Duration, fn func()) (*Handle, error) {
	h, err := g.register()
	if err != nil {
		return nil, err
	}
	return g.sched.every(h, d, fn), nil
}

func (g *Group) register() (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	h := &Handle{onDone: g.forget}
	g.handles[h] = struct{}{}
	return h, nil
}

func (g *Group) forget(h *Handle) {
	g.mu.Lock()
	delete(g.handles, h)
	g.mu.Unlock()
}

// Pending returns how many tasks are still live.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Close cancels every live task. It is idempotent.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	handles := make([]*Handle, 0, len(g.handles))
	for h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Closed reports whether Close has been called.
func (g *Group) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
