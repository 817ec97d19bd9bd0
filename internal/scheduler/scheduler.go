// Package scheduler implements ChronoShare's single-threaded timer
// wheel (§5): scheduled tasks run one at a time on the goroutine that
// calls Run. Transport callbacks (data arrivals, interest timeouts) do
// not go through it and arrive on other goroutines, so SyncCore and the
// fetchers guard their internal state with their own mutexes, and
// Schedule and Cancel are safe to call from any goroutine.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"chronoshare/internal/core"
)

// Task is a unit of delayed or periodic work identified by a tag.
// Scheduling a new Task under a tag that already has one pending
// cancels and replaces it — "rescheduling" coalesces to a single
// pending invocation, matching the original coalescing scheduler.
type Task struct {
	Tag      string
	Delay    time.Duration
	Interval time.Duration // zero means one-shot
	Run      func()
}

type entry struct {
	tag     string
	at      time.Time
	task    Task
	index   int
	removed bool
}

// entryHeap orders pending entries by fire time.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler runs Tasks on a single goroutine, matching the cooperative
// single-executor model the rest of the sync engine assumes.
type Scheduler struct {
	clock  core.Clock
	logger *slog.Logger

	mu      sync.Mutex
	heap    entryHeap
	byTag   map[string]*entry
	wake    chan struct{}
	closeCh chan struct{}
	closed  bool
}

// New creates a Scheduler. Call Run to start its executor loop.
func New(clock core.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:   clock,
		logger:  logger,
		byTag:   make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Schedule installs t, replacing any pending task previously scheduled
// under the same tag.
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	if old, ok := s.byTag[t.Tag]; ok {
		old.removed = true
	}
	e := &entry{tag: t.Tag, at: s.clock.Now().Add(t.Delay), task: t}
	s.byTag[t.Tag] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	s.nudge()
}

// Cancel removes any pending task scheduled under tag.
func (s *Scheduler) Cancel(tag string) {
	s.mu.Lock()
	if e, ok := s.byTag[tag]; ok {
		e.removed = true
		delete(s.byTag, tag)
	}
	s.mu.Unlock()
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks as they come due until ctx is cancelled or Close
// is called. It is meant to run on its own goroutine for the lifetime
// of the process.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait time.Duration
		var due *entry
		for s.heap.Len() > 0 {
			next := s.heap[0]
			if next.removed {
				heap.Pop(&s.heap)
				continue
			}
			now := s.clock.Now()
			if !next.at.After(now) {
				due = heap.Pop(&s.heap).(*entry)
				delete(s.byTag, due.tag)
				break
			}
			wait = next.at.Sub(now)
			break
		}
		s.mu.Unlock()

		if due != nil {
			s.runTask(due)
			continue
		}

		timer := time.NewTimer(maxWait(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.closeCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runTask(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "tag", e.tag, "panic", r)
		}
	}()
	e.task.Run()

	if e.task.Interval > 0 {
		next := e.task
		next.Delay = next.Interval
		s.Schedule(next)
	}
}

// Close stops the executor loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
}

func maxWait(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}
