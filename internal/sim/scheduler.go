// Package sim is the discrete-event simulator: a virtual clock plus a
// priority queue of scheduled events, driving the Cluster Worker's
// jittered timers deterministically from a single seed so a run is
// fully reproducible, and Validate checking the entity-graph invariants
// (P1-P3, P7) against the resulting entity store.
//
// Scheduler keeps a container/heap min-heap of pending events ordered by
// virtual-time nanoseconds, popping the lowest key and advancing the
// clock to match — the same "pop lowest key, advance" discipline a
// work-stealing frontier uses, just keyed on simulated time rather than
// a deterministic replay path. Workers here are real goroutines that
// park on Sleep; Scheduler tracks how many are actively running (not
// parked) so Run can detect quiescence instead of assuming a fixed unit
// of work per pop.
package sim

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Event is one scheduled unit of simulated work: run Fn at virtual time
// At. Fn executes while the Scheduler's lock is held, so it must be fast
// and non-blocking — its job is to wake a parked goroutine or start a new
// one, never to do the goroutine's real work itself.
type Event struct {
	At  int64
	Fn  func()
	seq int64
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].At != h[j].At {
		return h[i].At < h[j].At
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler is a virtual-time event queue shared by every simulated
// Cluster Worker goroutine in a run. running counts goroutines currently
// doing real work (as opposed to parked in Sleep); Run advances the clock
// only once running reaches zero with no events ready, which is the
// simulator's quiescence condition.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     int64
	heap    eventHeap
	seq     int64
	running int
}

// NewScheduler creates an empty scheduler starting at virtual time 0.
func NewScheduler() *Scheduler {
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Now returns the scheduler's current virtual time (unix nanos).
func (s *Scheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Spawn registers a worker goroutine as active before it starts real
// work. Callers must pair every Spawn with exactly one Done.
func (s *Scheduler) Spawn() {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

// Done unregisters a worker goroutine that has finished all its work
// (including any further Spawns it made).
func (s *Scheduler) Done() {
	s.mu.Lock()
	s.running--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// At schedules fn to run at virtual time at, under the scheduler's lock.
// Used by the simulator driver to stagger arrivals; fn should only ever
// Spawn a goroutine and hand it off, never block.
func (s *Scheduler) At(at int64, fn func()) {
	s.mu.Lock()
	if at < s.now {
		at = s.now
	}
	s.seq++
	heap.Push(&s.heap, &Event{At: at, Fn: fn, seq: s.seq})
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Sleep parks the calling goroutine (which must already be counted as
// running) until virtual time now+d, or until ctx is canceled. It has the
// func(context.Context, time.Duration) error shape the Cluster Worker's
// jittered waits call through, so a simulated worker passes
// scheduler.Sleep directly as its sleep function.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.running--
	at := s.now + int64(d)
	s.seq++
	heap.Push(&s.heap, &Event{At: at, seq: s.seq, Fn: func() {
		s.running++
		close(done)
	}})
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the event queue until quiescent: no goroutine is running and
// no event remains queued. It blocks the caller until the whole simulated
// run has finished.
func (s *Scheduler) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for s.running > 0 && s.heap.Len() == 0 {
			s.cond.Wait()
		}
		if s.heap.Len() == 0 {
			return
		}
		ev := heap.Pop(&s.heap).(*Event)
		s.now = ev.At
		ev.Fn()
	}
}
