// Package timer implements the shared scheduler used for the call manager's
// no-answer deadline: a single binary heap of pending callbacks driven by one
// worker goroutine. The registrar's expiry cleanup and the RTP relay's
// inactivity monitor run their own tickers and do not schedule through it.
package timer

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID identifies a scheduled timer for cancellation.
type ID string

// resolution is the worker's tick granularity.
const resolution = 100 * time.Millisecond

type entry struct {
	id      ID
	due     time.Time
	ownerID string
	fn      func()
	index   int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service is the PBX-wide timer scheduler. Callbacks fire on the service's
// single worker goroutine and MUST NOT block; they should enqueue a message
// to the owning component rather than do work inline.
type Service struct {
	logger *slog.Logger

	mu        sync.Mutex
	pending   entryHeap
	byID      map[ID]*entry
	cancelled map[ID]struct{}

	wake chan struct{}
	done chan struct{}
	stop chan struct{}
}

// NewService creates a timer service. Call Start to begin firing callbacks.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		logger:    logger.With("subsystem", "timer"),
		byID:      make(map[ID]*entry),
		cancelled: make(map[ID]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop signals the worker to exit and waits for it to finish.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// Schedule arms a callback to fire at due, owned by ownerID (used only for
// logging/diagnostics). Returns a timer ID that can be passed to Cancel.
func (s *Service) Schedule(due time.Time, ownerID string, fn func()) ID {
	id := ID(uuid.NewString())
	e := &entry{id: id, due: due, ownerID: ownerID, fn: fn}

	s.mu.Lock()
	heap.Push(&s.pending, e)
	s.byID[id] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel prevents a scheduled timer from firing. Cancelling an already-fired
// or unknown timer is a no-op.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; ok {
		s.cancelled[id] = struct{}{}
		delete(s.byID, id)
	}
}

func (s *Service) run() {
	defer close(s.done)

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.fireDue()
		case <-ticker.C:
			s.fireDue()
		}
	}
}

func (s *Service) fireDue() {
	now := time.Now()
	var due []*entry

	s.mu.Lock()
	for s.pending.Len() > 0 {
		top := s.pending[0]
		if top.due.After(now) {
			break
		}
		heap.Pop(&s.pending)
		if _, skip := s.cancelled[top.id]; skip {
			delete(s.cancelled, top.id)
			continue
		}
		delete(s.byID, top.id)
		due = append(due, top)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.logger.Debug("timer fired", "timer_id", e.id, "owner_id", e.ownerID)
		e.fn()
	}
}

// Pending returns the number of armed (not yet fired or cancelled) timers.
// Intended for diagnostics and tests.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
