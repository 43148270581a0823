// Package scheduler is the broker's background maintenance scheduler
// (spec §4.8): a deadline-ordered queue of per-collection maintenance
// jobs (expiry, cache-timeout eviction, rebuild checks), coalesced so a
// burst of triggers for the same collection only runs once.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy decides when a collection's maintenance job should next run and
// what to do when it fires.
type Policy interface {
	NextDeadline(now time.Time, lastRun time.Time) time.Time
	Run(ctx context.Context, collectionID int64) error
}

const (
	// MinInterval is the floor below which two runs for the same
	// collection cannot be scheduled, regardless of how often it is
	// triggered (spec: "5-min floor").
	MinInterval = 5 * time.Minute
	// CoalesceWindow merges any trigger arriving within this long of an
	// already-scheduled run for the same collection into that run,
	// rather than scheduling a second one (spec: "60s coalescing").
	CoalesceWindow = 60 * time.Second
)

type job struct {
	collectionID int64
	deadline     time.Time
	index        int
}

type jobQueue []*job

func (q jobQueue) Len() int            { return len(q) }
func (q jobQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q jobQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *jobQueue) Push(x interface{}) { j := x.(*job); j.index = len(*q); *q = append(*q, j) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// Scheduler maintains one deadline-ordered job per collection, coalescing
// repeated triggers and enforcing MinInterval/CoalesceWindow.
type Scheduler struct {
	mu       sync.Mutex
	queue    jobQueue
	byID     map[int64]*job
	lastRun  map[int64]time.Time
	policy   Policy
	log      *zap.Logger
	inhibit  bool
	wake     chan struct{}
}

func New(policy Policy, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		byID:    make(map[int64]*job),
		lastRun: make(map[int64]time.Time),
		policy:  policy,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// Trigger requests that collectionID's maintenance job run, coalescing
// with an already-pending run if one exists within CoalesceWindow, and
// enforcing MinInterval since the collection's last run.
func (s *Scheduler) Trigger(collectionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	deadline := s.policy.NextDeadline(now, s.lastRun[collectionID])
	if floor := s.lastRun[collectionID].Add(MinInterval); deadline.Before(floor) {
		deadline = floor
	}

	if existing, ok := s.byID[collectionID]; ok {
		if deadline.Sub(existing.deadline) <= CoalesceWindow && existing.deadline.Sub(deadline) <= CoalesceWindow {
			return // already scheduled close enough; coalesce
		}
		if deadline.Before(existing.deadline) {
			existing.deadline = deadline
			heap.Fix(&s.queue, existing.index)
		}
		return
	}

	j := &job{collectionID: collectionID, deadline: deadline}
	s.byID[collectionID] = j
	heap.Push(&s.queue, j)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Inhibit suspends all job execution until Resume is called — a global
// pause used during maintenance windows or shutdown drains.
func (s *Scheduler) Inhibit() {
	s.mu.Lock()
	s.inhibit = true
	s.mu.Unlock()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.inhibit = false
	s.mu.Unlock()
	s.signal()
}

// Run drives the scheduler until ctx is canceled, executing jobs as
// their deadlines arrive.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		inhibited := s.inhibit
		var next *job
		if !inhibited && len(s.queue) > 0 {
			next = s.queue[0]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-time.After(time.Second):
				continue
			}
		}

		wait := time.Until(next.deadline)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-time.After(wait):
			}
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0] != next || s.inhibit {
			s.mu.Unlock()
			continue
		}
		heap.Pop(&s.queue)
		delete(s.byID, next.collectionID)
		s.lastRun[next.collectionID] = time.Now()
		s.mu.Unlock()

		if err := s.policy.Run(ctx, next.collectionID); err != nil {
			s.log.Warn("scheduler: job failed", zap.Int64("collectionId", next.collectionID), zap.Error(err))
		}
	}
}

// Pending returns the number of collections with a job currently queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
