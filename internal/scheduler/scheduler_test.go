package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fixedPolicy struct {
	offset time.Duration
	mu     sync.Mutex
	runs   []int64
}

func (p *fixedPolicy) NextDeadline(now, lastRun time.Time) time.Time {
	return now.Add(p.offset)
}

func (p *fixedPolicy) Run(ctx context.Context, collectionID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, collectionID)
	return nil
}

func (p *fixedPolicy) Runs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.runs))
	copy(out, p.runs)
	return out
}

func TestTriggerRunsAfterDeadline(t *testing.T) {
	policy := &fixedPolicy{offset: 10 * time.Millisecond}
	s := New(policy, nil)
	s.lastRun[1] = time.Now().Add(-time.Hour) // clear of the 5-min floor

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	s.Trigger(1)

	deadline := time.After(500 * time.Millisecond)
	for {
		if len(policy.Runs()) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMinIntervalFloor(t *testing.T) {
	policy := &fixedPolicy{offset: 0}
	s := New(policy, nil)
	now := time.Now()
	s.lastRun[1] = now

	s.mu.Lock()
	deadline := s.policy.NextDeadline(now, s.lastRun[1])
	if floor := s.lastRun[1].Add(MinInterval); deadline.Before(floor) {
		deadline = floor
	}
	s.mu.Unlock()

	if deadline.Before(now.Add(MinInterval - time.Second)) {
		t.Fatalf("expected the MinInterval floor to apply")
	}
}

func TestInhibitPreventsExecution(t *testing.T) {
	policy := &fixedPolicy{offset: time.Millisecond}
	s := New(policy, nil)
	s.Inhibit()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	s.Trigger(1)
	<-ctx.Done()
	if len(policy.Runs()) != 0 {
		t.Fatalf("expected no runs while inhibited, got %v", policy.Runs())
	}
}

func TestCoalescesCloseTriggers(t *testing.T) {
	policy := &fixedPolicy{offset: 10 * time.Millisecond}
	s := New(policy, nil)
	s.lastRun[1] = time.Now().Add(-time.Hour)

	s.Trigger(1)
	s.Trigger(1) // should coalesce, not add a second job
	if s.Pending() != 1 {
		t.Fatalf("expected one coalesced pending job, got %d", s.Pending())
	}
}
