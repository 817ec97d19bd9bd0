package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"chronoshare/internal/core"
)

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Run(ctx)
}

func TestSchedule_FiresAfterDelay(t *testing.T) {
	s := New(core.RealClock{}, nil)
	fired := make(chan struct{}, 1)
	s.Schedule(Task{Tag: "t1", Delay: time.Millisecond, Run: func() { fired <- struct{}{} }})

	runFor(t, s, 200*time.Millisecond)

	select {
	case <-fired:
	default:
		t.Fatal("expected the task to have fired within the run window")
	}
}

func TestSchedule_SameTagCoalesces(t *testing.T) {
	s := New(core.RealClock{}, nil)
	var count int32
	s.Schedule(Task{Tag: "coalesce", Delay: 50 * time.Millisecond, Run: func() { atomic.AddInt32(&count, 1) }})
	s.Schedule(Task{Tag: "coalesce", Delay: time.Millisecond, Run: func() { atomic.AddInt32(&count, 1) }})

	runFor(t, s, 200*time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected exactly 1 firing after rescheduling the same tag, got %d", got)
	}
}

func TestCancel_PreventsFiring(t *testing.T) {
	s := New(core.RealClock{}, nil)
	fired := make(chan struct{}, 1)
	s.Schedule(Task{Tag: "cancel-me", Delay: 50 * time.Millisecond, Run: func() { fired <- struct{}{} }})
	s.Cancel("cancel-me")

	runFor(t, s, 150*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("expected the cancelled task not to fire")
	default:
	}
}

func TestInterval_ReschedulesItself(t *testing.T) {
	s := New(core.RealClock{}, nil)
	var count int32
	s.Schedule(Task{Tag: "periodic", Delay: time.Millisecond, Interval: 10 * time.Millisecond, Run: func() {
		atomic.AddInt32(&count, 1)
	}})

	runFor(t, s, 60*time.Millisecond)

	if got := atomic.LoadInt32(&count); got < 2 {
		t.Errorf("expected an interval task to fire more than once in 60ms, got %d", got)
	}
}

func TestRunTask_PanicIsRecovered(t *testing.T) {
	s := New(core.RealClock{}, nil)
	fired := make(chan struct{}, 1)
	s.Schedule(Task{Tag: "panics", Delay: time.Millisecond, Run: func() { panic("boom") }})
	s.Schedule(Task{Tag: "after", Delay: 20 * time.Millisecond, Run: func() { fired <- struct{}{} }})

	runFor(t, s, 200*time.Millisecond)

	select {
	case <-fired:
	default:
		t.Fatal("expected the scheduler to keep running tasks after a panic")
	}
}

func TestClose_StopsRunLoop(t *testing.T) {
	s := New(core.RealClock{}, nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after Close")
	}
}
