package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingReaper struct {
	calls  atomic.Int64
	reaped int
}

func (r *countingReaper) ReapIdle() int {
	r.calls.Add(1)
	return r.reaped
}

func TestService_PeriodicSweep(t *testing.T) {
	reaper := &countingReaper{reaped: 2}
	s := NewService(50*time.Millisecond, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for reaper.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d sweeps before deadline", reaper.calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	sweeps, reaped := s.Stats()
	if sweeps < 2 {
		t.Errorf("sweeps = %d, want >= 2", sweeps)
	}
	if reaped < 4 {
		t.Errorf("reaped = %d, want >= 4", reaped)
	}
}

func TestService_StopHaltsSweeping(t *testing.T) {
	reaper := &countingReaper{}
	s := NewService(20*time.Millisecond, reaper)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for reaper.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no sweep before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	after := reaper.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if got := reaper.calls.Load(); got != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, got)
	}

	// Stop is idempotent.
	s.Stop()
}

func TestService_ContextCancelStops(t *testing.T) {
	reaper := &countingReaper{}
	s := NewService(20*time.Millisecond, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	time.Sleep(100 * time.Millisecond)
	after := reaper.calls.Load()
	time.Sleep(100 * time.Millisecond)
	if got := reaper.calls.Load(); got != after {
		t.Errorf("sweeps continued after cancel: %d -> %d", after, got)
	}
}

func TestService_RejectsBadInterval(t *testing.T) {
	s := NewService(0, &countingReaper{})
	if err := s.Start(context.Background()); err == nil {
		t.Error("zero interval should error")
	}
}
