package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("*/5 * * * *", "five-field", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 1m", "descriptor", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a schedule", "bad", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 jobs, got %d", s.Len())
	}
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("@every 1s", "counter", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if runs.Load() < 1 {
		t.Error("job never ran")
	}
}
