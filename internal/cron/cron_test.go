package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewValidatesSchedules(t *testing.T) {
	noop := func(context.Context) error { return nil }

	s, err := New(
		Job{Name: "hourly", Schedule: "@hourly", Run: noop},
		Job{Name: "off", Schedule: "", Run: noop},
		Job{Name: "every10", Schedule: "*/10 * * * *", Run: noop},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "hourly" || got[1] != "every10" {
		t.Errorf("Jobs = %v", got)
	}

	if _, err := New(Job{Name: "bad", Schedule: "not a cron", Run: noop}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNextRun(t *testing.T) {
	ref := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	tests := []struct {
		schedule string
		want     time.Time
	}{
		{"@hourly", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{"*/10 * * * *", time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)},
		{"* * * * *", time.Date(2026, 3, 1, 10, 8, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := NextRun(tt.schedule, ref)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunOnceSurvivesFailureAndPanic(t *testing.T) {
	ctx := context.Background()
	RunOnce(ctx, Job{Name: "err", Run: func(context.Context) error { return errors.New("boom") }})
	RunOnce(ctx, Job{Name: "panic", Run: func(context.Context) error { panic("boom") }})
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(Job{Name: "m", Schedule: "* * * * *", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
