package validation

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voyagen/streamwarden/internal/config"
)

func TestDailyNext(t *testing.T) {
	loc := time.UTC
	d := Daily{Hour: 2, Minute: 0}
	tests := []struct {
		after, want time.Time
	}{
		{time.Date(2026, 5, 1, 1, 0, 0, 0, loc), time.Date(2026, 5, 1, 2, 0, 0, 0, loc)},
		{time.Date(2026, 5, 1, 2, 0, 0, 0, loc), time.Date(2026, 5, 2, 2, 0, 0, 0, loc)},
		{time.Date(2026, 5, 1, 23, 59, 0, 0, loc), time.Date(2026, 5, 2, 2, 0, 0, 0, loc)},
		{time.Date(2026, 12, 31, 3, 0, 0, 0, loc), time.Date(2027, 1, 1, 2, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := d.Next(tt.after); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
		}
	}
}

func TestScheduleFromConfig(t *testing.T) {
	s, err := ScheduleFromConfig(config.Validation{DailyAt: "03:30", Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := s.(Daily); !ok || d.Hour != 3 || d.Minute != 30 {
		t.Errorf("schedule = %#v, want Daily 03:30", s)
	}

	s, err = ScheduleFromConfig(config.Validation{Interval: 6 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := s.(Every); !ok || time.Duration(e) != 6*time.Hour {
		t.Errorf("schedule = %#v, want Every 6h", s)
	}

	if _, err := ScheduleFromConfig(config.Validation{DailyAt: "25:99"}); err == nil {
		t.Error("bad daily time accepted")
	}
	if _, err := ScheduleFromConfig(config.Validation{}); err == nil {
		t.Error("zero interval accepted")
	}
}

func TestScheduler_RunsOnIntervalAndStops(t *testing.T) {
	var n atomic.Int32
	fired := make(chan struct{}, 10)
	s := NewScheduler(func(context.Context) {
		n.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	}, Every(10*time.Millisecond), false, newTestLogger(&bytes.Buffer{}))

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("job did not fire")
		}
	}
	s.Stop()
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != after {
		t.Error("job fired after Stop")
	}
	if !s.NextRun().IsZero() {
		t.Error("NextRun set after Stop")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewScheduler(func(context.Context) { fired <- struct{}{} }, Every(time.Hour), true, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestScheduler_DoubleStart(t *testing.T) {
	s := NewScheduler(func(context.Context) {}, Every(time.Hour), false, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerStarted) {
		t.Errorf("second Start err = %v", err)
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	s := NewScheduler(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, Every(time.Hour), true, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestScheduler_SurvivesPanic(t *testing.T) {
	var n atomic.Int32
	fired := make(chan struct{}, 10)
	var logs bytes.Buffer
	s := NewScheduler(func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
		if n.Add(1) == 1 {
			panic("boom")
		}
	}, Every(5*time.Millisecond), true, newTestLogger(&logs))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler died after panic")
		}
	}
	s.Stop()
}

func TestScheduler_NextRun(t *testing.T) {
	s := NewScheduler(func(context.Context) {}, Every(time.Hour), false, nil)
	fixed := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	s.now = func() time.Time { return fixed }
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for s.NextRun().IsZero() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if want := fixed.Add(time.Hour); !s.NextRun().Equal(want) {
		t.Errorf("NextRun = %v, want %v", s.NextRun(), want)
	}
}
