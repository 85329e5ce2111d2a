package service

import (
	"testing"
	"time"
)

func waitFired(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
		return ""
	}
}

func TestTimerService_Fires(t *testing.T) {
	s := NewTimerService()
	fired := make(chan string, 1)

	s.Schedule("job-1", TimerOffer, 10*time.Millisecond, func() { fired <- "offer" })
	if got := waitFired(t, fired); got != "offer" {
		t.Errorf("fired %q, want offer", got)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("Pending after fire = %d, want 0", n)
	}
}

func TestTimerService_RearmReplaces(t *testing.T) {
	s := NewTimerService()
	fired := make(chan string, 2)

	s.Schedule("job-1", TimerOffer, 30*time.Millisecond, func() { fired <- "first" })
	s.Schedule("job-1", TimerOffer, 10*time.Millisecond, func() { fired <- "second" })

	if got := waitFired(t, fired); got != "second" {
		t.Errorf("fired %q, want second", got)
	}

	// The replaced timer must never run.
	select {
	case got := <-fired:
		t.Errorf("replaced timer fired %q", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerService_DifferentKindsCoexist(t *testing.T) {
	s := NewTimerService()

	s.Schedule("job-1", TimerOffer, time.Hour, func() {})
	s.Schedule("job-1", TimerAssignSLA, time.Hour, func() {})
	if n := s.Pending(); n != 2 {
		t.Errorf("Pending = %d, want 2", n)
	}

	s.Cancel("job-1", TimerOffer)
	if n := s.Pending(); n != 1 {
		t.Errorf("Pending after Cancel = %d, want 1", n)
	}
}

func TestTimerService_CancelJobStopsAll(t *testing.T) {
	s := NewTimerService()
	fired := make(chan string, 3)

	s.Schedule("job-1", TimerOffer, 10*time.Millisecond, func() { fired <- "offer" })
	s.Schedule("job-1", TimerCompleteSLA, 10*time.Millisecond, func() { fired <- "sla" })
	s.Schedule("job-2", TimerOffer, 10*time.Millisecond, func() { fired <- "other" })

	s.CancelJob("job-1")

	if got := waitFired(t, fired); got != "other" {
		t.Errorf("fired %q, want other", got)
	}
	select {
	case got := <-fired:
		t.Errorf("cancelled timer fired %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerService_DrainRejectsNewWork(t *testing.T) {
	s := NewTimerService()
	fired := make(chan string, 2)

	s.Schedule("job-1", TimerRetry, 10*time.Millisecond, func() { fired <- "pre" })
	s.Drain()

	if n := s.Pending(); n != 0 {
		t.Errorf("Pending after Drain = %d, want 0", n)
	}

	s.Schedule("job-2", TimerRetry, 5*time.Millisecond, func() { fired <- "post" })
	select {
	case got := <-fired:
		t.Errorf("timer fired %q after Drain", got)
	case <-time.After(50 * time.Millisecond):
	}
}
