package service

import (
	"log"
	"sync"
	"time"
)

// TimerKind names the one-shot timers a job can carry. At most one timer
// per (job, kind) is live; re-arming replaces the previous one.
type TimerKind string

const (
	// TimerOffer fires when a captain lets an offer run out.
	TimerOffer TimerKind = "offer"

	// TimerAssignSLA fires when a job sat unassigned past its assign-by
	// deadline.
	TimerAssignSLA TimerKind = "assign_sla"

	// TimerCompleteSLA fires when an assigned job blew its delivery or
	// completion deadline.
	TimerCompleteSLA TimerKind = "complete_sla"

	// TimerRetry fires a delayed re-dispatch after the candidate queue
	// was exhausted.
	TimerRetry TimerKind = "retry"
)

type timerKey struct {
	jobID string
	kind  TimerKind
}

// TimerService is the in-process one-shot timer registry driving offer
// expiry, SLA enforcement and the match-retry ladder.
//
// Correctness does not depend on punctual firing: every callback re-reads
// authoritative state and no-ops when it is stale, so a late timer (or one
// that fires after the job already moved on) is harmless. What the
// registry does guarantee:
//   - one live timer per (job, kind); Schedule replaces
//   - Cancel/CancelJob stop pending timers without running them
//   - Drain stops everything and refuses new work, for shutdown
type TimerService struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	closed bool
}

// NewTimerService creates an empty timer registry.
func NewTimerService() *TimerService {
	return &TimerService{timers: make(map[timerKey]*time.Timer)}
}

// Schedule arms a one-shot timer for the job. An existing timer of the
// same kind is stopped and replaced. After Drain, Schedule is a no-op.
func (s *TimerService) Schedule(jobID string, kind TimerKind, d time.Duration, fn func()) {
	key := timerKey{jobID: jobID, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		log.Printf("[timer] drained; dropping %s timer for job %s", kind, jobID)
		return
	}
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	s.timers[key] = time.AfterFunc(d, func() {
		// Deregister before running so the callback can re-arm.
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}
		fn()
	})
}

// Cancel stops the job's timer of the given kind, if armed.
func (s *TimerService) Cancel(jobID string, kind TimerKind) {
	key := timerKey{jobID: jobID, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// CancelJob stops every timer armed for the job. Called on cancellation
// and completion so nothing fires for a settled job.
func (s *TimerService) CancelJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		if key.jobID == jobID {
			t.Stop()
			delete(s.timers, key)
		}
	}
}

// Pending returns the number of armed timers. Used by tests and the
// shutdown log line.
func (s *TimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Drain stops all timers and rejects further scheduling. Callbacks that
// already started keep running; new firings are suppressed.
func (s *TimerService) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
