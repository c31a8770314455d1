package client

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the client-side tracking state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCreating    Phase = "creating"
	PhaseTracking    Phase = "tracking"
	PhaseReviewReady Phase = "review_ready"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Finished reports whether no further polling happens in this phase.
func (p Phase) Finished() bool {
	return p == PhaseReviewReady || p == PhaseDone || p == PhaseFailed
}

// Goal selects where tracking ends.
type Goal int

const (
	// GoalReview tracks a new batch until it is ready for review.
	GoalReview Goal = iota
	// GoalMerge tracks a merge request until the batch is merged.
	GoalMerge
)

func (g Goal) String() string {
	if g == GoalMerge {
		return "merge"
	}
	return "review"
}

// ErrRetriesExhausted is wrapped when transient fetch errors used up the budget.
var ErrRetriesExhausted = errors.New("status fetch retries exhausted")

// StuckError aborts tracking when the status stops changing.
type StuckError struct {
	Status Status
	Since  time.Duration
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("batch stuck in %s for %s", e.Status, e.Since.Round(time.Second))
}

// BatchFailedError reports a batch that reached failed.
type BatchFailedError struct {
	Info *ErrorInfo
}

func (e *BatchFailedError) Error() string {
	if e.Info == nil {
		return "batch failed"
	}
	return fmt.Sprintf("batch failed: %s: %s", e.Info.Code, e.Info.Message)
}

// TrackerConfig tunes polling. Zero values take the defaults in NewTracker.
type TrackerConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	StuckAfter   time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Decision is what the driver should do next. When Finished is false the
// next poll runs after Delay.
type Decision struct {
	Phase    Phase
	Finished bool
	Delay    time.Duration
	Err      error
	// Ignored is set when an observation was dropped as stale.
	Ignored bool
}

// Observation is the outcome of one status fetch.
type Observation struct {
	Batch *Batch
	Err   error
	At    time.Time
}

// Tracker evaluates observations. It holds no timers and does no I/O, so
// every decision can be tested directly.
type Tracker struct {
	cfg   TrackerConfig
	phase Phase
	goal  Goal

	last       Status
	lastChange time.Time
	failures   int
	err        error
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Tracker{cfg: cfg, phase: PhaseIdle}
}

func (t *Tracker) Phase() Phase       { return t.phase }
func (t *Tracker) LastStatus() Status { return t.last }
func (t *Tracker) Err() error         { return t.err }

// StartCreate moves idle to creating.
func (t *Tracker) StartCreate() Decision {
	t.phase = PhaseCreating
	return Decision{Phase: t.phase}
}

// CreateFailed ends a creation attempt.
func (t *Tracker) CreateFailed(err error) Decision {
	return t.finish(PhaseFailed, err)
}

// Begin starts tracking toward goal. The first poll runs after InitialDelay.
func (t *Tracker) Begin(goal Goal, now time.Time) Decision {
	t.phase = PhaseTracking
	t.goal = goal
	t.last = ""
	t.lastChange = now
	t.failures = 0
	t.err = nil
	return Decision{Phase: t.phase, Delay: t.cfg.InitialDelay}
}

// Observe folds one fetch result into the state and decides the next step.
func (t *Tracker) Observe(obs Observation) Decision {
	if t.phase != PhaseTracking {
		return Decision{Phase: t.phase, Finished: t.phase.Finished(), Ignored: true, Err: t.err}
	}

	if obs.Err != nil {
		if !IsTransient(obs.Err) {
			return t.finish(PhaseFailed, obs.Err)
		}
		t.failures++
		if t.failures > t.cfg.MaxAttempts {
			return t.finish(PhaseFailed, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, t.failures, obs.Err))
		}
		if d := t.stuck(obs.At); d != nil {
			return *d
		}
		return Decision{Phase: t.phase, Delay: t.backoff()}
	}

	t.failures = 0
	if obs.Batch == nil {
		return Decision{Phase: t.phase, Delay: t.cfg.Interval}
	}
	status := obs.Batch.Status

	if t.last != "" && status != t.last && !reachable(t.last, status) {
		// An older response overtook a newer one; keep the newer view.
		if d := t.stuck(obs.At); d != nil {
			return *d
		}
		return Decision{Phase: t.phase, Delay: t.cfg.Interval, Ignored: true}
	}
	if status != t.last {
		t.last = status
		t.lastChange = obs.At
	}

	switch status {
	case StatusFailed:
		return t.finish(PhaseFailed, &BatchFailedError{Info: obs.Batch.Error})
	case StatusMerged:
		return t.finish(PhaseDone, nil)
	case StatusReviewReady:
		if t.goal == GoalReview {
			return t.finish(PhaseReviewReady, nil)
		}
	}

	if d := t.stuck(obs.At); d != nil {
		return *d
	}
	return Decision{Phase: t.phase, Delay: t.cfg.Interval}
}

// Stop abandons tracking without an error.
func (t *Tracker) Stop() {
	if !t.phase.Finished() {
		t.phase = PhaseIdle
	}
}

func (t *Tracker) stuck(now time.Time) *Decision {
	if t.last == "" || now.Sub(t.lastChange) <= t.cfg.StuckAfter {
		return nil
	}
	d := t.finish(PhaseFailed, &StuckError{Status: t.last, Since: now.Sub(t.lastChange)})
	return &d
}

func (t *Tracker) backoff() time.Duration {
	d := t.cfg.BaseBackoff
	for i := 1; i < t.failures; i++ {
		d *= 2
		if d >= t.cfg.MaxBackoff {
			return t.cfg.MaxBackoff
		}
	}
	return d
}

func (t *Tracker) finish(phase Phase, err error) Decision {
	t.phase = phase
	t.err = err
	return Decision{Phase: phase, Finished: true, Err: err}
}

var transitions = map[Status][]Status{
	StatusQueued:      {StatusRunning, StatusFailed},
	StatusRunning:     {StatusReviewReady, StatusFailed},
	StatusReviewReady: {StatusMerging, StatusFailed},
	StatusMerging:     {StatusMerged, StatusFailed},
	StatusFailed:      {StatusMerging},
}

// reachable reports whether to can follow from along lifecycle edges.
func reachable(from, to Status) bool {
	seen := map[Status]bool{from: true}
	frontier := []Status{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range transitions[current] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}
