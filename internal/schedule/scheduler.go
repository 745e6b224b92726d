// Package schedule implements the per-match round scheduler: a finite
// state machine that walks a match through countdown, then reveal and
// decision for every week, then completed.
//
// The scheduler is the sole authority for phase and week. It does not run
// its own goroutine: the owner selects on C() and calls Fire() when the
// current phase's deadline expires, so every transition happens on the
// owner's event loop.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/stockguessr/match-engine/internal/model"
)

var (
	// ErrInvalidTiming is returned for non-positive durations or a
	// decision window that does not fit inside the round.
	ErrInvalidTiming = errors.New("schedule: invalid timing")

	// ErrNotRunning is returned by Fire before Start or after completion.
	ErrNotRunning = errors.New("schedule: scheduler is not running")
)

// Timing holds the phase durations of a match.
type Timing struct {
	Countdown time.Duration
	Round     time.Duration // reveal + decision
	Decision  time.Duration
	Weeks     int
}

// DefaultTiming is 10s countdown, 24s rounds with an 18s decision window,
// four weeks.
var DefaultTiming = Timing{
	Countdown: 10 * time.Second,
	Round:     24 * time.Second,
	Decision:  18 * time.Second,
	Weeks:     4,
}

// Reveal is the part of a round before decisions open.
func (t Timing) Reveal() time.Duration { return t.Round - t.Decision }

// MaxTransitions bounds the number of Fire calls in one match: the
// countdown exit plus two per week.
func (t Timing) MaxTransitions() int { return 1 + 2*t.Weeks }

// Validate checks the durations can form a schedule.
func (t Timing) Validate() error {
	switch {
	case t.Countdown <= 0, t.Round <= 0, t.Decision <= 0:
		return fmt.Errorf("%w: durations must be positive", ErrInvalidTiming)
	case t.Decision >= t.Round:
		return fmt.Errorf("%w: decision %s must be shorter than round %s", ErrInvalidTiming, t.Decision, t.Round)
	case t.Weeks < 1:
		return fmt.Errorf("%w: at least one week required", ErrInvalidTiming)
	}
	return nil
}

// Scheduler drives one match's round state.
type Scheduler struct {
	clock       Clock
	timing      Timing
	state       model.RoundState
	timer       Timer
	transitions int
	started     bool
}

// New creates a scheduler for matchID. It does nothing until Start.
func New(matchID string, timing Timing, clock Clock) (*Scheduler, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = WallClock()
	}
	return &Scheduler{
		clock:  clock,
		timing: timing,
		state:  model.RoundState{MatchID: matchID, Phase: model.PhaseCountdown},
	}, nil
}

// Start enters the countdown and arms its deadline. Calling Start again
// returns the current state without re-arming.
func (s *Scheduler) Start() model.RoundState {
	if s.started {
		return s.state
	}
	s.started = true
	s.enter(model.PhaseCountdown, s.timing.Countdown)
	return s.state
}

// C delivers the current phase's expiry. It is nil when no deadline is
// armed, so a select on it blocks forever.
func (s *Scheduler) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C()
}

// Fire performs the transition for an expired deadline.
func (s *Scheduler) Fire() (model.RoundState, error) {
	if !s.started || s.state.Phase == model.PhaseCompleted {
		return s.state, ErrNotRunning
	}
	if s.transitions >= s.timing.MaxTransitions() {
		s.complete()
		return s.state, nil
	}
	s.transitions++

	switch s.state.Phase {
	case model.PhaseCountdown:
		s.state.CurrentWeek = 0
		s.enter(model.PhaseReveal, s.timing.Reveal())
	case model.PhaseReveal:
		s.enter(model.PhaseDecision, s.timing.Decision)
	case model.PhaseDecision, model.PhaseWaitingRound:
		if s.state.CurrentWeek+1 >= s.timing.Weeks {
			s.complete()
			break
		}
		s.state.CurrentWeek++
		s.enter(model.PhaseReveal, s.timing.Reveal())
	}
	return s.state, nil
}

// MarkSettled moves decision to waiting_for_next_round once every player
// has settled the round. The deadline is unchanged, so both players still
// see the same round length. Reports whether a transition happened.
func (s *Scheduler) MarkSettled() (model.RoundState, bool) {
	if s.state.Phase != model.PhaseDecision {
		return s.state, false
	}
	s.state.Phase = model.PhaseWaitingRound
	return s.state, true
}

// AcceptsTrades reports whether the current phase is the decision window.
func (s *Scheduler) AcceptsTrades() bool {
	return s.state.Phase == model.PhaseDecision
}

// State returns a copy of the current round state.
func (s *Scheduler) State() model.RoundState { return s.state }

// Done reports whether the match has completed.
func (s *Scheduler) Done() bool { return s.state.Phase == model.PhaseCompleted }

// Transitions returns how many times Fire has advanced the machine.
func (s *Scheduler) Transitions() int { return s.transitions }

// Stop clears any armed deadline. The state is left as is.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) enter(phase model.Phase, d time.Duration) {
	s.Stop()
	s.state.Phase = phase
	s.state.EndTime = s.clock.Now().Add(d)
	s.timer = s.clock.NewTimer(d)
}

func (s *Scheduler) complete() {
	s.Stop()
	s.state.Phase = model.PhaseCompleted
	s.state.EndTime = s.clock.Now()
}
