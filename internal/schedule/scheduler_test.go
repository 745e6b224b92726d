package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockguessr/match-engine/internal/model"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

var fastTiming = Timing{
	Countdown: 3 * time.Second,
	Round:     10 * time.Second,
	Decision:  6 * time.Second,
	Weeks:     4,
}

// expire advances the clock by d and waits for the scheduler's deadline.
func expire(t *testing.T, clk *ManualClock, s *Scheduler, d time.Duration) model.RoundState {
	t.Helper()
	clk.Advance(d)
	select {
	case <-s.C():
	default:
		t.Fatalf("deadline did not fire after %s (phase %s)", d, s.State().Phase)
	}
	st, err := s.Fire()
	require.NoError(t, err)
	return st
}

func TestTiming_Validate(t *testing.T) {
	require.NoError(t, DefaultTiming.Validate())
	assert.Equal(t, 6*time.Second, DefaultTiming.Reveal())

	bad := []Timing{
		{Countdown: 0, Round: 10, Decision: 5, Weeks: 4},
		{Countdown: 1, Round: 10, Decision: 10, Weeks: 4},
		{Countdown: 1, Round: 10, Decision: 11, Weeks: 4},
		{Countdown: 1, Round: 10, Decision: 5, Weeks: 0},
	}
	for _, tm := range bad {
		assert.ErrorIs(t, tm.Validate(), ErrInvalidTiming, "%+v", tm)
	}
}

func TestNew_RejectsInvalidTiming(t *testing.T) {
	_, err := New("m1", Timing{}, nil)
	assert.ErrorIs(t, err, ErrInvalidTiming)
}

func TestScheduler_FullMatch(t *testing.T) {
	clk := NewManualClock(t0)
	s, err := New("m1", fastTiming, clk)
	require.NoError(t, err)

	st := s.Start()
	assert.Equal(t, model.PhaseCountdown, st.Phase)
	assert.Equal(t, t0.Add(3*time.Second), st.EndTime)
	assert.False(t, s.AcceptsTrades())

	st = expire(t, clk, s, 3*time.Second)
	assert.Equal(t, model.PhaseReveal, st.Phase)
	assert.Equal(t, 0, st.CurrentWeek)
	assert.Equal(t, clk.Now().Add(4*time.Second), st.EndTime)

	for week := 0; week < 4; week++ {
		require.Equal(t, model.PhaseReveal, s.State().Phase)
		require.Equal(t, week, s.State().CurrentWeek)

		st = expire(t, clk, s, 4*time.Second)
		assert.Equal(t, model.PhaseDecision, st.Phase)
		assert.Equal(t, clk.Now().Add(6*time.Second), st.EndTime)
		assert.True(t, s.AcceptsTrades())

		st = expire(t, clk, s, 6*time.Second)
	}

	assert.Equal(t, model.PhaseCompleted, st.Phase)
	assert.Equal(t, 3, st.CurrentWeek)
	assert.True(t, s.Done())
	assert.Nil(t, s.C())
	assert.Equal(t, fastTiming.MaxTransitions(), s.Transitions())
	assert.Equal(t, 0, clk.Pending())

	_, err = s.Fire()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_DeadlineIsAbsolute(t *testing.T) {
	clk := NewManualClock(t0)
	s, _ := New("m1", fastTiming, clk)
	s.Start()

	// A snapshot taken part-way through the countdown still names the
	// original deadline.
	clk.Advance(time.Second)
	assert.Equal(t, t0.Add(3*time.Second), s.State().EndTime)
}

func TestScheduler_FireBeforeStart(t *testing.T) {
	s, _ := New("m1", fastTiming, NewManualClock(t0))
	_, err := s.Fire()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Nil(t, s.C())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	clk := NewManualClock(t0)
	s, _ := New("m1", fastTiming, clk)
	first := s.Start()
	clk.Advance(time.Second)
	second := s.Start()

	assert.Equal(t, first, second)
	assert.Equal(t, 1, clk.Pending())
}

func TestScheduler_MarkSettledKeepsDeadline(t *testing.T) {
	clk := NewManualClock(t0)
	s, _ := New("m1", fastTiming, clk)
	s.Start()
	expire(t, clk, s, 3*time.Second)
	dec := expire(t, clk, s, 4*time.Second)

	st, ok := s.MarkSettled()
	require.True(t, ok)
	assert.Equal(t, model.PhaseWaitingRound, st.Phase)
	assert.Equal(t, dec.EndTime, st.EndTime)
	assert.False(t, s.AcceptsTrades())

	_, ok = s.MarkSettled()
	assert.False(t, ok, "second MarkSettled must be a no-op")

	next := expire(t, clk, s, 6*time.Second)
	assert.Equal(t, model.PhaseReveal, next.Phase)
	assert.Equal(t, 1, next.CurrentWeek)
}

func TestScheduler_MarkSettledOutsideDecision(t *testing.T) {
	s, _ := New("m1", fastTiming, NewManualClock(t0))
	s.Start()
	_, ok := s.MarkSettled()
	assert.False(t, ok)
	assert.Equal(t, model.PhaseCountdown, s.State().Phase)
}

func TestScheduler_StopClearsTimer(t *testing.T) {
	clk := NewManualClock(t0)
	s, _ := New("m1", fastTiming, clk)
	s.Start()
	s.Stop()

	assert.Nil(t, s.C())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, model.PhaseCountdown, s.State().Phase)
}

func TestScheduler_SingleWeek(t *testing.T) {
	clk := NewManualClock(t0)
	tm := fastTiming
	tm.Weeks = 1
	s, _ := New("m1", tm, clk)
	s.Start()

	expire(t, clk, s, 3*time.Second)
	expire(t, clk, s, 4*time.Second)
	st := expire(t, clk, s, 6*time.Second)
	assert.Equal(t, model.PhaseCompleted, st.Phase)
	assert.Equal(t, 0, st.CurrentWeek)
}

func TestManualClock_StopPreventsFire(t *testing.T) {
	clk := NewManualClock(t0)
	tm := clk.NewTimer(time.Second)
	assert.True(t, tm.Stop())
	clk.Advance(2 * time.Second)

	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}
	assert.False(t, tm.Stop())
}
