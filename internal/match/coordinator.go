// Package match runs live 1v1 matches.
//
// The Coordinator is a registry of sessions keyed by match ID. Each
// session is a single goroutine that owns everything about one match: its
// players, its scenario, and its round scheduler. Callers never touch that
// state directly; they submit commands to the session's inbox and wait for
// the reply. Because of this, each match's events are totally ordered and
// a stuck match cannot stall any other.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/ledger"
	"github.com/stockguessr/match-engine/internal/metrics"
	"github.com/stockguessr/match-engine/internal/model"
	"github.com/stockguessr/match-engine/internal/risk"
	"github.com/stockguessr/match-engine/internal/scenario"
	"github.com/stockguessr/match-engine/internal/schedule"
)

var (
	// ErrMatchNotFound is returned for a match with no live session.
	ErrMatchNotFound = errors.New("match: match not found")

	// ErrMatchFull is returned when a third distinct player tries to join.
	ErrMatchFull = errors.New("match: match already has two players")

	// ErrMatchCompleted is returned when joining a match that has ended.
	ErrMatchCompleted = errors.New("match: match already completed")

	// ErrUnknownPlayer is returned for a player who has not joined the match.
	ErrUnknownPlayer = errors.New("match: player is not part of this match")

	// ErrPhaseViolation is returned for a trade outside the decision window.
	ErrPhaseViolation = errors.New("match: trades are only accepted during the decision phase")

	// ErrDuplicateTrade is returned for a second trade in the same week.
	ErrDuplicateTrade = errors.New("match: player already traded this week")

	// ErrScenarioUnavailable is returned when the match's scenario cannot
	// be loaded or is incomplete. The match is aborted.
	ErrScenarioUnavailable = errors.New("match: scenario unavailable")

	// ErrInvalidRequest is returned when a match or player ID is missing.
	ErrInvalidRequest = errors.New("match: match and player IDs are required")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("match: coordinator is shutting down")
)

// ResultSink persists a completed match. It is called exactly once per
// match, after the result has been broadcast.
type ResultSink interface {
	SaveMatchResult(ctx context.Context, result *model.MatchResult) error
}

// Config tunes every match the coordinator runs.
type Config struct {
	Timing       schedule.Timing
	Layout       scenario.Layout
	StartingCash decimal.Decimal
	Policy       *risk.Policy
	Clock        schedule.Clock

	// SetupTimeout bounds the scenario load when the second player joins.
	SetupTimeout time.Duration
	// PersistTimeout bounds the result write at completion.
	PersistTimeout time.Duration
	// LobbyTimeout aborts a match whose second player never arrives.
	// Zero waits forever.
	LobbyTimeout time.Duration
	// CompletedRetention is how long a finished match ID is remembered so
	// late joins get ErrMatchCompleted instead of a fresh lobby.
	CompletedRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timing:             schedule.DefaultTiming,
		Layout:             scenario.DefaultLayout,
		StartingCash:       decimal.NewFromInt(100000),
		Policy:             risk.NewPolicy(risk.DefaultLeverage, 0),
		Clock:              schedule.WallClock(),
		SetupTimeout:       5 * time.Second,
		PersistTimeout:     5 * time.Second,
		LobbyTimeout:       10 * time.Minute,
		CompletedRetention: time.Hour,
	}
}

func (c Config) validate() error {
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if c.Layout.Weeks != c.Timing.Weeks {
		return fmt.Errorf("match: layout has %d weeks but timing has %d", c.Layout.Weeks, c.Timing.Weeks)
	}
	if c.Layout.DaysPerWeek < 1 {
		return errors.New("match: layout needs at least one day per week")
	}
	if !c.StartingCash.IsPositive() {
		return errors.New("match: starting cash must be positive")
	}
	return nil
}

// TradeRequest is one player intent as received from a transport.
type TradeRequest struct {
	Action   model.Action `json:"action"`
	Shares   int64        `json:"shares"`
	Leverage int          `json:"leverage"`
}

// TradeReceipt reports a settled intent back to the caller.
type TradeReceipt struct {
	Trade    model.Trade     `json:"trade"`
	Cash     decimal.Decimal `json:"cash"`
	Equity   decimal.Decimal `json:"equity"`
	Position *model.Position `json:"position,omitempty"`
}

// PlayerView is the public part of one seat.
type PlayerView struct {
	PlayerID  string          `json:"player_id"`
	Connected bool            `json:"connected"`
	Equity    decimal.Decimal `json:"equity"`
	Traded    bool            `json:"traded_this_week"`
}

// Snapshot is a point-in-time view of a match.
type Snapshot struct {
	Started bool             `json:"started"`
	Round   model.RoundState `json:"round"`
	Players []PlayerView     `json:"players"`
}

// Coordinator owns the session registry. The mutex guards only the map;
// match state lives on each session's goroutine.
type Coordinator struct {
	cfg       Config
	scenarios scenario.Provider
	sink      ResultSink
	out       Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]time.Time
	closing   bool
}

// NewCoordinator creates a coordinator. A nil Broadcaster discards output.
func NewCoordinator(cfg Config, scenarios scenario.Provider, sink ResultSink, out Broadcaster) (*Coordinator, error) {
	if cfg.Clock == nil {
		cfg.Clock = schedule.WallClock()
	}
	if cfg.Policy == nil {
		cfg.Policy = risk.NewPolicy(nil, 0)
	}
	def := DefaultConfig()
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = def.SetupTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if scenarios == nil {
		return nil, errors.New("match: scenario provider is required")
	}
	if out == nil {
		out = Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		scenarios: scenarios,
		sink:      sink,
		out:       out,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		completed: make(map[string]time.Time),
	}, nil
}

// Join adds playerID to the match, creating its lobby on first join. The
// second distinct player starts the match. Joining again is idempotent
// and re-sends the current state to that player.
func (c *Coordinator) Join(ctx context.Context, matchID, playerID string) error {
	if matchID == "" || playerID == "" {
		return ErrInvalidRequest
	}
	s, err := c.lookup(matchID, true)
	if err != nil {
		return err
	}
	_, err = call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.join(playerID)
	})
	return err
}

// Trade submits one intent. It settles only during the decision phase and
// at most once per player per week.
func (c *Coordinator) Trade(ctx context.Context, matchID, playerID string, req TradeRequest) (*TradeReceipt, error) {
	s, err := c.lookup(matchID, false)
	if err != nil {
		return nil, err
	}
	return call(ctx, s, func() (*TradeReceipt, error) {
		return s.trade(playerID, req, model.KindPlayer)
	})
}

// Disconnect records that a player's connection dropped. The match keeps
// running; missed decisions settle as timeout HOLDs.
func (c *Coordinator) Disconnect(matchID, playerID string) {
	s, err := c.lookup(matchID, false)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, time.Second)
	defer cancel()
	_, _ = call(ctx, s, func() (struct{}, error) {
		s.disconnect(playerID)
		return struct{}{}, nil
	})
}

// Snapshot returns the current state of a live match.
func (c *Coordinator) Snapshot(ctx context.Context, matchID string) (Snapshot, error) {
	s, err := c.lookup(matchID, false)
	if err != nil {
		return Snapshot{}, err
	}
	return call(ctx, s, func() (Snapshot, error) {
		return s.snapshot(), nil
	})
}

// ActiveMatches returns the number of live sessions.
func (c *Coordinator) ActiveMatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown stops every session and waits for them to exit, or for ctx to
// end. Matches in flight are abandoned without a result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(matchID string, create bool) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, ErrShuttingDown
	}
	if s, ok := c.sessions[matchID]; ok {
		return s, nil
	}
	if _, ok := c.completed[matchID]; ok && create {
		return nil, ErrMatchCompleted
	}
	if !create {
		return nil, ErrMatchNotFound
	}

	s := newSession(c, matchID)
	c.sessions[matchID] = s
	metrics.ActiveMatches.Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.run(c.ctx)
	}()
	slog.Info("match lobby opened", "match_id", matchID)
	return s, nil
}

// release drops a session from the registry once its goroutine ends.
func (c *Coordinator) release(s *session, completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		metrics.ActiveMatches.Dec()
	}
	if !completed {
		return
	}
	now := c.cfg.Clock.Now()
	c.completed[s.id] = now
	for id, at := range c.completed {
		if now.Sub(at) > c.cfg.CompletedRetention {
			delete(c.completed, id)
		}
	}
}

// call runs fn on the session goroutine and returns its result.
func call[T any](ctx context.Context, s *session, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	reply := make(chan result, 1)
	cmd := func() {
		v, err := fn()
		reply <- result{v, err}
	}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return zero, ErrMatchNotFound
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.v, r.err
	case <-s.done:
		// The command may have been the session's last.
		select {
		case r := <-reply:
			return r.v, r.err
		default:
			return zero, ErrMatchNotFound
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// rejectReason maps a trade error to a bounded metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPhaseViolation):
		return "phase_violation"
	case errors.Is(err, ErrDuplicateTrade):
		return "duplicate_trade"
	case errors.Is(err, ErrUnknownPlayer):
		return "unknown_player"
	case errors.Is(err, ledger.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, risk.ErrLeverageNotAllowed), errors.Is(err, risk.ErrShareLimitExceeded):
		return "risk_limit"
	default:
		return "invalid_intent"
	}
}
