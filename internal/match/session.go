package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/ledger"
	"github.com/stockguessr/match-engine/internal/metrics"
	"github.com/stockguessr/match-engine/internal/model"
	"github.com/stockguessr/match-engine/internal/scenario"
	"github.com/stockguessr/match-engine/internal/schedule"
)

type seat struct {
	state     model.PlayerState
	connected bool
}

// session is one match. Every field is owned by the run goroutine.
type session struct {
	id  string
	c   *Coordinator
	cfg Config
	out Broadcaster

	inbox chan func()
	done  chan struct{}
	ctx   context.Context

	seats []*seat // join order; seats[0] is player 1
	scn   *model.Scenario
	sched *schedule.Scheduler
	lobby schedule.Timer

	closed    bool
	completed bool
}

func newSession(c *Coordinator, id string) *session {
	s := &session{
		id:    id,
		c:     c,
		cfg:   c.cfg,
		out:   c.out,
		inbox: make(chan func()),
		done:  make(chan struct{}),
	}
	if c.cfg.LobbyTimeout > 0 {
		s.lobby = c.cfg.Clock.NewTimer(c.cfg.LobbyTimeout)
	}
	return s
}

func (s *session) run(ctx context.Context) {
	s.ctx = ctx
	defer func() {
		s.stopTimers()
		s.c.release(s, s.completed)
		close(s.done)
	}()

	for !s.closed {
		select {
		case <-ctx.Done():
			slog.Info("match session stopped", "match_id", s.id, "reason", ctx.Err())
			return
		case cmd := <-s.inbox:
			cmd()
		case <-s.lobbyC():
			s.lobby = nil
			slog.Warn("match lobby expired", "match_id", s.id)
			s.abort("opponent did not join")
		case <-s.schedC():
			s.advance()
		}
	}
}

func (s *session) lobbyC() <-chan time.Time {
	if s.lobby == nil {
		return nil
	}
	return s.lobby.C()
}

func (s *session) schedC() <-chan time.Time {
	if s.sched == nil {
		return nil
	}
	return s.sched.C()
}

func (s *session) stopTimers() {
	if s.lobby != nil {
		s.lobby.Stop()
		s.lobby = nil
	}
	if s.sched != nil {
		s.sched.Stop()
	}
}

func (s *session) msg(typ string, payload any) Message {
	return Message{Type: typ, MatchID: s.id, Payload: payload}
}

func (s *session) seatOf(playerID string) *seat {
	for _, st := range s.seats {
		if st.state.PlayerID == playerID {
			return st
		}
	}
	return nil
}

func (s *session) join(playerID string) error {
	if st := s.seatOf(playerID); st != nil {
		st.connected = true
		s.out.Broadcast(s.id, s.msg(MsgPlayerJoined, PlayerJoinedPayload{PlayerID: playerID, PlayerCount: len(s.seats)}))
		s.resync(playerID)
		return nil
	}
	if len(s.seats) == 2 {
		return ErrMatchFull
	}

	s.seats = append(s.seats, &seat{
		state:     model.NewPlayerState(playerID, s.cfg.StartingCash),
		connected: true,
	})
	slog.Info("player joined", "match_id", s.id, "player_id", playerID, "player_count", len(s.seats))
	s.out.Broadcast(s.id, s.msg(MsgPlayerJoined, PlayerJoinedPayload{PlayerID: playerID, PlayerCount: len(s.seats)}))

	if len(s.seats) == 2 {
		return s.begin()
	}
	return nil
}

// resync sends a reconnecting player the current round and every week
// revealed so far.
func (s *session) resync(playerID string) {
	if s.sched == nil {
		return
	}
	st := s.sched.State()
	s.out.SendTo(s.id, playerID, s.msg(MsgMatchState, st))
	if st.Phase == model.PhaseCountdown {
		return
	}
	for w := 0; w <= st.CurrentWeek; w++ {
		if p, err := s.weekReveal(w); err == nil {
			s.out.SendTo(s.id, playerID, s.msg(MsgWeekReveal, p))
		}
	}
}

// begin loads the scenario and starts the countdown.
func (s *session) begin() error {
	if s.lobby != nil {
		s.lobby.Stop()
		s.lobby = nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SetupTimeout)
	defer cancel()
	scn, err := s.c.scenarios.ScenarioForMatch(ctx, s.id)
	if err == nil {
		err = scenario.Validate(scn, s.cfg.Layout)
	}
	if err != nil {
		slog.Error("match setup failed", "match_id", s.id, "err", err)
		s.abort("scenario unavailable")
		return fmt.Errorf("%w: %v", ErrScenarioUnavailable, err)
	}

	sched, err := schedule.New(s.id, s.cfg.Timing, s.cfg.Clock)
	if err != nil {
		s.abort("invalid schedule")
		return err
	}
	s.scn = scn
	s.sched = sched

	st := sched.Start()
	metrics.PhaseTransitions.WithLabelValues(string(st.Phase)).Inc()
	slog.Info("match started",
		"match_id", s.id,
		"scenario_id", scn.ID,
		"player1", s.seats[0].state.PlayerID,
		"player2", s.seats[1].state.PlayerID,
	)

	s.out.Broadcast(s.id, s.msg(MsgMatchReady, MatchReadyPayload{
		PlayerIDs:      []string{s.seats[0].state.PlayerID, s.seats[1].state.PlayerID},
		StartingCash:   ledger.Display(s.cfg.StartingCash),
		Weeks:          s.cfg.Timing.Weeks,
		Leverage:       s.cfg.Policy.AllowedLeverage,
		ContextCandles: scn.ContextCandles,
	}))
	s.out.Broadcast(s.id, s.msg(MsgMatchState, st))
	return nil
}

// abort ends the match without a result.
func (s *session) abort(reason string) {
	s.closed = true
	s.out.Broadcast(s.id, s.msg(MsgMatchState, model.RoundState{
		MatchID: s.id,
		Phase:   model.PhaseError,
		EndTime: s.cfg.Clock.Now(),
	}))
	s.out.Broadcast(s.id, s.msg(MsgMatchError, MatchErrorPayload{Reason: reason}))
	metrics.MatchesCompleted.WithLabelValues("aborted").Inc()
}

// advance handles an expired phase deadline.
func (s *session) advance() {
	prev := s.sched.State()
	if prev.Phase == model.PhaseDecision {
		s.settleTimeouts(prev.CurrentWeek)
	}

	st, err := s.sched.Fire()
	if err != nil {
		slog.Error("schedule fire failed", "match_id", s.id, "phase", prev.Phase, "err", err)
		return
	}
	metrics.PhaseTransitions.WithLabelValues(string(st.Phase)).Inc()
	s.out.Broadcast(s.id, s.msg(MsgMatchState, st))

	switch st.Phase {
	case model.PhaseReveal:
		p, err := s.weekReveal(st.CurrentWeek)
		if err != nil {
			slog.Error("week reveal failed", "match_id", s.id, "week", st.CurrentWeek, "err", err)
			return
		}
		s.out.Broadcast(s.id, s.msg(MsgWeekReveal, p))
	case model.PhaseCompleted:
		s.complete()
	}
}

func (s *session) weekReveal(week int) (WeekRevealPayload, error) {
	candles, err := scenario.WeekCandles(s.scn, s.cfg.Layout, week)
	if err != nil {
		return WeekRevealPayload{}, err
	}
	return WeekRevealPayload{
		Week:    week,
		Candles: candles,
		News:    scenario.NewsForWeek(s.scn, week),
	}, nil
}

// settleTimeouts records a HOLD for every player who let the decision
// window lapse.
func (s *session) settleTimeouts(week int) {
	for _, st := range s.seats {
		if st.state.HasTradedWeek(week) {
			continue
		}
		if _, err := s.settle(st, TradeRequest{Action: model.ActionHold}, model.KindTimeout); err != nil {
			slog.Error("timeout hold failed", "match_id", s.id, "player_id", st.state.PlayerID, "err", err)
		}
	}
}

func (s *session) trade(playerID string, req TradeRequest, kind model.TradeKind) (*TradeReceipt, error) {
	start := time.Now()
	st := s.seatOf(playerID)
	receipt, err := s.settle(st, req, kind)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		slog.Info("trade rejected", "match_id", s.id, "player_id", playerID, "action", req.Action, "err", err)
		if st != nil {
			s.out.SendTo(s.id, playerID, s.msg(MsgTradeResult, TradeResultPayload{Accepted: false, Reason: err.Error()}))
		}
		return nil, err
	}
	metrics.TradeLatency.WithLabelValues(string(req.Action)).Observe(time.Since(start).Seconds())

	week := s.sched.State().CurrentWeek
	if s.allSettled(week) {
		if rs, ok := s.sched.MarkSettled(); ok {
			metrics.PhaseTransitions.WithLabelValues(string(rs.Phase)).Inc()
			s.out.Broadcast(s.id, s.msg(MsgMatchState, rs))
		}
	}
	return receipt, nil
}

// settle gates and applies one intent. Gates run in a fixed order: seat,
// phase, once-per-week, then risk limits for player intents.
func (s *session) settle(st *seat, req TradeRequest, kind model.TradeKind) (*TradeReceipt, error) {
	if st == nil {
		return nil, ErrUnknownPlayer
	}
	if s.sched == nil || !s.sched.AcceptsTrades() {
		return nil, ErrPhaseViolation
	}
	week := s.sched.State().CurrentWeek
	if st.state.HasTradedWeek(week) {
		return nil, ErrDuplicateTrade
	}
	if kind == model.KindPlayer {
		if err := s.cfg.Policy.CheckIntent(req.Action, req.Shares, req.Leverage); err != nil {
			return nil, err
		}
	}

	price, err := scenario.TradePrice(s.scn, s.cfg.Layout, week)
	if err != nil {
		return nil, err
	}
	next, trade, err := ledger.Apply(st.state, ledger.Intent{
		Action:   req.Action,
		Shares:   req.Shares,
		Leverage: req.Leverage,
		Price:    price,
		Week:     week,
		Kind:     kind,
	}, s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	trade = s.recordTrade(st, next, trade)

	equity := ledger.Equity(st.state, price)
	receipt := &TradeReceipt{
		Trade:    trade,
		Cash:     st.state.Cash,
		Equity:   equity,
		Position: clonePosition(st.state.Position),
	}
	slog.Info("trade settled",
		"match_id", s.id,
		"player_id", st.state.PlayerID,
		"week", week,
		"action", trade.Action,
		"kind", trade.Kind,
		"price", price.String(),
	)

	s.out.SendTo(s.id, st.state.PlayerID, s.msg(MsgTradeResult, TradeResultPayload{
		Accepted: true,
		Trade:    &receipt.Trade,
		Cash:     ledger.Display(receipt.Cash),
		Equity:   ledger.Display(equity),
		Position: receipt.Position,
	}))
	s.out.SendExcept(s.id, st.state.PlayerID, s.msg(MsgOpponentTrade, opponentTrade(st.state.PlayerID, trade, equity)))
	return receipt, nil
}

// recordTrade assigns the trade an ID and commits next as the seat's state.
func (s *session) recordTrade(st *seat, next model.PlayerState, trade model.Trade) model.Trade {
	trade.ID = uuid.NewString()
	next.Trades[len(next.Trades)-1].ID = trade.ID
	st.state = next
	metrics.TradesTotal.WithLabelValues(string(trade.Action), string(trade.Kind)).Inc()
	return trade
}

func (s *session) allSettled(week int) bool {
	if len(s.seats) < 2 {
		return false
	}
	for _, st := range s.seats {
		if !st.state.HasTradedWeek(week) {
			return false
		}
	}
	return true
}

// complete liquidates open positions, announces the result, and hands it
// to the sink. Persistence failures are logged, not surfaced: the players
// have already seen the result.
func (s *session) complete() {
	s.closed = true
	s.completed = true

	price, err := scenario.FinalPrice(s.scn, s.cfg.Layout)
	if err != nil {
		slog.Error("final price unavailable", "match_id", s.id, "err", err)
		return
	}
	now := s.cfg.Clock.Now()
	lastWeek := s.cfg.Timing.Weeks - 1
	for _, st := range s.seats {
		next, trade, err := ledger.Liquidate(st.state, price, lastWeek, now)
		if err != nil {
			slog.Error("liquidation failed", "match_id", s.id, "player_id", st.state.PlayerID, "err", err)
			continue
		}
		if trade != nil {
			s.recordTrade(st, next, *trade)
		}
	}

	result := s.result(price, now)
	outcome := "decided"
	if result.WinnerID == "" {
		outcome = "tie"
	}
	metrics.MatchesCompleted.WithLabelValues(outcome).Inc()
	slog.Info("match completed",
		"match_id", s.id,
		"winner_id", result.WinnerID,
		"player1_equity", result.Player1.FinalEquity.String(),
		"player2_equity", result.Player2.FinalEquity.String(),
	)
	s.out.Broadcast(s.id, s.msg(MsgMatchResult, matchResult(result, s.scn.Ticker)))

	if s.c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.c.sink.SaveMatchResult(ctx, result); err != nil {
		metrics.PersistenceFailures.Inc()
		slog.Error("match result not persisted", "match_id", s.id, "err", err)
	}
}

// result builds the final record. A winner needs strictly greater equity.
func (s *session) result(price decimal.Decimal, now time.Time) *model.MatchResult {
	sides := make([]model.PlayerResult, 2)
	for i, st := range s.seats {
		eq := ledger.Equity(st.state, price)
		sides[i] = model.PlayerResult{
			PlayerID:    st.state.PlayerID,
			FinalEquity: eq,
			FinalPnL:    eq.Sub(s.cfg.StartingCash),
			Trades:      st.state.Clone().Trades,
		}
	}

	r := &model.MatchResult{
		MatchID:     s.id,
		ScenarioID:  s.scn.ID,
		Player1:     sides[0],
		Player2:     sides[1],
		CompletedAt: now.UTC(),
	}
	switch sides[0].FinalEquity.Cmp(sides[1].FinalEquity) {
	case 1:
		r.WinnerID = sides[0].PlayerID
	case -1:
		r.WinnerID = sides[1].PlayerID
	}
	return r
}

func (s *session) disconnect(playerID string) {
	st := s.seatOf(playerID)
	if st == nil || !st.connected {
		return
	}
	st.connected = false
	slog.Info("player disconnected", "match_id", s.id, "player_id", playerID)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Round:   model.RoundState{MatchID: s.id},
		Players: make([]PlayerView, 0, len(s.seats)),
	}
	var price *model.Candle
	if s.sched != nil {
		snap.Started = true
		snap.Round = s.sched.State()
		if candles, err := scenario.WeekCandles(s.scn, s.cfg.Layout, snap.Round.CurrentWeek); err == nil {
			price = &candles[len(candles)-1]
		}
	}
	for _, st := range s.seats {
		v := PlayerView{
			PlayerID:  st.state.PlayerID,
			Connected: st.connected,
			Equity:    st.state.Cash,
		}
		if price != nil {
			v.Equity = ledger.Equity(st.state, price.Close)
			v.Traded = st.state.HasTradedWeek(snap.Round.CurrentWeek)
		}
		snap.Players = append(snap.Players, v)
	}
	return snap
}

func clonePosition(p *model.Position) *model.Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
