package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockguessr/match-engine/internal/match"
	"github.com/stockguessr/match-engine/internal/model"
	"github.com/stockguessr/match-engine/internal/scenario/scenariotest"
	"github.com/stockguessr/match-engine/internal/schedule"
	"github.com/stockguessr/match-engine/internal/store"
	"github.com/stockguessr/match-engine/internal/transport"
)

var timing = schedule.Timing{
	Countdown: 3 * time.Second,
	Round:     10 * time.Second,
	Decision:  6 * time.Second,
	Weeks:     4,
}

type testEnv struct {
	t      *testing.T
	clk    *schedule.ManualClock
	ms     *store.MemoryStore
	coord  *match.Coordinator
	router chi.Router
}

// newTestEnv wires a real coordinator on a manual clock to the in-memory
// store behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := schedule.NewManualClock(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	ms := store.NewMemoryStore()

	cfg := match.DefaultConfig()
	cfg.Timing = timing
	cfg.Clock = clk
	cfg.LobbyTimeout = 0
	coord, err := match.NewCoordinator(cfg, ms, ms, nil)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	svc := transport.NewService(ms, coord, cfg.Layout)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Register)

	return &testEnv{t: t, clk: clk, ms: ms, coord: coord, router: r}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedMatch stores a scenario and a match on it directly.
func (e *testEnv) seedMatch(matchID string) {
	e.t.Helper()
	ctx := context.Background()
	if err := e.ms.CreateScenario(ctx, scenariotest.Weekly("s1", 100, 110, 90, 120)); err != nil {
		e.t.Fatalf("failed to seed scenario: %v", err)
	}
	if err := e.ms.CreateMatch(ctx, &model.MatchRecord{ID: matchID, ScenarioID: "s1", CreatedAt: time.Now()}); err != nil {
		e.t.Fatalf("failed to seed match: %v", err)
	}
}

// advance moves the clock and waits for the session to reach phase.
func (e *testEnv) advance(matchID string, d time.Duration, phase model.Phase, week int) {
	e.t.Helper()
	e.clk.Advance(d)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.coord.Snapshot(context.Background(), matchID)
		if err == nil && snap.Round.Phase == phase && snap.Round.CurrentWeek == week {
			return
		}
		time.Sleep(time.Millisecond)
	}
	e.t.Fatalf("match %s never reached %s week %d", matchID, phase, week)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

// --- Scenario tests ---

func scenarioRequest() transport.CreateScenarioRequest {
	sc := scenariotest.Weekly("ignored", 100, 110, 90, 120)
	return transport.CreateScenarioRequest{
		Ticker:         sc.Ticker,
		StartDate:      sc.StartDate,
		EndDate:        sc.EndDate,
		ContextCandles: sc.ContextCandles,
		GameCandles:    sc.GameCandles,
		News:           sc.News,
		Description:    "steady climb",
	}
}

func TestCreateScenario(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/v1/scenarios", scenarioRequest())
	expect(t, w, http.StatusCreated)
	created := decode[transport.ScenarioSummary](t, w)

	if created.ID == "" {
		t.Fatal("expected a generated scenario ID")
	}
	if created.GameDays != 20 {
		t.Errorf("expected 20 game days, got %d", created.GameDays)
	}
	if created.Difficulty == "" {
		t.Error("expected difficulty to be classified")
	}

	w = e.do(http.MethodGet, "/api/v1/scenarios/"+created.ID, nil)
	expect(t, w, http.StatusOK)
	if strings.Contains(w.Body.String(), "ACME") {
		t.Errorf("scenario summary leaked the ticker: %s", w.Body.String())
	}
}

func TestCreateScenario_Invalid(t *testing.T) {
	e := newTestEnv(t)

	bad := scenarioRequest()
	bad.Ticker = "not a ticker"
	expect(t, e.do(http.MethodPost, "/api/v1/scenarios", bad), http.StatusUnprocessableEntity)

	short := scenarioRequest()
	short.GameCandles = short.GameCandles[:7]
	expect(t, e.do(http.MethodPost, "/api/v1/scenarios", short), http.StatusUnprocessableEntity)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scenarios", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	expect(t, w, http.StatusBadRequest)
}

func TestGetScenario_NotFound(t *testing.T) {
	e := newTestEnv(t)
	expect(t, e.do(http.MethodGet, "/api/v1/scenarios/missing", nil), http.StatusNotFound)
}

// --- Match tests ---

func TestCreateMatch(t *testing.T) {
	e := newTestEnv(t)
	e.seedMatch("seeded")

	w := e.do(http.MethodPost, "/api/v1/matches", transport.CreateMatchRequest{ScenarioID: "s1"})
	expect(t, w, http.StatusCreated)
	rec := decode[model.MatchRecord](t, w)
	if rec.Status != store.StatusInProgress {
		t.Errorf("expected %s, got %s", store.StatusInProgress, rec.Status)
	}

	expect(t, e.do(http.MethodPost, "/api/v1/matches", transport.CreateMatchRequest{ScenarioID: "nope"}), http.StatusNotFound)
	expect(t, e.do(http.MethodPost, "/api/v1/matches", transport.CreateMatchRequest{}), http.StatusBadRequest)
}

func TestJoinMatch(t *testing.T) {
	e := newTestEnv(t)
	e.seedMatch("m1")

	w := e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "alice"})
	expect(t, w, http.StatusOK)
	if snap := decode[match.Snapshot](t, w); snap.Started {
		t.Error("match should wait for a second player")
	}

	w = e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "bob"})
	expect(t, w, http.StatusOK)
	snap := decode[match.Snapshot](t, w)
	if !snap.Started || snap.Round.Phase != model.PhaseCountdown {
		t.Errorf("expected started countdown, got %+v", snap.Round)
	}
	if len(snap.Players) != 2 {
		t.Errorf("expected 2 players, got %d", len(snap.Players))
	}

	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "carol"}), http.StatusConflict)
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m404/join", transport.JoinRequest{PlayerID: "carol"}), http.StatusNotFound)
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{}), http.StatusBadRequest)
}

func TestGetMatchState_NotLive(t *testing.T) {
	e := newTestEnv(t)
	expect(t, e.do(http.MethodGet, "/api/v1/matches/m1/state", nil), http.StatusNotFound)
}

func TestSubmitTrade_Gates(t *testing.T) {
	e := newTestEnv(t)
	e.seedMatch("m1")
	e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "alice"})
	e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "bob"})

	buy := transport.TradeRequest{PlayerID: "alice", Action: model.ActionBuy, Shares: 10, Leverage: 1}
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", buy), http.StatusConflict)

	e.advance("m1", timing.Countdown, model.PhaseReveal, 0)
	e.advance("m1", timing.Reveal(), model.PhaseDecision, 0)

	stranger := buy
	stranger.PlayerID = "mallory"
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", stranger), http.StatusNotFound)

	badLeverage := buy
	badLeverage.Leverage = 7
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", badLeverage), http.StatusUnprocessableEntity)

	tooBig := buy
	tooBig.Shares = 1_000_000
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", tooBig), http.StatusUnprocessableEntity)

	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", buy), http.StatusOK)
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", buy), http.StatusConflict)

	expect(t, e.do(http.MethodPost, "/api/v1/matches/m404/trade", buy), http.StatusNotFound)
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/trade", transport.TradeRequest{}), http.StatusBadRequest)
}

func TestFullMatchOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.seedMatch("m1")
	e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "alice"})
	e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "bob"})

	expect(t, e.do(http.MethodGet, "/api/v1/matches/m1/result", nil), http.StatusNotFound)

	e.advance("m1", timing.Countdown, model.PhaseReveal, 0)
	e.advance("m1", timing.Reveal(), model.PhaseDecision, 0)

	w := e.do(http.MethodPost, "/api/v1/matches/m1/trade", transport.TradeRequest{
		PlayerID: "alice", Action: model.ActionBuy, Shares: 100, Leverage: 2,
	})
	expect(t, w, http.StatusOK)
	resp := decode[transport.TradeResponse](t, w)
	if resp.Price != "100.00" {
		t.Errorf("expected price 100.00, got %s", resp.Price)
	}
	if resp.Cash != "95000.00" {
		t.Errorf("expected cash 95000.00 after margin, got %s", resp.Cash)
	}
	if resp.Position == nil || resp.Position.Shares != 100 {
		t.Errorf("expected a 100 share long, got %+v", resp.Position)
	}

	for week := 0; week < timing.Weeks-1; week++ {
		e.advance("m1", timing.Decision, model.PhaseReveal, week+1)
		e.advance("m1", timing.Reveal(), model.PhaseDecision, week+1)
	}
	e.clk.Advance(timing.Decision)

	deadline := time.Now().Add(time.Second)
	for {
		w = e.do(http.MethodGet, "/api/v1/matches/m1/result", nil)
		if w.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	expect(t, w, http.StatusOK)
	res := decode[model.MatchResult](t, w)
	if res.WinnerID != "alice" {
		t.Errorf("expected alice to win, got %q", res.WinnerID)
	}
	if res.Player1.FinalEquity.StringFixed(2) != "102000.00" {
		t.Errorf("expected 102000.00, got %s", res.Player1.FinalEquity.StringFixed(2))
	}

	w = e.do(http.MethodGet, "/api/v1/players/alice/matches", nil)
	expect(t, w, http.StatusOK)
	if got := decode[[]model.MatchResult](t, w); len(got) != 1 {
		t.Errorf("expected 1 result for alice, got %d", len(got))
	}

	w = e.do(http.MethodGet, "/api/v1/players/bob/stats", nil)
	expect(t, w, http.StatusOK)
	stats := decode[map[string]any](t, w)
	if stats["losses"] != float64(1) || stats["total_pnl"] != "0.00" {
		t.Errorf("unexpected stats for bob: %v", stats)
	}

	// The record is closed and the finished match cannot be rejoined.
	rec, err := e.ms.GetMatch(context.Background(), "m1")
	if err != nil || rec.Status != store.StatusCompleted {
		t.Errorf("expected COMPLETED match record, got %+v (%v)", rec, err)
	}
	for deadline = time.Now().Add(time.Second); e.coord.ActiveMatches() > 0 && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
	}
	expect(t, e.do(http.MethodPost, "/api/v1/matches/m1/join", transport.JoinRequest{PlayerID: "alice"}), http.StatusConflict)
}

func TestPlayerStats_Empty(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/api/v1/players/nobody/stats", nil)
	expect(t, w, http.StatusOK)
	stats := decode[map[string]any](t, w)
	if stats["total_matches"] != float64(0) || stats["avg_pnl"] != "0.00" {
		t.Errorf("unexpected stats: %v", stats)
	}
}
