package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stockguessr/match-engine/internal/ledger"
	"github.com/stockguessr/match-engine/internal/match"
	"github.com/stockguessr/match-engine/internal/model"
	"github.com/stockguessr/match-engine/internal/risk"
	"github.com/stockguessr/match-engine/internal/scenario"
	"github.com/stockguessr/match-engine/internal/store"
)

// Service handles scenario, match, and result requests over HTTP. Live
// match state is owned by the coordinator; the service only forwards.
type Service struct {
	store   store.Store
	matches Matches
	layout  scenario.Layout
}

// NewService creates a new HTTP service.
func NewService(st store.Store, matches Matches, layout scenario.Layout) *Service {
	return &Service{store: st, matches: matches, layout: layout}
}

// Register mounts the service's routes on r.
func (s *Service) Register(r chi.Router) {
	r.Post("/scenarios", s.CreateScenario)
	r.Get("/scenarios/{scenarioID}", s.GetScenario)

	r.Post("/matches", s.CreateMatch)
	r.Post("/matches/{matchID}/join", s.JoinMatch)
	r.Get("/matches/{matchID}/state", s.GetMatchState)
	r.Post("/matches/{matchID}/trade", s.SubmitTrade)
	r.Get("/matches/{matchID}/result", s.GetMatchResult)

	r.Get("/players/{playerID}/matches", s.ListPlayerMatches)
	r.Get("/players/{playerID}/stats", s.GetPlayerStats)
}

// --- Request/Response types ---

// CreateScenarioRequest is the JSON body for scenario creation.
type CreateScenarioRequest struct {
	Ticker         string           `json:"ticker"`
	StartDate      time.Time        `json:"start_date"`
	EndDate        time.Time        `json:"end_date"`
	ContextCandles []model.Candle   `json:"context_candles"`
	GameCandles    []model.Candle   `json:"game_candles"`
	News           []model.NewsItem `json:"news"`
	Description    string           `json:"description"`
	Difficulty     string           `json:"difficulty"` // classified from the chart when empty
}

// ScenarioSummary is the public view of a scenario. Ticker and game
// candles stay hidden until a match reveals them.
type ScenarioSummary struct {
	ID             string    `json:"id"`
	Difficulty     string    `json:"difficulty"`
	Description    string    `json:"description"`
	GameDays       int       `json:"game_days"`
	ContextCandles int       `json:"context_candles"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateMatchRequest is the JSON body for POST /matches.
type CreateMatchRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// JoinRequest is the JSON body for POST /matches/{id}/join.
type JoinRequest struct {
	PlayerID string `json:"player_id"`
}

// TradeRequest is the JSON body for POST /matches/{id}/trade.
type TradeRequest struct {
	PlayerID string       `json:"player_id"`
	Action   model.Action `json:"action"`
	Shares   int64        `json:"shares"`
	Leverage int          `json:"leverage"`
}

// TradeResponse reports a settled trade with display-rounded money.
type TradeResponse struct {
	TradeID  string          `json:"trade_id"`
	Week     int             `json:"week"`
	Action   model.Action    `json:"action"`
	Price    string          `json:"price"`
	Shares   *int64          `json:"shares,omitempty"`
	PnL      *string         `json:"pnl,omitempty"`
	Cash     string          `json:"cash"`
	Equity   string          `json:"equity"`
	Position *model.Position `json:"position,omitempty"`
}

// --- HTTP Handlers ---

// CreateScenario handles POST /api/v1/scenarios
func (s *Service) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req CreateScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := scenario.ParseTicker(req.Ticker); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	sc := &model.Scenario{
		ID:             uuid.New().String(),
		Ticker:         req.Ticker,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		ContextCandles: req.ContextCandles,
		GameCandles:    req.GameCandles,
		News:           req.News,
		Description:    req.Description,
		Difficulty:     req.Difficulty,
		CreatedAt:      time.Now().UTC(),
	}
	if err := scenario.Validate(sc, s.layout); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if sc.Difficulty == "" {
		sc.Difficulty = scenario.ClassifyDifficulty(sc.GameCandles)
	}
	if sc.ContextCandles == nil {
		sc.ContextCandles = []model.Candle{}
	}
	if sc.News == nil {
		sc.News = []model.NewsItem{}
	}

	if err := s.store.CreateScenario(r.Context(), sc); err != nil {
		writeStatusError(w, err)
		return
	}
	slog.Info("scenario created", "id", sc.ID, "ticker", sc.Ticker, "difficulty", sc.Difficulty)
	writeJSON(w, http.StatusCreated, summarize(sc))
}

// GetScenario handles GET /api/v1/scenarios/{scenarioID}
func (s *Service) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScenario(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(sc))
}

// CreateMatch handles POST /api/v1/matches
func (s *Service) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScenarioID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec := &model.MatchRecord{
		ID:         uuid.New().String(),
		ScenarioID: req.ScenarioID,
		Status:     store.StatusInProgress,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateMatch(r.Context(), rec); err != nil {
		writeStatusError(w, err)
		return
	}
	slog.Info("match created", "match_id", rec.ID, "scenario_id", rec.ScenarioID)
	writeJSON(w, http.StatusCreated, rec)
}

// JoinMatch handles POST /api/v1/matches/{matchID}/join
func (s *Service) JoinMatch(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	matchID := chi.URLParam(r, "matchID")
	if _, err := s.store.GetMatch(r.Context(), matchID); err != nil {
		writeStatusError(w, err)
		return
	}
	if err := s.matches.Join(r.Context(), matchID, req.PlayerID); err != nil {
		writeStatusError(w, err)
		return
	}
	s.GetMatchState(w, r)
}

// GetMatchState handles GET /api/v1/matches/{matchID}/state
func (s *Service) GetMatchState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.matches.Snapshot(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SubmitTrade handles POST /api/v1/matches/{matchID}/trade
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}

	rc, err := s.matches.Trade(r.Context(), chi.URLParam(r, "matchID"), req.PlayerID, match.TradeRequest{
		Action:   req.Action,
		Shares:   req.Shares,
		Leverage: req.Leverage,
	})
	if err != nil {
		writeStatusError(w, err)
		return
	}

	resp := TradeResponse{
		TradeID:  rc.Trade.ID,
		Week:     rc.Trade.Week,
		Action:   rc.Trade.Action,
		Price:    ledger.Display(rc.Trade.Price),
		Shares:   rc.Trade.Shares,
		Cash:     ledger.Display(rc.Cash),
		Equity:   ledger.Display(rc.Equity),
		Position: rc.Position,
	}
	if rc.Trade.PnL != nil {
		pnl := ledger.Display(*rc.Trade.PnL)
		resp.PnL = &pnl
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMatchResult handles GET /api/v1/matches/{matchID}/result
func (s *Service) GetMatchResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.GetMatchResult(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPlayerMatches handles GET /api/v1/players/{playerID}/matches
func (s *Service) ListPlayerMatches(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListResultsByPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetPlayerStats handles GET /api/v1/players/{playerID}/stats
func (s *Service) GetPlayerStats(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	results, err := s.store.ListResultsByPlayer(r.Context(), playerID)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	st := store.Summarize(playerID, results)
	writeJSON(w, http.StatusOK, map[string]any{
		"player_id":     st.PlayerID,
		"total_matches": st.TotalMatches,
		"wins":          st.Wins,
		"losses":        st.Losses,
		"ties":          st.Ties,
		"total_pnl":     ledger.Display(st.TotalPnL),
		"avg_pnl":       ledger.Display(st.AvgPnL),
	})
}

// --- helpers ---

func summarize(sc *model.Scenario) ScenarioSummary {
	return ScenarioSummary{
		ID:             sc.ID,
		Difficulty:     sc.Difficulty,
		Description:    sc.Description,
		GameDays:       len(sc.GameCandles),
		ContextCandles: len(sc.ContextCandles),
		CreatedAt:      sc.CreatedAt,
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, match.ErrMatchNotFound),
		errors.Is(err, match.ErrUnknownPlayer):
		return http.StatusNotFound
	case errors.Is(err, match.ErrPhaseViolation),
		errors.Is(err, match.ErrDuplicateTrade),
		errors.Is(err, match.ErrMatchFull),
		errors.Is(err, match.ErrMatchCompleted),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrResultExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientMargin),
		errors.Is(err, ledger.ErrInvalidShares),
		errors.Is(err, ledger.ErrInvalidLeverage),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrUnknownAction),
		errors.Is(err, risk.ErrLeverageNotAllowed),
		errors.Is(err, risk.ErrShareLimitExceeded),
		errors.Is(err, risk.ErrNegativeShares),
		errors.Is(err, scenario.ErrInvalidTicker),
		errors.Is(err, scenario.ErrScenarioIncomplete),
		errors.Is(err, match.ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, match.ErrScenarioUnavailable),
		errors.Is(err, match.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeStatusError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
