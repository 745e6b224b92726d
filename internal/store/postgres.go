package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockguessr/match-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// candle series and trade logs are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS scenarios (
	id              TEXT PRIMARY KEY,
	ticker          TEXT NOT NULL,
	start_date      TIMESTAMPTZ NOT NULL,
	end_date        TIMESTAMPTZ NOT NULL,
	context_candles JSONB NOT NULL DEFAULT '[]',
	game_candles    JSONB NOT NULL,
	news            JSONB NOT NULL DEFAULT '[]',
	description     TEXT NOT NULL DEFAULT '',
	difficulty      TEXT NOT NULL DEFAULT 'MEDIUM',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS matches (
	id          TEXT PRIMARY KEY,
	scenario_id TEXT NOT NULL REFERENCES scenarios(id),
	status      TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_results (
	match_id       TEXT PRIMARY KEY REFERENCES matches(id),
	scenario_id    TEXT NOT NULL,
	player1_id     TEXT NOT NULL,
	player2_id     TEXT NOT NULL,
	player1_equity NUMERIC NOT NULL,
	player2_equity NUMERIC NOT NULL,
	player1_pnl    NUMERIC NOT NULL,
	player2_pnl    NUMERIC NOT NULL,
	player1_trades JSONB NOT NULL,
	player2_trades JSONB NOT NULL,
	winner_id      TEXT,
	completed_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS match_results_player1_idx ON match_results (player1_id, completed_at DESC);
CREATE INDEX IF NOT EXISTS match_results_player2_idx ON match_results (player2_id, completed_at DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	contextJSON, err := json.Marshal(sc.ContextCandles)
	if err != nil {
		return err
	}
	gameJSON, err := json.Marshal(sc.GameCandles)
	if err != nil {
		return err
	}
	newsJSON, err := json.Marshal(sc.News)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO scenarios (id, ticker, start_date, end_date, context_candles, game_candles, news, description, difficulty, created_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB, $7::JSONB, $8, $9, $10)`,
		sc.ID, sc.Ticker, sc.StartDate, sc.EndDate,
		contextJSON, gameJSON, newsJSON,
		sc.Description, sc.Difficulty, sc.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("scenario %s: %w", sc.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	var sc model.Scenario
	var contextJSON, gameJSON, newsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, ticker, start_date, end_date,
		        context_candles, game_candles, news,
		        description, difficulty, created_at
		 FROM scenarios WHERE id = $1`, id).
		Scan(&sc.ID, &sc.Ticker, &sc.StartDate, &sc.EndDate,
			&contextJSON, &gameJSON, &newsJSON,
			&sc.Description, &sc.Difficulty, &sc.CreatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("scenario %s", id), err)
	}

	if err := json.Unmarshal(contextJSON, &sc.ContextCandles); err != nil {
		return nil, fmt.Errorf("scenario %s context candles: %w", id, err)
	}
	if err := json.Unmarshal(gameJSON, &sc.GameCandles); err != nil {
		return nil, fmt.Errorf("scenario %s game candles: %w", id, err)
	}
	if err := json.Unmarshal(newsJSON, &sc.News); err != nil {
		return nil, fmt.Errorf("scenario %s news: %w", id, err)
	}
	return &sc, nil
}

func (s *PostgresStore) CreateMatch(ctx context.Context, m *model.MatchRecord) error {
	status := m.Status
	if status == "" {
		status = StatusInProgress
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, scenario_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		m.ID, m.ScenarioID, status, m.CreatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("match %s: %w", m.ID, ErrDuplicate)
	case isForeignKeyViolation(err):
		return fmt.Errorf("scenario %s: %w", m.ScenarioID, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.MatchRecord, error) {
	var m model.MatchRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, scenario_id, status, created_at FROM matches WHERE id = $1`, id).
		Scan(&m.ID, &m.ScenarioID, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("match %s", id), err)
	}
	return &m, nil
}

func (s *PostgresStore) ScenarioForMatch(ctx context.Context, matchID string) (*model.Scenario, error) {
	var scenarioID string
	err := s.pool.QueryRow(ctx,
		`SELECT scenario_id FROM matches WHERE id = $1`, matchID).Scan(&scenarioID)
	if err != nil {
		return nil, notFound(fmt.Sprintf("match %s", matchID), err)
	}
	return s.GetScenario(ctx, scenarioID)
}

// SaveMatchResult inserts the result and completes the match in one
// transaction.
func (s *PostgresStore) SaveMatchResult(ctx context.Context, r *model.MatchResult) error {
	p1Trades, err := json.Marshal(r.Player1.Trades)
	if err != nil {
		return err
	}
	p2Trades, err := json.Marshal(r.Player2.Trades)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO match_results (match_id, scenario_id, player1_id, player2_id,
			                            player1_equity, player2_equity, player1_pnl, player2_pnl,
			                            player1_trades, player2_trades, winner_id, completed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::JSONB, $10::JSONB, NULLIF($11::TEXT, ''), $12)
			 ON CONFLICT (match_id) DO NOTHING`,
			r.MatchID, r.ScenarioID, r.Player1.PlayerID, r.Player2.PlayerID,
			r.Player1.FinalEquity.String(), r.Player2.FinalEquity.String(),
			r.Player1.FinalPnL.String(), r.Player2.FinalPnL.String(),
			p1Trades, p2Trades, r.WinnerID, r.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert result %s: %w", r.MatchID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("match %s: %w", r.MatchID, ErrResultExists)
		}
		_, err = tx.Exec(ctx, `UPDATE matches SET status = $2 WHERE id = $1`, r.MatchID, StatusCompleted)
		return err
	})
}

const resultColumns = `match_id, scenario_id, player1_id, player2_id,
	player1_equity::TEXT, player2_equity::TEXT, player1_pnl::TEXT, player2_pnl::TEXT,
	player1_trades, player2_trades, COALESCE(winner_id, ''), completed_at`

func (s *PostgresStore) GetMatchResult(ctx context.Context, matchID string) (*model.MatchResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM match_results WHERE match_id = $1`, matchID)
	r, err := scanResult(row)
	if err != nil {
		return nil, notFound(fmt.Sprintf("result %s", matchID), err)
	}
	return r, nil
}

func (s *PostgresStore) ListResultsByPlayer(ctx context.Context, playerID string) ([]model.MatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM match_results
		 WHERE player1_id = $1 OR player2_id = $1
		 ORDER BY completed_at DESC`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.MatchResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*model.MatchResult, error) {
	var r model.MatchResult
	var eq1, eq2, pnl1, pnl2 string
	var trades1, trades2 []byte

	if err := row.Scan(&r.MatchID, &r.ScenarioID, &r.Player1.PlayerID, &r.Player2.PlayerID,
		&eq1, &eq2, &pnl1, &pnl2,
		&trades1, &trades2, &r.WinnerID, &r.CompletedAt); err != nil {
		return nil, err
	}

	r.Player1.FinalEquity, _ = decimal.NewFromString(eq1)
	r.Player2.FinalEquity, _ = decimal.NewFromString(eq2)
	r.Player1.FinalPnL, _ = decimal.NewFromString(pnl1)
	r.Player2.FinalPnL, _ = decimal.NewFromString(pnl2)

	if err := json.Unmarshal(trades1, &r.Player1.Trades); err != nil {
		return nil, fmt.Errorf("result %s player1 trades: %w", r.MatchID, err)
	}
	if err := json.Unmarshal(trades2, &r.Player2.Trades); err != nil {
		return nil, fmt.Errorf("result %s player2 trades: %w", r.MatchID, err)
	}
	return &r, nil
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

func isForeignKeyViolation(err error) bool { return pgCode(err) == "23503" }

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
