package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
)

// PostgresStore implements Store and CandleSource using PostgreSQL as the
// source of truth. All monetary values are stored as NUMERIC for exact
// decimal precision and scanned through TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Challenges ---

func (s *PostgresStore) CreateChallenge(ctx context.Context, ch *model.Challenge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO challenges (id, title, status, initial_balance, period_start, period_end, speed_factor)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		ch.ID, ch.Title, ch.Status, ch.InitialBalance.String(),
		ch.PeriodStart, ch.PeriodEnd, ch.SpeedFactor,
	)
	if err != nil {
		return err
	}

	for _, in := range ch.Instruments {
		_, err = tx.Exec(ctx,
			`INSERT INTO challenge_instruments (challenge_id, instrument_key, actual_ticker, hidden_name)
			 VALUES ($1, $2, $3, $4)`,
			ch.ID, in.Key, in.ActualTicker, in.HiddenName,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	var ch model.Challenge
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, status, initial_balance::TEXT, period_start, period_end, speed_factor
		 FROM challenges WHERE id = $1`, id).
		Scan(&ch.ID, &ch.Title, &ch.Status, &balance,
			&ch.PeriodStart, &ch.PeriodEnd, &ch.SpeedFactor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge %s: %w", id, err)
	}
	ch.InitialBalance, _ = decimal.NewFromString(balance)

	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, instrument_key, actual_ticker, hidden_name
		 FROM challenge_instruments WHERE challenge_id = $1 ORDER BY instrument_key`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var in model.ChallengeInstrument
		if err := rows.Scan(&in.ChallengeID, &in.Key, &in.ActualTicker, &in.HiddenName); err != nil {
			return nil, err
		}
		ch.Instruments = append(ch.Instruments, in)
	}
	return &ch, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, challenge_id, user_id, status,
	initial_balance::TEXT, current_balance::TEXT, pnl::TEXT, return_percentage::TEXT,
	started_at, COALESCE(ended_at, 'epoch'::TIMESTAMPTZ)`

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) ActiveSessionFor(ctx context.Context, userID, challengeID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND challenge_id = $2 AND status = $3`,
		userID, challengeID, model.SessionActive)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	return execSaveSession(ctx, s.pool, sess)
}

func (s *PostgresStore) ListSessionsByStatus(ctx context.Context, status string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = $1 ORDER BY started_at, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) ListChallengeSessions(ctx context.Context, challengeID, status string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE challenge_id = $1 AND status = $2 ORDER BY started_at, id`,
		challengeID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// --- Orders ---

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	return execSaveOrder(ctx, s.pool, o)
}

func (s *PostgresStore) ListOrders(ctx context.Context, sessionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, instrument_key, side, type,
		        quantity::TEXT, limit_price::TEXT, status, executed_price::TEXT,
		        placed_at, COALESCE(executed_at, 'epoch'::TIMESTAMPTZ)
		 FROM orders WHERE session_id = $1 ORDER BY placed_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qty, limit, executed string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InstrumentKey, &o.Side, &o.Type,
			&qty, &limit, &o.Status, &executed, &o.PlacedAt, &o.ExecutedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.LimitPrice, _ = decimal.NewFromString(limit)
		o.ExecutedPrice, _ = decimal.NewFromString(executed)
		if o.ExecutedAt.Unix() == 0 {
			o.ExecutedAt = time.Time{}
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.Position, error) {
	var p model.Position
	var qty, avg, realized string

	err := s.pool.QueryRow(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_cost::TEXT, realized_pnl::TEXT
		 FROM positions WHERE session_id = $1 AND instrument_key = $2`,
		sessionID, instrumentKey).
		Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &realized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.AverageCost, _ = decimal.NewFromString(avg)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, sessionID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_cost::TEXT, realized_pnl::TEXT
		 FROM positions WHERE session_id = $1 ORDER BY instrument_key`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg, realized string
		if err := rows.Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &realized); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AverageCost, _ = decimal.NewFromString(avg)
		p.RealizedPnL, _ = decimal.NewFromString(realized)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Atomic writes ---

// SaveExecution writes session, order, and position in one transaction;
// any failure rolls back all three.
func (s *PostgresStore) SaveExecution(ctx context.Context, sess *model.Session, o *model.Order, p *model.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := execSaveSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := execSaveOrder(ctx, tx, o); err != nil {
		return err
	}
	if p != nil {
		if p.Quantity.IsZero() {
			_, err = tx.Exec(ctx,
				`DELETE FROM positions WHERE session_id = $1 AND instrument_key = $2`,
				p.SessionID, p.InstrumentKey)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO positions (session_id, instrument_key, quantity, average_cost, realized_pnl)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
				 ON CONFLICT (session_id, instrument_key) DO UPDATE
				 SET quantity = EXCLUDED.quantity,
				     average_cost = EXCLUDED.average_cost,
				     realized_pnl = EXCLUDED.realized_pnl`,
				p.SessionID, p.InstrumentKey,
				p.Quantity.String(), p.AverageCost.String(), p.RealizedPnL.String())
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// --- Leaderboard ---

// ReplaceLeaderboard deletes the old entry set and inserts the new one in
// the same transaction.
func (s *PostgresStore) ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM leaderboard_entries WHERE challenge_id = $1`, challengeID); err != nil {
		return err
	}

	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO leaderboard_entries
			   (challenge_id, session_id, user_id, pnl, return_percentage, rank_position, calculated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
			e.ChallengeID, e.SessionID, e.UserID,
			e.PnL.String(), e.ReturnPercentage.String(), e.Rank, e.CalculatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, session_id, user_id, pnl::TEXT, return_percentage::TEXT, rank_position, calculated_at
		 FROM leaderboard_entries WHERE challenge_id = $1 ORDER BY rank_position`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var pnl, ret string
		if err := rows.Scan(&e.ChallengeID, &e.SessionID, &e.UserID, &pnl, &ret, &e.Rank, &e.CalculatedAt); err != nil {
			return nil, err
		}
		e.PnL, _ = decimal.NewFromString(pnl)
		e.ReturnPercentage, _ = decimal.NewFromString(ret)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- CandleSource ---

func (s *PostgresStore) Candle(ctx context.Context, ticker string, date time.Time) (*model.Candle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ticker, date, open_price::TEXT, high_price::TEXT, low_price::TEXT, close_price::TEXT, volume, timeframe
		 FROM price_candles WHERE ticker = $1 AND date = $2::DATE`, ticker, date)
	return scanCandle(row)
}

func (s *PostgresStore) LatestCandleOn(ctx context.Context, ticker string, date time.Time) (*model.Candle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ticker, date, open_price::TEXT, high_price::TEXT, low_price::TEXT, close_price::TEXT, volume, timeframe
		 FROM price_candles WHERE ticker = $1 AND date <= $2::DATE
		 ORDER BY date DESC LIMIT 1`, ticker, date)
	return scanCandle(row)
}

// --- scan helpers ---

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so session and
// order writes can run standalone or inside SaveExecution's transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execSaveSession(ctx context.Context, db execer, sess *model.Session) error {
	var endedAt any
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt
	}
	_, err := db.Exec(ctx,
		`INSERT INTO sessions
		   (id, challenge_id, user_id, status, initial_balance, current_balance, pnl, return_percentage, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     current_balance = EXCLUDED.current_balance,
		     pnl = EXCLUDED.pnl,
		     return_percentage = EXCLUDED.return_percentage,
		     ended_at = EXCLUDED.ended_at`,
		sess.ID, sess.ChallengeID, sess.UserID, sess.Status,
		sess.InitialBalance.String(), sess.CurrentBalance.String(),
		sess.PnL.String(), sess.ReturnPercentage.String(),
		sess.StartedAt, endedAt)
	return err
}

func execSaveOrder(ctx context.Context, db execer, o *model.Order) error {
	var executedAt any
	if !o.ExecutedAt.IsZero() {
		executedAt = o.ExecutedAt
	}
	_, err := db.Exec(ctx,
		`INSERT INTO orders
		   (id, session_id, instrument_key, side, type, quantity, limit_price, status, executed_price, placed_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     executed_price = EXCLUDED.executed_price,
		     executed_at = EXCLUDED.executed_at`,
		o.ID, o.SessionID, o.InstrumentKey, o.Side, o.Type,
		o.Quantity.String(), o.LimitPrice.String(), o.Status,
		o.ExecutedPrice.String(), o.PlacedAt, executedAt)
	return err
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var initial, current, pnl, ret string

	err := row.Scan(&sess.ID, &sess.ChallengeID, &sess.UserID, &sess.Status,
		&initial, &current, &pnl, &ret, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return nil, err
	}
	sess.InitialBalance, _ = decimal.NewFromString(initial)
	sess.CurrentBalance, _ = decimal.NewFromString(current)
	sess.PnL, _ = decimal.NewFromString(pnl)
	sess.ReturnPercentage, _ = decimal.NewFromString(ret)
	if sess.EndedAt.Unix() == 0 {
		sess.EndedAt = time.Time{}
	}
	return &sess, nil
}

func scanSessions(rows pgx.Rows) ([]model.Session, error) {
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func scanCandle(row pgx.Row) (*model.Candle, error) {
	var c model.Candle
	var open, high, low, closeP string

	err := row.Scan(&c.Ticker, &c.Date, &open, &high, &low, &closeP, &c.Volume, &c.Timeframe)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrPriceUnavailable
	}
	if err != nil {
		return nil, err
	}
	c.Open, _ = decimal.NewFromString(open)
	c.High, _ = decimal.NewFromString(high)
	c.Low, _ = decimal.NewFromString(low)
	c.Close, _ = decimal.NewFromString(closeP)
	return &c, nil
}
