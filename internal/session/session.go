// Package session owns the challenge session state machine:
// READY → ACTIVE → ENDED, with FORFEITED as the terminal state of a
// force-restarted session. It enforces one active session per user per
// challenge, finalizes P&L on close, reveals the instrument mapping, and
// emits the completion signal the leaderboard calculator consumes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/clock"
	"github.com/stockquest/challenge-engine/internal/ledger"
	"github.com/stockquest/challenge-engine/internal/locks"
	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

// Publisher delivers completion signals. Publish must never block or
// return an error to the closer; delivery failures are the subscriber's
// problem.
type Publisher interface {
	Publish(model.Completion)
}

// Manager drives the session lifecycle. Close and order submission share
// the keyed lock, so a session is mutated by one goroutine at a time.
type Manager struct {
	store   store.Store
	candles store.CandleSource
	locks   *locks.Keyed
	signals Publisher // nil disables completion signals
	now     func() time.Time
}

// NewManager creates a session manager. The keyed lock must be the same
// instance the execution engine uses.
func NewManager(st store.Store, candles store.CandleSource, lk *locks.Keyed, signals Publisher) *Manager {
	return &Manager{
		store:   st,
		candles: candles,
		locks:   lk,
		signals: signals,
		now:     time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Start begins a session for (user, challenge) with cash equal to the
// challenge's initial balance and no positions.
//
// An existing ACTIVE session fails the call unless forceRestart, in which
// case the prior session is forfeited: terminal FORFEITED status, never
// ENDED, and therefore never ranked.
func (m *Manager) Start(ctx context.Context, userID, challengeID string, forceRestart bool) (*model.Session, error) {
	ch, err := m.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.Status != model.ChallengeActive {
		return nil, fmt.Errorf("%w: challenge %s is %s", model.ErrInvalidChallengeState, ch.ID, ch.Status)
	}

	// The existence check and the create must not interleave with another
	// Start for the same (user, challenge), or both would observe no
	// active session and both persist one.
	unlock := m.locks.Lock(startKey(userID, challengeID))
	defer unlock()

	existing, err := m.store.ActiveSessionFor(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !forceRestart {
			return nil, fmt.Errorf("%w: active session %s already exists", model.ErrInvalidChallengeState, existing.ID)
		}
		if err := m.forfeit(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	sess := &model.Session{
		ID:               uuid.New().String(),
		ChallengeID:      challengeID,
		UserID:           userID,
		Status:           model.SessionActive,
		InitialBalance:   ch.InitialBalance,
		CurrentBalance:   ch.InitialBalance,
		PnL:              decimal.Zero,
		ReturnPercentage: decimal.Zero,
		StartedAt:        m.now().UTC(),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Inc()
	slog.Info("session started",
		"session", sess.ID,
		"challenge", challengeID,
		"user", userID,
		"balance", sess.InitialBalance.String(),
		"restarted", existing != nil,
	)
	return sess, nil
}

// startKey scopes the create lock to one (user, challenge) pair. Distinct
// from session-id keys, so holding it while forfeiting cannot deadlock.
func startKey(userID, challengeID string) string {
	return "start:" + userID + "|" + challengeID
}

// forfeit terminally ends a session outside the normal close path.
func (m *Manager) forfeit(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.IsActive() {
		return nil // already terminal, nothing to forfeit
	}

	sess.Status = model.SessionForfeited
	sess.EndedAt = m.now().UTC()
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return err
	}

	metrics.ActiveSessions.Dec()
	metrics.SessionsClosed.WithLabelValues("forfeited").Inc()
	slog.Info("session forfeited", "session", sessionID)
	return nil
}

// CloseResult is the learner-visible outcome of a close.
type CloseResult struct {
	SessionID        string                     `json:"session_id"`
	FinalValue       decimal.Decimal            `json:"final_value"`
	PnL              decimal.Decimal            `json:"pnl"`
	ReturnPercentage decimal.Decimal            `json:"return_percentage"`
	EndedAt          time.Time                  `json:"ended_at"`
	Revealed         []model.RevealedInstrument `json:"revealed_instruments"`
}

// Close finalizes an ACTIVE session: values every held instrument at the
// latest candle available at the simulated instant, fixes PnL and return
// percentage on the session, marks it ENDED, reveals the instrument
// mapping, and emits the completion signal.
//
// Closing is a one-time event: an already-ENDED session fails with
// ErrInvalidChallengeState rather than recomputing. It runs synchronously
// to a terminal state; the completion signal is fire-and-forget and a
// leaderboard failure can never roll back the close.
func (m *Manager) Close(ctx context.Context, sessionID string) (*CloseResult, error) {
	return m.close(ctx, sessionID, "closed")
}

func (m *Manager) close(ctx context.Context, sessionID, outcome string) (*CloseResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, fmt.Errorf("%w: session %s is %s", model.ErrInvalidChallengeState, sess.ID, sess.Status)
	}

	ch, err := m.store.GetChallenge(ctx, sess.ChallengeID)
	if err != nil {
		return nil, err
	}
	positions, err := m.store.ListPositions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	instant := clock.At(ch, sess.StartedAt, m.now())
	finalValue, err := ledger.TotalValue(sess.CurrentBalance, positions, m.priceLookup(ctx, ch, instant))
	if err != nil {
		return nil, err
	}

	pnl := finalValue.Sub(sess.InitialBalance).Round(2)
	returnPct := pnl.Div(sess.InitialBalance).Mul(decimal.NewFromInt(100)).Round(4)

	sess.Status = model.SessionEnded
	sess.CurrentBalance = finalValue
	sess.PnL = pnl
	sess.ReturnPercentage = returnPct
	sess.EndedAt = m.now().UTC()

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Dec()
	metrics.SessionsClosed.WithLabelValues(outcome).Inc()
	slog.Info("session closed",
		"session", sess.ID,
		"challenge", sess.ChallengeID,
		"final_value", finalValue.String(),
		"pnl", pnl.String(),
		"return_pct", returnPct.String(),
		"outcome", outcome,
	)

	if m.signals != nil {
		m.signals.Publish(model.Completion{
			ChallengeID: sess.ChallengeID,
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			CompletedAt: sess.EndedAt,
		})
	}

	revealed := make([]model.RevealedInstrument, 0, len(ch.Instruments))
	for _, in := range ch.Instruments {
		revealed = append(revealed, model.RevealedInstrument{
			Key:          in.Key,
			ActualTicker: in.ActualTicker,
			HiddenName:   in.HiddenName,
		})
	}

	return &CloseResult{
		SessionID:        sess.ID,
		FinalValue:       finalValue,
		PnL:              pnl,
		ReturnPercentage: returnPct,
		EndedAt:          sess.EndedAt,
		Revealed:         revealed,
	}, nil
}

// priceLookup resolves an instrument key to its reference price at the
// instant, falling back to the close of the most recent earlier candle
// (weekends, holidays).
func (m *Manager) priceLookup(ctx context.Context, ch *model.Challenge, instant clock.Instant) ledger.PriceLookup {
	return func(instrumentKey string) (decimal.Decimal, error) {
		in, ok := ch.Instrument(instrumentKey)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: unknown instrument %q", model.ErrInvalidOrder, instrumentKey)
		}
		candle, err := m.candles.LatestCandleOn(ctx, in.ActualTicker, instant.Date)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s on %s", model.ErrPriceUnavailable,
				instrumentKey, instant.Date.Format("2006-01-02"))
		}
		if sameDay(candle.Date, instant.Date) {
			return clock.RefPrice(candle, instant.DayFraction), nil
		}
		return candle.Close, nil
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// PositionView is one portfolio line with the instrument still masked.
type PositionView struct {
	InstrumentKey string          `json:"instrument_key"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// PortfolioView is a session's portfolio snapshot at its simulated instant.
type PortfolioView struct {
	SessionID     string          `json:"session_id"`
	Status        string          `json:"status"`
	SimulatedDate time.Time       `json:"simulated_date"`
	Cash          decimal.Decimal `json:"cash"`
	Positions     []PositionView  `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio prices the session's holdings at its current simulated
// instant. Real tickers stay hidden; only instrument keys appear.
//
// Once a session is terminal its CurrentBalance already holds the
// finalized total value, so the total is reported as-is and position
// rows appear for reference without being added on top of it.
func (m *Manager) Portfolio(ctx context.Context, sessionID string) (*PortfolioView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ch, err := m.store.GetChallenge(ctx, sess.ChallengeID)
	if err != nil {
		return nil, err
	}
	positions, err := m.store.ListPositions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	instant := clock.At(ch, sess.StartedAt, m.now())
	lookup := m.priceLookup(ctx, ch, instant)

	view := &PortfolioView{
		SessionID:     sess.ID,
		Status:        sess.Status,
		SimulatedDate: instant.Date,
		Cash:          sess.CurrentBalance,
		Positions:     make([]PositionView, 0, len(positions)),
		TotalValue:    sess.CurrentBalance,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}

	for i := range positions {
		p := &positions[i]
		price, err := lookup(p.InstrumentKey)
		if err != nil {
			return nil, err
		}
		value := p.Quantity.Mul(price).Round(2)
		unrealized := ledger.Unrealized(p, price)

		view.Positions = append(view.Positions, PositionView{
			InstrumentKey: p.InstrumentKey,
			Quantity:      p.Quantity,
			AverageCost:   p.AverageCost,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: unrealized,
			RealizedPnL:   p.RealizedPnL,
		})
		if sess.IsActive() {
			view.TotalValue = view.TotalValue.Add(value)
		}
		view.RealizedPnL = view.RealizedPnL.Add(p.RealizedPnL)
		view.UnrealizedPnL = view.UnrealizedPnL.Add(unrealized)
	}

	return view, nil
}

// Orders lists a session's orders in placement order.
func (m *Manager) Orders(ctx context.Context, sessionID string) ([]model.Order, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListOrders(ctx, sessionID)
}

// RunAutoClose periodically ends ACTIVE sessions whose simulated clock has
// run past the challenge's trading period. Errors on individual sessions
// are logged and skipped; the loop exits when ctx is cancelled.
func (m *Manager) RunAutoClose(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.autoCloseExpired(ctx)
		}
	}
}

func (m *Manager) autoCloseExpired(ctx context.Context) {
	active, err := m.store.ListSessionsByStatus(ctx, model.SessionActive)
	if err != nil {
		slog.Error("auto-close: list active sessions", "err", err)
		return
	}

	for i := range active {
		sess := &active[i]
		ch, err := m.store.GetChallenge(ctx, sess.ChallengeID)
		if err != nil {
			slog.Error("auto-close: load challenge", "session", sess.ID, "err", err)
			continue
		}
		if !clock.Expired(ch, sess.StartedAt, m.now()) {
			continue
		}
		if _, err := m.close(ctx, sess.ID, "auto"); err != nil {
			slog.Error("auto-close failed", "session", sess.ID, "err", err)
		}
	}
}
