// Package model defines the core domain types shared across the challenge engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Challenge status values.
const (
	ChallengeDraft  = "DRAFT"
	ChallengeActive = "ACTIVE"
	ChallengeEnded  = "ENDED"
)

// Session status values. READY → ACTIVE → ENDED is the normal path;
// FORFEITED is the terminal state of a force-restarted session and is
// never visible to the leaderboard.
const (
	SessionReady     = "READY"
	SessionActive    = "ACTIVE"
	SessionEnded     = "ENDED"
	SessionForfeited = "FORFEITED"
)

// Order sides, types, and statuses.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderMarket = "MARKET"
	OrderLimit  = "LIMIT"

	OrderPending   = "PENDING"
	OrderExecuted  = "EXECUTED"
	OrderCancelled = "CANCELLED"
)

// Challenge is a trading challenge over a fixed historical market period.
// Created by an authoring flow outside this service; the engine only reads
// it and transitions its status.
type Challenge struct {
	ID             string                `json:"id" db:"id"`
	Title          string                `json:"title" db:"title"`
	Status         string                `json:"status" db:"status"`
	InitialBalance decimal.Decimal       `json:"initial_balance" db:"initial_balance"`
	PeriodStart    time.Time             `json:"period_start" db:"period_start"` // first simulated trading day
	PeriodEnd      time.Time             `json:"period_end" db:"period_end"`     // last simulated trading day
	SpeedFactor    int                   `json:"speed_factor" db:"speed_factor"` // time-compression multiplier
	Instruments    []ChallengeInstrument `json:"instruments"`
}

// Instrument returns the instrument with the given key, if present.
func (c *Challenge) Instrument(key string) (ChallengeInstrument, bool) {
	for _, in := range c.Instruments {
		if in.Key == key {
			return in, true
		}
	}
	return ChallengeInstrument{}, false
}

// ChallengeInstrument maps the single-letter key a trader sees during a
// session to the real ticker and company name. The mapping is immutable
// once the challenge is ACTIVE and only revealed after session close.
type ChallengeInstrument struct {
	ChallengeID  string `json:"challenge_id" db:"challenge_id"`
	Key          string `json:"instrument_key" db:"instrument_key"`
	ActualTicker string `json:"actual_ticker,omitempty" db:"actual_ticker"`
	HiddenName   string `json:"hidden_name,omitempty" db:"hidden_name"`
}

// Session is one learner's attempt at one challenge. Positions and orders
// reference it by id; they are never embedded.
type Session struct {
	ID               string          `json:"id" db:"id"`
	ChallengeID      string          `json:"challenge_id" db:"challenge_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Status           string          `json:"status" db:"status"`
	InitialBalance   decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CurrentBalance   decimal.Decimal `json:"current_balance" db:"current_balance"` // cash only
	PnL              decimal.Decimal `json:"pnl" db:"pnl"`                         // finalized at close
	ReturnPercentage decimal.Decimal `json:"return_percentage" db:"return_percentage"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	EndedAt          time.Time       `json:"ended_at,omitempty" db:"ended_at"`
}

// IsActive reports whether the session accepts orders.
func (s *Session) IsActive() bool { return s.Status == SessionActive }

// Order is a single trade request within a session. Immutable after
// execution except for its status.
type Order struct {
	ID            string          `json:"id" db:"id"`
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Side          string          `json:"side" db:"side"`
	Type          string          `json:"type" db:"type"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // zero for MARKET
	Status        string          `json:"status" db:"status"`
	ExecutedPrice decimal.Decimal `json:"executed_price,omitempty" db:"executed_price"`
	PlacedAt      time.Time       `json:"placed_at" db:"placed_at"`
	ExecutedAt    time.Time       `json:"executed_at,omitempty" db:"executed_at"`
}

// Position is a session's aggregate holding in one instrument.
// One row per (session, instrument); removed when quantity returns to zero.
type Position struct {
	SessionID     string          `json:"session_id" db:"session_id"`
	InstrumentKey string          `json:"instrument_key" db:"instrument_key"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost" db:"average_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// LeaderboardEntry is one session's rank within a challenge. The full set
// for a challenge is replaced atomically on each recomputation.
type LeaderboardEntry struct {
	ChallengeID      string          `json:"challenge_id" db:"challenge_id"`
	SessionID        string          `json:"session_id" db:"session_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	PnL              decimal.Decimal `json:"pnl" db:"pnl"`
	ReturnPercentage decimal.Decimal `json:"return_percentage" db:"return_percentage"`
	Rank             int             `json:"rank" db:"rank_position"` // 1-based, dense
	CalculatedAt     time.Time       `json:"calculated_at" db:"calculated_at"`
}

// Candle is one OHLCV record of historical reference data.
// Invariant: Low ≤ Open,Close ≤ High and all prices > 0.
type Candle struct {
	Ticker    string          `json:"ticker" db:"ticker"`
	Date      time.Time       `json:"date" db:"date"`
	Open      decimal.Decimal `json:"open" db:"open_price"`
	High      decimal.Decimal `json:"high" db:"high_price"`
	Low       decimal.Decimal `json:"low" db:"low_price"`
	Close     decimal.Decimal `json:"close" db:"close_price"`
	Volume    int64           `json:"volume" db:"volume"`
	Timeframe string          `json:"timeframe" db:"timeframe"` // "DAILY"
}

// Valid checks the OHLC ordering invariant.
func (c *Candle) Valid() bool {
	if !c.Low.IsPositive() {
		return false
	}
	if c.High.LessThan(c.Low) {
		return false
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return false
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return false
	}
	return true
}

// RevealedInstrument is the post-close mapping from an instrument key to
// the real ticker and name that were hidden during the session.
type RevealedInstrument struct {
	Key          string `json:"instrument_key"`
	ActualTicker string `json:"actual_ticker"`
	HiddenName   string `json:"hidden_name"`
}

// Completion is the signal emitted after a successful close, consumed by
// the leaderboard calculator.
type Completion struct {
	ChallengeID string    `json:"challenge_id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	CompletedAt time.Time `json:"completed_at"`
}
