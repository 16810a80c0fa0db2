// Package store defines the persistence interfaces for the challenge
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for leaderboard and challenge reads), and in-memory
// (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/stockquest/challenge-engine/internal/model"
)

// Store is the persistence interface. Mutating operations that must be
// atomic (order execution, leaderboard replacement) are single calls so
// each implementation can wrap them in one transaction.
type Store interface {
	// --- Challenges ---

	// CreateChallenge persists a challenge with its instrument mappings.
	CreateChallenge(ctx context.Context, ch *model.Challenge) error

	// GetChallenge retrieves a challenge and its instruments.
	// Returns model.ErrChallengeNotFound when absent.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// --- Sessions ---

	// GetSession retrieves a session by id.
	// Returns model.ErrSessionNotFound when absent.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// ActiveSessionFor returns the ACTIVE session for (user, challenge),
	// or (nil, nil) when there is none.
	ActiveSessionFor(ctx context.Context, userID, challengeID string) (*model.Session, error)

	// SaveSession inserts or updates a session.
	SaveSession(ctx context.Context, s *model.Session) error

	// ListSessionsByStatus returns all sessions in the given status.
	ListSessionsByStatus(ctx context.Context, status string) ([]model.Session, error)

	// ListChallengeSessions returns a challenge's sessions in the given status.
	ListChallengeSessions(ctx context.Context, challengeID, status string) ([]model.Session, error)

	// --- Orders ---

	// SaveOrder inserts or updates an order.
	SaveOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns a session's orders in placement order.
	ListOrders(ctx context.Context, sessionID string) ([]model.Order, error)

	// --- Positions ---

	// GetPosition returns the position for (session, instrument),
	// or (nil, nil) when no row exists.
	GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.Position, error)

	// ListPositions returns all open positions of a session.
	ListPositions(ctx context.Context, sessionID string) ([]model.Position, error)

	// --- Atomic writes ---

	// SaveExecution commits the result of one order execution: the order,
	// the session's new cash balance, and the updated position, in a
	// single transaction. A position with zero quantity deletes the row.
	// A partially applied execution is a fatal inconsistency, so any
	// failure rolls back all three writes.
	SaveExecution(ctx context.Context, s *model.Session, o *model.Order, p *model.Position) error

	// --- Leaderboard ---

	// ReplaceLeaderboard deletes a challenge's existing entries and
	// inserts the new set in one transaction.
	ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error

	// ListLeaderboard returns a challenge's entries ordered by rank.
	ListLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error)
}

// CandleSource supplies read-only historical OHLCV data. Absence of a
// candle is a legitimate, retryable outcome reported as
// model.ErrPriceUnavailable, never hidden.
type CandleSource interface {
	// Candle returns the candle for the ticker on exactly the given date.
	Candle(ctx context.Context, ticker string, date time.Time) (*model.Candle, error)

	// LatestCandleOn returns the most recent candle at or before the
	// given date, used to value holdings at close.
	LatestCandleOn(ctx context.Context, ticker string, date time.Time) (*model.Candle, error)
}
