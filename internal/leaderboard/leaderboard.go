// Package leaderboard recomputes the full ranking of a challenge from its
// ENDED sessions whenever one completes. The completion handoff is an
// explicit channel + worker: the session manager publishes and moves on,
// the worker recomputes, and a recompute failure is logged and swallowed —
// it can never surface in a close result.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/stockquest/challenge-engine/internal/locks"
	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

// Calculator ranks completed sessions per challenge.
type Calculator struct {
	store   store.Store
	locks   *locks.Keyed // per-challenge: at most one recompute at a time
	signals chan model.Completion
	now     func() time.Time
}

// NewCalculator creates a calculator with a completion buffer of the given
// size.
func NewCalculator(st store.Store, buffer int) *Calculator {
	if buffer < 1 {
		buffer = 64
	}
	return &Calculator{
		store:   st,
		locks:   locks.New(),
		signals: make(chan model.Completion, buffer),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (c *Calculator) SetClock(now func() time.Time) { c.now = now }

// Publish enqueues a completion signal. Never blocks: if the buffer is
// full the signal is dropped and logged, and the ranking catches up on a
// later completion or a manual Recompute.
func (c *Calculator) Publish(comp model.Completion) {
	select {
	case c.signals <- comp:
	default:
		slog.Warn("completion signal dropped, buffer full",
			"challenge", comp.ChallengeID, "session", comp.SessionID)
	}
}

// Run consumes completion signals until ctx is cancelled. Must be called
// in a goroutine. Recompute errors are logged, never propagated.
func (c *Calculator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case comp := <-c.signals:
			slog.Info("completion received",
				"challenge", comp.ChallengeID,
				"session", comp.SessionID,
				"user", comp.UserID,
			)
			if _, err := c.Recompute(ctx, comp.ChallengeID); err != nil {
				slog.Error("leaderboard recompute failed",
					"challenge", comp.ChallengeID, "err", err)
			}
		}
	}
}

// Recompute rebuilds the full ranking for a challenge from its ENDED
// sessions and atomically replaces the stored entry set. Forfeited
// sessions never reach ENDED and are therefore excluded.
//
// Sort: returnPercentage descending; ties broken by earlier session start,
// then session id, so recomputation from the same inputs always yields
// the same order. Ranks are dense, 1-based, strictly increasing even
// across ties. An empty session set returns an empty ranking and writes
// nothing.
func (c *Calculator) Recompute(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	unlock := c.locks.Lock(challengeID)
	defer unlock()

	start := time.Now()
	sessions, err := c.store.ListChallengeSessions(ctx, challengeID, model.SessionEnded)
	if err != nil {
		metrics.LeaderboardRecomputes.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(sessions) == 0 {
		metrics.LeaderboardRecomputes.WithLabelValues("empty").Inc()
		return []model.LeaderboardEntry{}, nil
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := &sessions[i], &sessions[j]
		if !a.ReturnPercentage.Equal(b.ReturnPercentage) {
			return a.ReturnPercentage.GreaterThan(b.ReturnPercentage)
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})

	calculatedAt := c.now().UTC()
	entries := make([]model.LeaderboardEntry, 0, len(sessions))
	for i, sess := range sessions {
		// PnL and return are the session's finalized values, not
		// recomputed from positions, so ranking can never drift from
		// what the learner saw at close.
		entries = append(entries, model.LeaderboardEntry{
			ChallengeID:      challengeID,
			SessionID:        sess.ID,
			UserID:           sess.UserID,
			PnL:              sess.PnL,
			ReturnPercentage: sess.ReturnPercentage,
			Rank:             i + 1,
			CalculatedAt:     calculatedAt,
		})
	}

	if err := c.store.ReplaceLeaderboard(ctx, challengeID, entries); err != nil {
		metrics.LeaderboardRecomputes.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.LeaderboardRecomputes.WithLabelValues("ok").Inc()
	metrics.LeaderboardDuration.Observe(time.Since(start).Seconds())
	slog.Info("leaderboard recomputed", "challenge", challengeID, "entries", len(entries))

	return entries, nil
}

// Leaderboard returns the stored ranking for a challenge.
func (c *Calculator) Leaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	return c.store.ListLeaderboard(ctx, challengeID)
}
