package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockquest/challenge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: challenge definitions (immutable while
// ACTIVE) and leaderboards (read far more often than recomputed).
// Leaderboard replacement invalidates the leaderboard cache key as part
// of the same operation.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	data, err := s.rdb.Get(ctx, challengeKey(id)).Bytes()
	if err == nil {
		var ch model.Challenge
		if json.Unmarshal(data, &ch) == nil {
			return &ch, nil
		}
	}

	ch, err := s.Store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ch); err == nil {
		s.rdb.Set(ctx, challengeKey(id), data, s.ttl)
	}
	return ch, nil
}

func (s *CachedStore) ListLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey(challengeID)).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.Store.ListLeaderboard(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, leaderboardKey(challengeID), data, s.ttl)
	}
	return entries, nil
}

// --- Write-through invalidation ---

func (s *CachedStore) ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	if err := s.Store.ReplaceLeaderboard(ctx, challengeID, entries); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, leaderboardKey(challengeID))
	return nil
}

// --- Cache keys ---

func challengeKey(id string) string   { return fmt.Sprintf("challenge:%s", id) }
func leaderboardKey(id string) string { return fmt.Sprintf("leaderboard:%s", id) }
