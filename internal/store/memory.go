package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stockquest/challenge-engine/internal/model"
)

// MemoryStore implements Store and CandleSource with in-memory maps.
// Used for testing and development. Not suitable for production
// (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	challenges  map[string]*model.Challenge
	sessions    map[string]*model.Session
	orders      map[string][]model.Order            // sessionID → placement order
	positions   map[string]map[string]*model.Position // sessionID → instrumentKey
	leaderboard map[string][]model.LeaderboardEntry // challengeID → ranked entries
	candles     map[string][]model.Candle           // ticker → ascending by date
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges:  make(map[string]*model.Challenge),
		sessions:    make(map[string]*model.Session),
		orders:      make(map[string][]model.Order),
		positions:   make(map[string]map[string]*model.Position),
		leaderboard: make(map[string][]model.LeaderboardEntry),
		candles:     make(map[string][]model.Candle),
	}
}

// --- Challenges ---

func (s *MemoryStore) CreateChallenge(_ context.Context, ch *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *ch
	cp.Instruments = append([]model.ChallengeInstrument(nil), ch.Instruments...)
	s.challenges[ch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.challenges[id]
	if !ok {
		return nil, model.ErrChallengeNotFound
	}
	cp := *ch
	cp.Instruments = append([]model.ChallengeInstrument(nil), ch.Instruments...)
	return &cp, nil
}

// --- Sessions ---

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ActiveSessionFor(_ context.Context, userID, challengeID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ChallengeID == challengeID && sess.Status == model.SessionActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSessionsByStatus(_ context.Context, status string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, *sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) ListChallengeSessions(_ context.Context, challengeID, status string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Session
	for _, sess := range s.sessions {
		if sess.ChallengeID == challengeID && sess.Status == status {
			out = append(out, *sess)
		}
	}
	sortSessions(out)
	return out, nil
}

// sortSessions orders by StartedAt then ID so map iteration never leaks
// into results.
func sortSessions(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// --- Orders ---

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveOrderLocked(o)
	return nil
}

func (s *MemoryStore) saveOrderLocked(o *model.Order) {
	list := s.orders[o.SessionID]
	for i := range list {
		if list[i].ID == o.ID {
			list[i] = *o
			return
		}
	}
	s.orders[o.SessionID] = append(list, *o)
}

func (s *MemoryStore) ListOrders(_ context.Context, sessionID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Order(nil), s.orders[sessionID]...), nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, sessionID, instrumentKey string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[sessionID][instrumentKey]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, sessionID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions[sessionID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentKey < out[j].InstrumentKey })
	return out, nil
}

func (s *MemoryStore) savePositionLocked(p *model.Position) {
	if p.Quantity.IsZero() {
		delete(s.positions[p.SessionID], p.InstrumentKey)
		return
	}
	byKey, ok := s.positions[p.SessionID]
	if !ok {
		byKey = make(map[string]*model.Position)
		s.positions[p.SessionID] = byKey
	}
	cp := *p
	byKey[p.InstrumentKey] = &cp
}

// --- Atomic writes ---

// SaveExecution applies session, order, and position under one lock, which
// is the in-memory equivalent of a transaction.
func (s *MemoryStore) SaveExecution(_ context.Context, sess *model.Session, o *model.Order, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	s.saveOrderLocked(o)
	if p != nil {
		s.savePositionLocked(p)
	}
	return nil
}

// --- Leaderboard ---

func (s *MemoryStore) ReplaceLeaderboard(_ context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaderboard[challengeID] = append([]model.LeaderboardEntry(nil), entries...)
	return nil
}

func (s *MemoryStore) ListLeaderboard(_ context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.LeaderboardEntry(nil), s.leaderboard[challengeID]...), nil
}

// --- CandleSource ---

// AddCandles seeds candles for a ticker; kept sorted by date.
func (s *MemoryStore) AddCandles(candles ...model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candles {
		s.candles[c.Ticker] = append(s.candles[c.Ticker], c)
	}
	for ticker := range s.candles {
		list := s.candles[ticker]
		sort.Slice(list, func(i, j int) bool { return list[i].Date.Before(list[j].Date) })
	}
}

func (s *MemoryStore) Candle(_ context.Context, ticker string, date time.Time) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.candles[ticker] {
		if sameDay(c.Date, date) {
			cp := c
			return &cp, nil
		}
	}
	return nil, model.ErrPriceUnavailable
}

func (s *MemoryStore) LatestCandleOn(_ context.Context, ticker string, date time.Time) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.candles[ticker]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Date.After(endOfDay(date)) {
			cp := list[i]
			return &cp, nil
		}
	}
	return nil, model.ErrPriceUnavailable
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
