package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/engine"
	"github.com/stockquest/challenge-engine/internal/locks"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/session"
	"github.com/stockquest/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// capturePublisher records completion signals for assertions.
type capturePublisher struct {
	signals chan model.Completion
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{signals: make(chan model.Completion, 8)}
}

func (p *capturePublisher) Publish(c model.Completion) { p.signals <- c }

type testEnv struct {
	store   *store.MemoryStore
	manager *session.Manager
	engine  *engine.Engine
	pub     *capturePublisher
}

// newTestEnv seeds a challenge with a 1000 starting balance over Jan 2–31
// 2023 at one simulated day per wall second, with candles for instrument A
// on Jan 2 (open 100, close 110) and Jan 3 (open 120, close 130).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()

	ch := &model.Challenge{
		ID:             "ch-1",
		Title:          "One stock, January 2023",
		Status:         model.ChallengeActive,
		InitialBalance: d(1_000),
		PeriodStart:    time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC),
		SpeedFactor:    86400,
		Instruments: []model.ChallengeInstrument{
			{ChallengeID: "ch-1", Key: "A", ActualTicker: "AAPL", HiddenName: "Company A"},
		},
	}
	if err := ms.CreateChallenge(context.Background(), ch); err != nil {
		t.Fatalf("seed challenge: %v", err)
	}

	ms.AddCandles(
		model.Candle{
			Ticker: "AAPL",
			Date:   time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC),
			Open:   d(100), High: d(111), Low: d(99), Close: d(110),
			Volume: 1_000_000, Timeframe: "DAILY",
		},
		model.Candle{
			Ticker: "AAPL",
			Date:   time.Date(2023, time.January, 3, 0, 0, 0, 0, time.UTC),
			Open:   d(120), High: d(131), Low: d(119), Close: d(130),
			Volume: 1_000_000, Timeframe: "DAILY",
		},
	)

	lk := locks.New()
	pub := newCapturePublisher()
	mgr := session.NewManager(ms, ms, lk, pub)
	mgr.SetClock(func() time.Time { return t0 })
	eng := engine.New(ms, ms, lk)
	eng.SetClock(func() time.Time { return t0 })

	return &testEnv{store: ms, manager: mgr, engine: eng, pub: pub}
}

func (e *testEnv) buy(t *testing.T, sessionID string, qty float64) {
	t.Helper()
	_, err := e.engine.Submit(context.Background(), engine.SubmitRequest{
		SessionID:     sessionID,
		InstrumentKey: "A",
		Side:          model.SideBuy,
		Type:          model.OrderMarket,
		Quantity:      d(qty),
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
}

// --- Start ---

func TestStart_CreatesActiveSession(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.Status != model.SessionActive {
		t.Errorf("expected ACTIVE, got %s", sess.Status)
	}
	if !sess.CurrentBalance.Equal(d(1_000)) || !sess.InitialBalance.Equal(d(1_000)) {
		t.Errorf("expected balances 1000/1000, got %s/%s", sess.InitialBalance, sess.CurrentBalance)
	}
	if sess.ID == "" || sess.StartedAt.IsZero() {
		t.Error("session must carry id and start time")
	}
	if positions, _ := env.store.ListPositions(context.Background(), sess.ID); len(positions) != 0 {
		t.Error("new session must have no positions")
	}
}

func TestStart_MissingChallenge(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Start(context.Background(), "user-1", "nope", false)
	if !errors.Is(err, model.ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestStart_InactiveChallenge(t *testing.T) {
	env := newTestEnv(t)
	ch, _ := env.store.GetChallenge(context.Background(), "ch-1")
	ch.Status = model.ChallengeDraft
	env.store.CreateChallenge(context.Background(), ch)

	_, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if !errors.Is(err, model.ErrInvalidChallengeState) {
		t.Fatalf("expected ErrInvalidChallengeState, got %v", err)
	}
}

func TestStart_SecondActiveSessionRejected(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.manager.Start(context.Background(), "user-1", "ch-1", false); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if !errors.Is(err, model.ErrInvalidChallengeState) {
		t.Fatalf("expected ErrInvalidChallengeState, got %v", err)
	}
}

func TestStart_ForceRestartForfeitsPrior(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := env.manager.Start(context.Background(), "user-1", "ch-1", true)
	if err != nil {
		t.Fatalf("force restart: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("restart must create a new session")
	}

	old, _ := env.store.GetSession(context.Background(), first.ID)
	if old.Status != model.SessionForfeited {
		t.Errorf("expected prior session FORFEITED, got %s", old.Status)
	}
	if old.EndedAt.IsZero() {
		t.Error("forfeited session must carry an end time")
	}
	// A forfeited session never becomes ENDED, so it can never rank.
	ended, _ := env.store.ListChallengeSessions(context.Background(), "ch-1", model.SessionEnded)
	if len(ended) != 0 {
		t.Errorf("forfeited session leaked into ENDED set: %+v", ended)
	}
}

// slowLookupStore adds a round-trip delay to the active-session lookup,
// widening the window between the existence check and the create.
type slowLookupStore struct {
	*store.MemoryStore
}

func (s *slowLookupStore) ActiveSessionFor(ctx context.Context, userID, challengeID string) (*model.Session, error) {
	time.Sleep(10 * time.Millisecond)
	return s.MemoryStore.ActiveSessionFor(ctx, userID, challengeID)
}

func TestStart_ConcurrentStartsCreateOneSession(t *testing.T) {
	env := newTestEnv(t)
	slow := &slowLookupStore{MemoryStore: env.store}
	mgr := session.NewManager(slow, env.store, locks.New(), env.pub)
	mgr.SetClock(func() time.Time { return t0 })

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.Start(context.Background(), "user-1", "ch-1", false)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, model.ErrInvalidChallengeState):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if started != 1 {
		t.Errorf("expected exactly 1 successful start, got %d", started)
	}

	active, _ := env.store.ListChallengeSessions(context.Background(), "ch-1", model.SessionActive)
	if len(active) != 1 {
		t.Fatalf("expected 1 ACTIVE session for (user, challenge), got %d", len(active))
	}
}

func TestStart_DifferentUsersIndependent(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.manager.Start(context.Background(), "user-1", "ch-1", false); err != nil {
		t.Fatalf("user-1 start: %v", err)
	}
	if _, err := env.manager.Start(context.Background(), "user-2", "ch-1", false); err != nil {
		t.Fatalf("user-2 start should not conflict: %v", err)
	}
}

// --- Close ---

func TestClose_FinalizesPnL(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	env.buy(t, sess.ID, 5) // 5 × 100 (Jan 2 open) → cash 500

	// One wall second later the session values against the Jan 3 open, 120.
	env.manager.SetClock(func() time.Time { return t0.Add(1 * time.Second) })

	result, err := env.manager.Close(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// 500 cash + 5 × 120 = 1100
	if !result.FinalValue.Equal(d(1_100)) {
		t.Errorf("expected final value 1100, got %s", result.FinalValue)
	}
	if !result.PnL.Equal(d(100)) {
		t.Errorf("expected pnl 100.00, got %s", result.PnL)
	}
	if !result.ReturnPercentage.Equal(d(10)) {
		t.Errorf("expected return 10.0000%%, got %s", result.ReturnPercentage)
	}

	stored, _ := env.store.GetSession(context.Background(), sess.ID)
	if stored.Status != model.SessionEnded {
		t.Errorf("expected ENDED, got %s", stored.Status)
	}
	if !stored.PnL.Equal(result.PnL) || !stored.ReturnPercentage.Equal(result.ReturnPercentage) {
		t.Error("stored session must carry the finalized pnl and return")
	}
}

func TestClose_RevealsInstruments(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)

	result, err := env.manager.Close(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(result.Revealed) != 1 {
		t.Fatalf("expected 1 revealed instrument, got %d", len(result.Revealed))
	}
	r := result.Revealed[0]
	if r.Key != "A" || r.ActualTicker != "AAPL" || r.HiddenName != "Company A" {
		t.Errorf("unexpected reveal: %+v", r)
	}
}

func TestClose_EmitsCompletionSignal(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)

	if _, err := env.manager.Close(context.Background(), sess.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case comp := <-env.pub.signals:
		if comp.SessionID != sess.ID || comp.ChallengeID != "ch-1" || comp.UserID != "user-1" {
			t.Errorf("unexpected completion: %+v", comp)
		}
		if comp.CompletedAt.IsZero() {
			t.Error("completion must carry a timestamp")
		}
	default:
		t.Fatal("expected a completion signal")
	}
}

func TestClose_Twice(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)

	if _, err := env.manager.Close(context.Background(), sess.ID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	_, err := env.manager.Close(context.Background(), sess.ID)
	if !errors.Is(err, model.ErrInvalidChallengeState) {
		t.Fatalf("second close: expected ErrInvalidChallengeState, got %v", err)
	}
}

func TestClose_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Close(context.Background(), "nope")
	if !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestClose_FallsBackToLatestCandle(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	env.buy(t, sess.ID, 5)

	// Jan 4 has no candle; valuation falls back to the Jan 3 close, 130.
	env.manager.SetClock(func() time.Time { return t0.Add(2 * time.Second) })

	result, err := env.manager.Close(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// 500 cash + 5 × 130 = 1150
	if !result.FinalValue.Equal(d(1_150)) {
		t.Errorf("expected final value 1150, got %s", result.FinalValue)
	}
}

// --- Portfolio ---

func TestPortfolio_Snapshot(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	env.buy(t, sess.ID, 5)

	view, err := env.manager.Portfolio(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}

	if !view.Cash.Equal(d(500)) {
		t.Errorf("expected cash 500, got %s", view.Cash)
	}
	if len(view.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(view.Positions))
	}
	p := view.Positions[0]
	// Only the masked key is visible during a session.
	if p.InstrumentKey != "A" {
		t.Errorf("expected instrument key A, got %s", p.InstrumentKey)
	}
	if !p.CurrentPrice.Equal(d(100)) {
		t.Errorf("expected current price 100, got %s", p.CurrentPrice)
	}
	if !view.TotalValue.Equal(d(1_000)) {
		t.Errorf("expected total value 1000, got %s", view.TotalValue)
	}
	if !p.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero unrealized at purchase price, got %s", p.UnrealizedPnL)
	}
}

func TestPortfolio_AfterCloseReportsFinalValue(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	env.buy(t, sess.ID, 5) // cash 500, 5 shares at 100

	env.manager.SetClock(func() time.Time { return t0.Add(1 * time.Second) })
	result, err := env.manager.Close(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	view, err := env.manager.Portfolio(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}

	if view.Status != model.SessionEnded {
		t.Errorf("expected ENDED, got %s", view.Status)
	}
	// The close already folded the position value into the balance; the
	// snapshot must not add the positions on top of it again.
	if !view.TotalValue.Equal(result.FinalValue) {
		t.Errorf("expected total %s after close, got %s", result.FinalValue, view.TotalValue)
	}
	// Position rows survive the close for reference.
	if len(view.Positions) != 1 {
		t.Fatalf("expected 1 position row, got %d", len(view.Positions))
	}
}

func TestOrders_ListsInPlacementOrder(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	env.buy(t, sess.ID, 2)
	env.buy(t, sess.ID, 3)

	orders, err := env.manager.Orders(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if !orders[0].Quantity.Equal(d(2)) || !orders[1].Quantity.Equal(d(3)) {
		t.Errorf("orders out of placement order: %+v", orders)
	}

	if _, err := env.manager.Orders(context.Background(), "nope"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

// --- Auto-close ---

func TestRunAutoClose_EndsExpiredSessions(t *testing.T) {
	env := newTestEnv(t)

	// Shrink the period to two simulated days so the session expires fast.
	ch, _ := env.store.GetChallenge(context.Background(), "ch-1")
	ch.PeriodEnd = time.Date(2023, time.January, 3, 0, 0, 0, 0, time.UTC)
	env.store.CreateChallenge(context.Background(), ch)

	sess, err := env.manager.Start(context.Background(), "user-1", "ch-1", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Five simulated days elapsed: well past the Jan 3 end.
	env.manager.SetClock(func() time.Time { return t0.Add(5 * time.Second) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.manager.RunAutoClose(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := env.store.GetSession(context.Background(), sess.ID)
		if got.Status == model.SessionEnded {
			if got.EndedAt.IsZero() {
				t.Error("auto-closed session must carry an end time")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not auto-closed before the deadline")
}
