package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func jan(day int) time.Time {
	return time.Date(2023, time.January, day, 0, 0, 0, 0, time.UTC)
}

func TestMemoryStore_LatestCandleOnFallsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.AddCandles(
		model.Candle{Ticker: "AAPL", Date: jan(2), Open: d(100), High: d(101), Low: d(99), Close: d(100.5)},
		model.Candle{Ticker: "AAPL", Date: jan(3), Open: d(102), High: d(103), Low: d(101), Close: d(102.5)},
	)

	// Jan 4 has no candle: the Jan 3 candle is the latest available.
	c, err := ms.LatestCandleOn(context.Background(), "AAPL", jan(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Date.Equal(jan(3)) {
		t.Errorf("expected Jan 3 candle, got %s", c.Date)
	}

	// Exact match wins when present.
	c, err = ms.LatestCandleOn(context.Background(), "AAPL", jan(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Date.Equal(jan(2)) {
		t.Errorf("expected Jan 2 candle, got %s", c.Date)
	}

	// Nothing on or before Jan 1.
	if _, err := ms.LatestCandleOn(context.Background(), "AAPL", jan(1)); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestMemoryStore_CandleRequiresExactDay(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.AddCandles(model.Candle{Ticker: "AAPL", Date: jan(2), Open: d(100), High: d(101), Low: d(99), Close: d(100.5)})

	if _, err := ms.Candle(context.Background(), "AAPL", jan(3)); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable for a missing day, got %v", err)
	}
	// A mid-day timestamp still matches its calendar day.
	c, err := ms.Candle(context.Background(), "AAPL", jan(2).Add(15*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Open.Equal(d(100)) {
		t.Errorf("unexpected candle: %+v", c)
	}
}

func TestMemoryStore_SaveExecutionRemovesZeroQuantityPosition(t *testing.T) {
	ms := store.NewMemoryStore()
	sess := &model.Session{ID: "sess-1", Status: model.SessionActive, CurrentBalance: d(1_000)}
	order := &model.Order{ID: "ord-1", SessionID: "sess-1", Status: model.OrderExecuted}

	err := ms.SaveExecution(context.Background(), sess, order,
		&model.Position{SessionID: "sess-1", InstrumentKey: "A", Quantity: d(5), AverageCost: d(100)})
	if err != nil {
		t.Fatalf("save execution: %v", err)
	}
	if pos, _ := ms.GetPosition(context.Background(), "sess-1", "A"); pos == nil {
		t.Fatal("expected a position row after the buy")
	}

	// Selling down to zero removes the row.
	err = ms.SaveExecution(context.Background(), sess, order,
		&model.Position{SessionID: "sess-1", InstrumentKey: "A", Quantity: decimal.Zero})
	if err != nil {
		t.Fatalf("save execution: %v", err)
	}
	if pos, _ := ms.GetPosition(context.Background(), "sess-1", "A"); pos != nil {
		t.Errorf("expected zero-quantity row removed, got %+v", pos)
	}
	if positions, _ := ms.ListPositions(context.Background(), "sess-1"); len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}
}
