package clock_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/clock"
	"github.com/stockquest/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func day(yyyy int, mm time.Month, dd int) time.Time {
	return time.Date(yyyy, mm, dd, 0, 0, 0, 0, time.UTC)
}

// challenge over Jan 2–31 2023. speed 86400 makes one wall second one
// simulated day, which keeps the arithmetic legible.
func challenge(speed int) *model.Challenge {
	return &model.Challenge{
		ID:          "ch-1",
		Status:      model.ChallengeActive,
		PeriodStart: day(2023, time.January, 2),
		PeriodEnd:   day(2023, time.January, 31),
		SpeedFactor: speed,
	}
}

func TestAt_StartOfPeriod(t *testing.T) {
	ch := challenge(86400)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	in := clock.At(ch, t0, t0)
	if !in.Date.Equal(day(2023, time.January, 2)) {
		t.Errorf("expected Jan 2, got %s", in.Date)
	}
	if !in.DayFraction.IsZero() {
		t.Errorf("expected fraction 0, got %s", in.DayFraction)
	}
}

func TestAt_AdvancesWholeDays(t *testing.T) {
	ch := challenge(86400)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	in := clock.At(ch, t0, t0.Add(3*time.Second))
	if !in.Date.Equal(day(2023, time.January, 5)) {
		t.Errorf("expected Jan 5 after 3 simulated days, got %s", in.Date)
	}
	if !in.DayFraction.IsZero() {
		t.Errorf("expected fraction 0, got %s", in.DayFraction)
	}
}

func TestAt_IntradayFraction(t *testing.T) {
	// speed 43200: one wall second is half a simulated day.
	ch := challenge(43200)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	in := clock.At(ch, t0, t0.Add(3*time.Second))
	if !in.Date.Equal(day(2023, time.January, 3)) {
		t.Errorf("expected Jan 3, got %s", in.Date)
	}
	if !in.DayFraction.Equal(d(0.5)) {
		t.Errorf("expected fraction 0.5, got %s", in.DayFraction)
	}
}

func TestAt_ClampsToPeriodEnd(t *testing.T) {
	ch := challenge(86400)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	// 90 simulated days, far past Jan 31.
	in := clock.At(ch, t0, t0.Add(90*time.Second))
	if !in.Date.Equal(day(2023, time.January, 31)) {
		t.Errorf("expected clamp to Jan 31, got %s", in.Date)
	}
	if !in.DayFraction.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected fraction 1 at clamp, got %s", in.DayFraction)
	}
}

func TestAt_ClockSkewBeforeStart(t *testing.T) {
	ch := challenge(86400)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	in := clock.At(ch, t0, t0.Add(-5*time.Second))
	if !in.Date.Equal(day(2023, time.January, 2)) {
		t.Errorf("negative elapsed should pin to period start, got %s", in.Date)
	}
}

func TestAt_SpeedFactorFloorsAtOne(t *testing.T) {
	ch := challenge(0)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	in := clock.At(ch, t0, t0.Add(time.Hour))
	if !in.Date.Equal(day(2023, time.January, 2)) {
		t.Errorf("speed 0 should behave as 1, got %s", in.Date)
	}
}

func TestExpired(t *testing.T) {
	// Two-day period: Jan 2 and Jan 3.
	ch := challenge(86400)
	ch.PeriodEnd = day(2023, time.January, 3)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	if clock.Expired(ch, t0, t0.Add(1*time.Second)) {
		t.Error("Jan 3 is within the period, not expired")
	}
	if !clock.Expired(ch, t0, t0.Add(2*time.Second)) {
		t.Error("Jan 4 is past the period, should be expired")
	}
	if clock.Expired(ch, t0, t0.Add(-1*time.Second)) {
		t.Error("negative elapsed should never be expired")
	}
}

func TestRefPrice_LinearInterpolation(t *testing.T) {
	c := &model.Candle{Open: d(100), High: d(112), Low: d(99), Close: d(110)}

	if got := clock.RefPrice(c, decimal.Zero); !got.Equal(d(100)) {
		t.Errorf("fraction 0 should be the open, got %s", got)
	}
	if got := clock.RefPrice(c, decimal.NewFromInt(1)); !got.Equal(d(110)) {
		t.Errorf("fraction 1 should be the close, got %s", got)
	}
	if got := clock.RefPrice(c, d(0.5)); !got.Equal(d(105)) {
		t.Errorf("fraction 0.5 should be the midpoint 105, got %s", got)
	}
}

func TestRefPrice_RoundsToCents(t *testing.T) {
	c := &model.Candle{Open: d(100), High: d(101), Low: d(99), Close: d(100.01)}

	// 100 + 0.01 × 1/3 = 100.0033… → 100.00
	got := clock.RefPrice(c, decimal.NewFromInt(1).Div(decimal.NewFromInt(3)))
	if !got.Equal(d(100)) {
		t.Errorf("expected 100.00, got %s", got)
	}
}

func TestRefPrice_ClampsFraction(t *testing.T) {
	c := &model.Candle{Open: d(100), High: d(112), Low: d(99), Close: d(110)}

	if got := clock.RefPrice(c, d(1.5)); !got.Equal(d(110)) {
		t.Errorf("fraction above 1 should clamp to the close, got %s", got)
	}
	if got := clock.RefPrice(c, d(-0.5)); !got.Equal(d(100)) {
		t.Errorf("fraction below 0 should clamp to the open, got %s", got)
	}
}

func TestAt_Deterministic(t *testing.T) {
	ch := challenge(43200)
	t0 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(7 * time.Second)

	a := clock.At(ch, t0, now)
	b := clock.At(ch, t0, now)
	if !a.Date.Equal(b.Date) || !a.DayFraction.Equal(b.DayFraction) {
		t.Errorf("same inputs produced different instants: %+v vs %+v", a, b)
	}
}
