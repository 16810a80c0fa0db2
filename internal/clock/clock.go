// Package clock maps wall-clock time onto a challenge's simulated trading
// period and derives the deterministic reference price a session sees.
//
// A session that started at wall time t0 with speed factor k has lived
// (now − t0) × k of simulated time. Whole simulated days advance the date
// through the challenge period; the remainder is the intraday fraction.
// Both are pure functions of (challenge, startedAt, now), so every price
// the engine resolves is reproducible.
package clock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
)

const secondsPerDay = 86400

// Instant is a position on the simulated timeline: the trading date plus
// the fraction of that day already elapsed, in [0, 1].
type Instant struct {
	Date        time.Time
	DayFraction decimal.Decimal
}

// At returns the simulated instant for a session of the given challenge,
// clamped to the challenge's trading period. Once the simulated time runs
// past the period end, the instant pins to the final day at fraction 1,
// so late reads still price against the last candle.
func At(ch *model.Challenge, startedAt, now time.Time) Instant {
	speed := ch.SpeedFactor
	if speed < 1 {
		speed = 1
	}

	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	simSeconds := int64(elapsed.Seconds()) * int64(speed)

	days := int(simSeconds / secondsPerDay)
	rem := simSeconds % secondsPerDay

	date := dateOnly(ch.PeriodStart).AddDate(0, 0, days)
	end := dateOnly(ch.PeriodEnd)
	if date.After(end) {
		return Instant{Date: end, DayFraction: decimal.NewFromInt(1)}
	}

	frac := decimal.NewFromInt(rem).Div(decimal.NewFromInt(secondsPerDay))
	return Instant{Date: date, DayFraction: frac}
}

// Expired reports whether the session's simulated time has run past the
// challenge's final trading day.
func Expired(ch *model.Challenge, startedAt, now time.Time) bool {
	speed := ch.SpeedFactor
	if speed < 1 {
		speed = 1
	}
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		return false
	}
	simSeconds := int64(elapsed.Seconds()) * int64(speed)
	days := int(simSeconds / secondsPerDay)

	date := dateOnly(ch.PeriodStart).AddDate(0, 0, days)
	return date.After(dateOnly(ch.PeriodEnd))
}

// RefPrice is the session-visible price of a candle at an intraday
// fraction: open at the start of the day, close at its end, linear in
// between, rounded to 2 decimals half-up. Deterministic in the instant,
// never in the order.
func RefPrice(c *model.Candle, dayFraction decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dayFraction.LessThan(decimal.Zero) {
		dayFraction = decimal.Zero
	}
	if dayFraction.GreaterThan(one) {
		dayFraction = one
	}
	return c.Open.Add(c.Close.Sub(c.Open).Mul(dayFraction)).Round(2)
}

// dateOnly truncates to midnight UTC so day arithmetic ignores the
// time-of-day component of stored period bounds.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
