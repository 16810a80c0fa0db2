// Package ledger owns a session's portfolio accounting: cash, positions,
// and realized/unrealized P&L. It is purely computational — callers commit
// the returned values atomically with the originating order
// (store.Store.SaveExecution), so a rejected execution mutates nothing.
//
// Currency rounds to 2 decimals, average cost to 4, both half-up.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/model"
)

// Execution is the result of applying one fill to a session's portfolio.
type Execution struct {
	NewBalance decimal.Decimal
	// Position is the instrument's post-trade state. Zero quantity means
	// the row is to be removed (average cost reset).
	Position model.Position
}

// Apply validates and computes the effect of a fill on the given session
// and position. pos may be nil when the session holds no row for the
// instrument. Nothing is mutated; on error the portfolio is untouched.
//
// BUY requires cash ≥ qty×price and recomputes the average cost as the
// weighted average of the old lot and the new fill. SELL requires
// qty ≤ held quantity, realizes qty×(price − averageCost), and drops the
// row when the quantity reaches zero.
func Apply(sess *model.Session, pos *model.Position, side string, qty, price decimal.Decimal) (Execution, error) {
	if !qty.IsPositive() {
		return Execution{}, fmt.Errorf("%w: quantity must be positive", model.ErrInvalidOrder)
	}
	if !price.IsPositive() {
		return Execution{}, fmt.Errorf("%w: price must be positive", model.ErrInvalidOrder)
	}

	gross := qty.Mul(price).Round(2)

	switch side {
	case model.SideBuy:
		if sess.CurrentBalance.LessThan(gross) {
			return Execution{}, fmt.Errorf("%w: need %s, have %s",
				model.ErrInsufficientFunds, gross, sess.CurrentBalance)
		}

		p := positionOrEmpty(sess.ID, pos)
		oldCost := p.Quantity.Mul(p.AverageCost)
		newQty := p.Quantity.Add(qty)
		p.AverageCost = oldCost.Add(gross).Div(newQty).Round(4)
		p.Quantity = newQty

		return Execution{
			NewBalance: sess.CurrentBalance.Sub(gross),
			Position:   p,
		}, nil

	case model.SideSell:
		if pos == nil || pos.Quantity.LessThan(qty) {
			held := decimal.Zero
			if pos != nil {
				held = pos.Quantity
			}
			return Execution{}, fmt.Errorf("%w: selling %s, holding %s",
				model.ErrInsufficientPosition, qty, held)
		}

		p := *pos
		p.RealizedPnL = p.RealizedPnL.Add(qty.Mul(price.Sub(p.AverageCost)).Round(2))
		p.Quantity = p.Quantity.Sub(qty)
		if p.Quantity.IsZero() {
			p.AverageCost = decimal.Zero
		}

		return Execution{
			NewBalance: sess.CurrentBalance.Add(gross),
			Position:   p,
		}, nil

	default:
		return Execution{}, fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidOrder)
	}
}

func positionOrEmpty(sessionID string, pos *model.Position) model.Position {
	if pos != nil {
		return *pos
	}
	return model.Position{
		SessionID:   sessionID,
		Quantity:    decimal.Zero,
		AverageCost: decimal.Zero,
		RealizedPnL: decimal.Zero,
	}
}

// PriceLookup resolves the current price of an instrument key.
type PriceLookup func(instrumentKey string) (decimal.Decimal, error)

// TotalValue is cash plus the mark-to-market value of every position.
func TotalValue(cash decimal.Decimal, positions []model.Position, priceOf PriceLookup) (decimal.Decimal, error) {
	total := cash
	for _, p := range positions {
		price, err := priceOf(p.InstrumentKey)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(p.Quantity.Mul(price))
	}
	return total.Round(2), nil
}

// Unrealized is the mark-to-market gain of one position at a price.
func Unrealized(p *model.Position, price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price.Sub(p.AverageCost)).Round(2)
}
