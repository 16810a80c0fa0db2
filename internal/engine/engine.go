// Package engine validates, prices, and executes orders against the
// candle source at the session's simulated instant, writing through the
// ledger. It never retries: every failure mode is surfaced to the caller,
// and ErrPriceUnavailable is explicitly retryable with a later simulated
// time.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/clock"
	"github.com/stockquest/challenge-engine/internal/ledger"
	"github.com/stockquest/challenge-engine/internal/locks"
	"github.com/stockquest/challenge-engine/internal/metrics"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/store"
)

// Engine executes orders for active sessions. All mutating work on one
// session is serialized through the shared keyed lock; sessions never
// block each other.
type Engine struct {
	store   store.Store
	candles store.CandleSource
	locks   *locks.Keyed
	now     func() time.Time
}

// New creates an execution engine. The keyed lock must be the same
// instance the session manager uses.
func New(st store.Store, candles store.CandleSource, lk *locks.Keyed) *Engine {
	return &Engine{
		store:   st,
		candles: candles,
		locks:   lk,
		now:     time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SubmitRequest describes one order submission.
type SubmitRequest struct {
	SessionID     string
	InstrumentKey string
	Side          string // BUY or SELL
	Type          string // MARKET or LIMIT
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // required for LIMIT, forbidden for MARKET
}

// Submit validates and executes an order.
//
// The resolved price is a deterministic function of the session's
// simulated instant, never of the order. MARKET orders execute at that
// price immediately. LIMIT orders execute only when the price satisfies
// the constraint (BUY: price ≤ limit, SELL: price ≥ limit); otherwise the
// order is persisted PENDING and returned — there is no background
// matching loop, the caller re-submits.
//
// On ledger rejection the order is persisted CANCELLED and the ledger
// error returned alongside it. Portfolio state is only ever written
// together with an EXECUTED order, in one transaction.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Order, error) {
	start := e.now()

	if err := validate(req); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(req.SessionID)
	defer unlock()

	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, fmt.Errorf("%w: session %s is %s", model.ErrInvalidOrder, sess.ID, sess.Status)
	}

	ch, err := e.store.GetChallenge(ctx, sess.ChallengeID)
	if err != nil {
		return nil, err
	}
	instrument, ok := ch.Instrument(req.InstrumentKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown instrument %q", model.ErrInvalidOrder, req.InstrumentKey)
	}

	// Resolve the reference price at the simulated instant.
	instant := clock.At(ch, sess.StartedAt, e.now())
	candle, err := e.candles.Candle(ctx, instrument.ActualTicker, instant.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s", model.ErrPriceUnavailable,
			req.InstrumentKey, instant.Date.Format("2006-01-02"))
	}
	price := clock.RefPrice(candle, instant.DayFraction)

	order := &model.Order{
		ID:            uuid.New().String(),
		SessionID:     req.SessionID,
		InstrumentKey: req.InstrumentKey,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        model.OrderPending,
		PlacedAt:      e.now().UTC(),
	}

	if req.Type == model.OrderLimit && !limitMet(req.Side, price, req.LimitPrice) {
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return nil, err
		}
		metrics.OrdersTotal.WithLabelValues(order.Side, order.Status).Inc()
		return order, nil
	}

	pos, err := e.store.GetPosition(ctx, req.SessionID, req.InstrumentKey)
	if err != nil {
		return nil, err
	}

	exec, err := ledger.Apply(sess, pos, req.Side, req.Quantity, price)
	if err != nil {
		// Caller-correctable rejection: record the cancelled order, leave
		// the portfolio untouched, surface the specific error.
		order.Status = model.OrderCancelled
		if saveErr := e.store.SaveOrder(ctx, order); saveErr != nil {
			return nil, saveErr
		}
		metrics.OrdersTotal.WithLabelValues(order.Side, order.Status).Inc()
		return order, err
	}

	order.Status = model.OrderExecuted
	order.ExecutedPrice = price
	order.ExecutedAt = e.now().UTC()
	sess.CurrentBalance = exec.NewBalance

	if err := e.store.SaveExecution(ctx, sess, order, &exec.Position); err != nil {
		return nil, fmt.Errorf("commit execution: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(order.Side, order.Status).Inc()
	metrics.OrderLatency.WithLabelValues(order.Side).Observe(time.Since(start).Seconds())

	return order, nil
}

func validate(req SubmitRequest) error {
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidOrder)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidOrder)
	}
	switch req.Type {
	case model.OrderMarket:
		if !req.LimitPrice.IsZero() {
			return fmt.Errorf("%w: market orders take no limit price", model.ErrInvalidOrder)
		}
	case model.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit orders need a positive limit price", model.ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: type must be MARKET or LIMIT", model.ErrInvalidOrder)
	}
	return nil
}

func limitMet(side string, price, limit decimal.Decimal) bool {
	if side == model.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}
