package model

import "errors"

// Error taxonomy shared by the ledger, engine, session manager, and API.
// Callers match with errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidOrder covers bad quantity, unknown instrument key, a
	// missing or forbidden limit price, or an order against a session
	// that is not ACTIVE.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientFunds is returned when a BUY would push cash negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientPosition is returned when a SELL exceeds the held quantity.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrInvalidChallengeState marks an illegal lifecycle transition:
	// starting a non-active challenge, starting over an ACTIVE session
	// without forceRestart, or closing a session twice.
	ErrInvalidChallengeState = errors.New("invalid challenge state")

	ErrSessionNotFound   = errors.New("session not found")
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrPriceUnavailable means no candle exists for the simulated date.
	// Retryable: the caller may re-submit at a later simulated time.
	ErrPriceUnavailable = errors.New("price unavailable")
)
