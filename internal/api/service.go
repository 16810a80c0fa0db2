// Package api exposes the engine's operations over HTTP: start session,
// submit order, portfolio and order queries, close session, and
// leaderboard reads/recomputes. Transport only — every rule lives in the
// session, engine, and leaderboard packages.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockquest/challenge-engine/internal/engine"
	"github.com/stockquest/challenge-engine/internal/leaderboard"
	"github.com/stockquest/challenge-engine/internal/model"
	"github.com/stockquest/challenge-engine/internal/session"
)

// Service wires the core components to HTTP handlers.
type Service struct {
	sessions *session.Manager
	engine   *engine.Engine
	board    *leaderboard.Calculator
	hub      *WSHub // optional; nil disables broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(sm *session.Manager, en *engine.Engine, lb *leaderboard.Calculator, hub *WSHub) *Service {
	return &Service{
		sessions: sm,
		engine:   en,
		board:    lb,
		hub:      hub,
	}
}

// Routes registers all API endpoints on the router. Shared between the
// server binary and handler tests.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sessions", s.StartSession)
	r.Post("/sessions/{sessionID}/orders", s.SubmitOrder)
	r.Get("/sessions/{sessionID}/orders", s.GetOrders)
	r.Get("/sessions/{sessionID}/portfolio", s.GetPortfolio)
	r.Post("/sessions/{sessionID}/close", s.CloseSession)
	r.Get("/challenges/{challengeID}/leaderboard", s.GetLeaderboard)
	r.Post("/challenges/{challengeID}/leaderboard", s.RecomputeLeaderboard)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request types ---

// StartSessionRequest is the JSON body for POST /sessions.
type StartSessionRequest struct {
	UserID       string `json:"user_id"`
	ChallengeID  string `json:"challenge_id"`
	ForceRestart bool   `json:"force_restart"`
}

// SubmitOrderRequest is the JSON body for POST /sessions/{id}/orders.
type SubmitOrderRequest struct {
	InstrumentKey string          `json:"instrument_key"`
	Side          string          `json:"side"`                  // "BUY" or "SELL"
	Type          string          `json:"type"`                  // "MARKET" or "LIMIT"
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"` // LIMIT only
}

// --- Handlers ---

// StartSession handles POST /api/v1/sessions
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ChallengeID == "" {
		writeError(w, "user_id and challenge_id are required", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Start(r.Context(), req.UserID, req.ChallengeID, req.ForceRestart)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// SubmitOrder handles POST /api/v1/sessions/{sessionID}/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		SessionID:     sessionID,
		InstrumentKey: req.InstrumentKey,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		// A cancelled order is still reported so the caller sees both
		// the rejection and the order it produced.
		if order != nil {
			writeJSONError(w, err.Error(), statusFor(err), order)
			return
		}
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.hub != nil && order.Status == model.OrderExecuted {
		s.hub.Broadcast(WSMessage{
			Type:          "order_executed",
			SessionID:     order.SessionID,
			InstrumentKey: order.InstrumentKey,
			Side:          order.Side,
			Quantity:      order.Quantity.String(),
			Price:         order.ExecutedPrice.String(),
		})
	}

	writeJSON(w, http.StatusOK, order)
}

// GetOrders handles GET /api/v1/sessions/{sessionID}/orders
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	orders, err := s.sessions.Orders(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	writeJSON(w, http.StatusOK, orders)
}

// GetPortfolio handles GET /api/v1/sessions/{sessionID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	view, err := s.sessions.Portfolio(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// CloseSession handles POST /api/v1/sessions/{sessionID}/close
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	result, err := s.sessions.Close(r.Context(), sessionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "session_closed",
			SessionID: result.SessionID,
			Price:     result.FinalValue.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// GetLeaderboard handles GET /api/v1/challenges/{challengeID}/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	entries, err := s.board.Leaderboard(r.Context(), challengeID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// RecomputeLeaderboard handles POST /api/v1/challenges/{challengeID}/leaderboard
// Manual redelivery path for when a completion signal was dropped.
func (s *Service) RecomputeLeaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")

	entries, err := s.board.Recompute(r.Context(), challengeID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{Type: "leaderboard_updated", ChallengeID: challengeID})
	}

	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

// statusFor maps the engine's error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidChallengeState),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientPosition):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable // retryable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeJSONError writes an error plus the order it produced (e.g. a
// CANCELLED order after a ledger rejection).
func writeJSONError(w http.ResponseWriter, message string, status int, order *model.Order) {
	writeJSON(w, status, map[string]any{"error": message, "order": order})
}
