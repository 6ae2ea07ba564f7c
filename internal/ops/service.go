// Package ops provides the operator-facing HTTP surface: engine status,
// open positions, breaker control, and the recent risk-event audit trail.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/breaker"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/orchestrator"
	"github.com/atmx/trade-engine/internal/position"
	"github.com/atmx/trade-engine/internal/store"
)

// EngineStats exposes per-symbol session activity. The orchestrator
// implements it.
type EngineStats interface {
	SessionStats() map[string]orchestrator.SymbolStats
}

// Service handles operator requests. Read-only except for breaker control.
type Service struct {
	tracker *position.Tracker
	br      *breaker.Breaker
	ledger  store.Ledger
	stats   EngineStats
	symbols []string
	started time.Time
}

// NewService creates the ops service.
func NewService(tracker *position.Tracker, br *breaker.Breaker, ledger store.Ledger, stats EngineStats, symbols []string) *Service {
	return &Service{
		tracker: tracker,
		br:      br,
		ledger:  ledger,
		stats:   stats,
		symbols: symbols,
		started: time.Now(),
	}
}

// Routes mounts the ops endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/status", s.GetStatus)
	r.Get("/positions", s.GetPositions)
	r.Get("/breaker", s.GetBreaker)
	r.Post("/breaker/trip", s.TripBreaker)
	r.Post("/breaker/reset", s.ResetBreaker)
	r.Get("/events", s.GetEvents)
}

// StatusResponse is the JSON body for GET /status.
type StatusResponse struct {
	Symbols          []string           `json:"symbols"`
	UptimeSeconds    int64              `json:"uptime_seconds"`
	PortfolioValue   decimal.Decimal    `json:"portfolio_value"`
	DailyRealizedPnL decimal.Decimal    `json:"daily_realized_pnl"`
	OpenPositions    int                `json:"open_positions"`
	BreakerState     model.BreakerState `json:"breaker_state"`

	Session map[string]orchestrator.SymbolStats `json:"session"`
}

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Symbols:          s.symbols,
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		PortfolioValue:   s.tracker.PortfolioValue(),
		DailyRealizedPnL: s.tracker.DailyRealizedPnL(),
		OpenPositions:    s.tracker.OpenCount(),
		BreakerState:     s.br.State(),
		Session:          map[string]orchestrator.SymbolStats{},
	}
	if s.stats != nil {
		resp.Session = s.stats.SessionStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPositions handles GET /api/v1/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.tracker.Open()
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetBreaker handles GET /api/v1/breaker
func (s *Service) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.br.Status())
}

// TripRequest is the JSON body for POST /breaker/trip.
type TripRequest struct {
	Reason string `json:"reason"`
}

// TripBreaker handles POST /api/v1/breaker/trip
func (s *Service) TripBreaker(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.br.ManualTrip(req.Reason)
	slog.Info("breaker tripped by operator", "reason", req.Reason)
	writeJSON(w, http.StatusOK, s.br.Status())
}

// ResetBreaker handles POST /api/v1/breaker/reset
func (s *Service) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	s.br.ManualReset()
	slog.Info("breaker reset by operator")
	writeJSON(w, http.StatusOK, s.br.Status())
}

// GetEvents handles GET /api/v1/events?limit=N
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.ledger.RecentRiskEvents(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
