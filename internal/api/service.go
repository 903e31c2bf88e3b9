// Package api provides the HTTP handlers for submitting candidate trades,
// reporting outcomes, and inspecting or overriding control-plane state.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/audit"
	"github.com/atmx/control-plane/internal/controlplane"
	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/risk"
)

// OperatorHeader carries the identity recorded on administrative overrides.
const OperatorHeader = "X-Operator"

// BreakerStates reports infrastructure breaker states.
type BreakerStates interface {
	States() map[model.InfraClass]string
}

// Service exposes a control-plane Facade over HTTP.
type Service struct {
	cp       *controlplane.Facade
	breakers BreakerStates // optional
}

// NewService creates the HTTP service. Pass nil for breakers if the
// executor is not guarded.
func NewService(cp *controlplane.Facade, breakers BreakerStates) *Service {
	return &Service{cp: cp, breakers: breakers}
}

// Register mounts every /api/v1 route except the WebSocket endpoint.
func (s *Service) Register(r chi.Router) {
	r.Post("/trades", s.SubmitTrade)
	r.Post("/trades/outcome", s.RecordTradeOutcome)
	r.Post("/executions/outcome", s.RecordExecutionOutcome)

	r.Get("/accounts", s.ListAccounts)
	r.Get("/accounts/isolation", s.GetIsolationReport)
	r.Get("/accounts/{account}", s.GetAccount)
	r.Post("/accounts/{account}/reset", s.ResetAccount)

	r.Get("/risk", s.ListRisk)
	r.Get("/risk/{tier}", s.GetRisk)
	r.Put("/risk/{tier}/capital", s.UpdateCapital)
	r.Post("/risk/{tier}/kill-switch", s.ActivateKillSwitch)
	r.Delete("/risk/{tier}/kill-switch", s.DeactivateKillSwitch)

	r.Get("/execution/stats", s.GetExecutionStats)
	r.Get("/execution/queues", s.GetQueues)
	r.Delete("/execution/queues", s.ClearQueues)
	r.Delete("/execution/requests/{requestID}", s.CancelRequest)
	r.Get("/execution/infrastructure", s.GetInfrastructure)

	r.Get("/audit", s.ListAudit)
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	Account       string            `json:"account"` // kind:owner:broker
	Tier          string            `json:"tier"`
	TradeSizeUSD  decimal.Decimal   `json:"trade_size_usd"`
	OpenPositions int               `json:"open_positions"`
	Volatility    float64           `json:"volatility"`
	OrderID       string            `json:"order_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          string            `json:"side"` // "BUY" or "SELL"
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TradeOutcomeRequest is the JSON body for POST /trades/outcome.
type TradeOutcomeRequest struct {
	Tier          string          `json:"tier"`
	PnlDelta      decimal.Decimal `json:"pnl_delta"`
	IsWin         bool            `json:"is_win"`
	DrawdownPct   float64         `json:"drawdown_pct"`
	VolatilityPct float64         `json:"volatility_pct"`
}

// ExecutionOutcomeRequest is the JSON body for POST /executions/outcome.
type ExecutionOutcomeRequest struct {
	Account     string  `json:"account"`
	Tier        string  `json:"tier"`
	Success     bool    `json:"success"`
	LatencyMs   float64 `json:"latency_ms"`
	Error       string  `json:"error,omitempty"`
	FailureType string  `json:"failure_type,omitempty"` // e.g. "network_error"; classified from Error if empty
}

// CapitalRequest is the JSON body for PUT /risk/{tier}/capital.
type CapitalRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// OverrideRequest is the optional JSON body of administrative overrides.
type OverrideRequest struct {
	Reason string `json:"reason"`
}

// --- Trade path ---

// SubmitTrade handles POST /api/v1/trades.
// Policy rejections are returned with 200 and approved=false.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseAccountKey(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.TradeSizeUSD.IsPositive() {
		writeError(w, "trade_size_usd must be positive", http.StatusBadRequest)
		return
	}

	dec := s.cp.Submit(controlplane.Candidate{
		Account:       key,
		Tier:          tier,
		TradeSizeUSD:  req.TradeSizeUSD,
		OpenPositions: req.OpenPositions,
		Volatility:    req.Volatility,
		Order: model.Order{
			ID:       req.OrderID,
			Symbol:   req.Symbol,
			Side:     req.Side,
			SizeUSD:  req.TradeSizeUSD,
			Metadata: req.Metadata,
		},
	})
	if dec.Stage == controlplane.StageInput {
		writeError(w, dec.Reason, http.StatusBadRequest)
		return
	}

	slog.Info("trade decision",
		"account", key.String(),
		"tier", tier,
		"size", req.TradeSizeUSD.String(),
		"approved", dec.Approved,
		"stage", dec.Stage,
		"reason", dec.Reason,
	)
	writeJSON(w, http.StatusOK, dec)
}

// RecordTradeOutcome handles POST /api/v1/trades/outcome.
func (s *Service) RecordTradeOutcome(w http.ResponseWriter, r *http.Request) {
	var req TradeOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.cp.RecordTradeResult(controlplane.TradeOutcome{
		Tier:          tier,
		PnlDelta:      req.PnlDelta,
		IsWin:         req.IsWin,
		DrawdownPct:   req.DrawdownPct,
		VolatilityPct: req.VolatilityPct,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	st, _ := s.cp.RiskStatus(tier)
	writeJSON(w, http.StatusOK, st)
}

// RecordExecutionOutcome handles POST /api/v1/executions/outcome for
// executions performed outside the dispatch workers.
func (s *Service) RecordExecutionOutcome(w http.ResponseWriter, r *http.Request) {
	var req ExecutionOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := model.ParseAccountKey(req.Account)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var execErr error
	if !req.Success && (req.Error != "" || req.FailureType != "") {
		execErr = errors.New(req.Error)
		if req.FailureType != "" {
			execErr = &health.BrokerError{Type: model.ParseFailureType(req.FailureType), Err: execErr}
		}
	}
	s.cp.RecordOutcome(key, tier, req.Success, req.LatencyMs, execErr)

	snap, _ := s.cp.AccountStatus(key)
	writeJSON(w, http.StatusOK, snap)
}

// --- Accounts ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cp.AccountStatuses())
}

// GetIsolationReport handles GET /api/v1/accounts/isolation
func (s *Service) GetIsolationReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cp.IsolationReport())
}

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseAccountKey(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, ok := s.cp.AccountStatus(key)
	if !ok {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ResetAccount handles POST /api/v1/accounts/{account}/reset
func (s *Service) ResetAccount(w http.ResponseWriter, r *http.Request) {
	operator, ok := requireOperator(w, r)
	if !ok {
		return
	}
	key, err := model.ParseAccountKey(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.cp.ResetAccount(r.Context(), key, operator, readReason(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Risk ---

// ListRisk handles GET /api/v1/risk
func (s *Service) ListRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cp.RiskStatuses())
}

// GetRisk handles GET /api/v1/risk/{tier}
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	tier, ok := tierParam(w, r)
	if !ok {
		return
	}
	st, err := s.cp.RiskStatus(tier)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateCapital handles PUT /api/v1/risk/{tier}/capital
func (s *Service) UpdateCapital(w http.ResponseWriter, r *http.Request) {
	tier, ok := tierParam(w, r)
	if !ok {
		return
	}
	var req CapitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cp.UpdateCapital(tier, req.Balance); err != nil {
		writeErr(w, err)
		return
	}
	st, _ := s.cp.RiskStatus(tier)
	writeJSON(w, http.StatusOK, st)
}

// ActivateKillSwitch handles POST /api/v1/risk/{tier}/kill-switch
func (s *Service) ActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	operator, ok := requireOperator(w, r)
	if !ok {
		return
	}
	tier, ok := tierParam(w, r)
	if !ok {
		return
	}
	changed, err := s.cp.ActivateKillSwitch(r.Context(), tier, operator, readReason(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.writeKillSwitch(w, tier, changed)
}

// DeactivateKillSwitch handles DELETE /api/v1/risk/{tier}/kill-switch
func (s *Service) DeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	operator, ok := requireOperator(w, r)
	if !ok {
		return
	}
	tier, ok := tierParam(w, r)
	if !ok {
		return
	}
	changed, err := s.cp.DeactivateKillSwitch(r.Context(), tier, operator, readReason(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.writeKillSwitch(w, tier, changed)
}

func (s *Service) writeKillSwitch(w http.ResponseWriter, tier model.Tier, changed bool) {
	st, _ := s.cp.RiskStatus(tier)
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":    tier,
		"changed": changed,
		"active":  st.KillSwitchActive,
		"reason":  st.KillSwitchReason,
	})
}

// --- Execution ---

// GetExecutionStats handles GET /api/v1/execution/stats
func (s *Service) GetExecutionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cp.ExecutionStats())
}

// GetQueues handles GET /api/v1/execution/queues
func (s *Service) GetQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cp.QueueStatus())
}

// ClearQueues handles DELETE /api/v1/execution/queues
func (s *Service) ClearQueues(w http.ResponseWriter, r *http.Request) {
	operator, ok := requireOperator(w, r)
	if !ok {
		return
	}
	n, err := s.cp.ClearQueues(r.Context(), operator, readReason(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"dropped": n})
}

// CancelRequest handles DELETE /api/v1/execution/requests/{requestID}
func (s *Service) CancelRequest(w http.ResponseWriter, r *http.Request) {
	if !s.cp.Cancel(chi.URLParam(r, "requestID")) {
		writeError(w, "request not queued", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetInfrastructure handles GET /api/v1/execution/infrastructure
func (s *Service) GetInfrastructure(w http.ResponseWriter, r *http.Request) {
	states := map[model.InfraClass]string{}
	if s.breakers != nil {
		states = s.breakers.States()
	}
	writeJSON(w, http.StatusOK, states)
}

// --- Audit ---

// ListAudit handles GET /api/v1/audit
// Optional query parameters: ?target=<target>&limit=<n>.
func (s *Service) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.cp.AuditLog(r.Context(), r.URL.Query().Get("target"), limit)
	if err != nil {
		writeError(w, "failed to load audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func requireOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	op := r.Header.Get(OperatorHeader)
	if op == "" {
		writeError(w, OperatorHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	return op, true
}

func tierParam(w http.ResponseWriter, r *http.Request) (model.Tier, bool) {
	tier, err := model.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return tier, true
}

// readReason reads an optional OverrideRequest body.
func readReason(r *http.Request) string {
	var req OverrideRequest
	if r.Body == nil {
		return ""
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Reason
}

// writeErr maps control-plane errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controlplane.ErrTierNotConfigured):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrUnknownTier),
		errors.Is(err, model.ErrInvalidAccountKey),
		errors.Is(err, model.ErrUnknownOwnerKind),
		errors.Is(err, risk.ErrNegativeCapital),
		errors.Is(err, audit.ErrMissingOperator):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
