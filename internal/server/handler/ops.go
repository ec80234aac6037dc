package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/legsafe/internal/assignment"
	"github.com/alanyoungcy/legsafe/internal/breaker"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/reconcile"
)

// QueueStats reports queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// Breaker is the operator surface of the circuit breaker.
type Breaker interface {
	Status() breaker.Status
	Reset(ctx context.Context, reason string)
}

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// Halts lists and lifts symbol halts.
type Halts interface {
	HaltedSymbols() map[string]string
	Resume(ctx context.Context, symbol string) bool
}

// AssignmentOverview lists positions the assignment monitor is tracking.
type AssignmentOverview interface {
	States() map[string]assignment.State
}

// OpsHandler serves the safety-layer status and control endpoints.
type OpsHandler struct {
	queue      QueueStats
	breaker    Breaker
	reconciler Reconciler
	halts      Halts
	monitor    AssignmentOverview
	logger     *slog.Logger
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(q QueueStats, b Breaker, rec Reconciler, halts Halts, monitor AssignmentOverview, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		queue:      q,
		breaker:    b,
		reconciler: rec,
		halts:      halts,
		monitor:    monitor,
		logger:     logger,
	}
}

// QueueStats returns counts by status.
// GET /api/queue/stats
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: queue stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// BreakerStatus returns the breaker state.
// GET /api/breaker
func (h *OpsHandler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.Status())
}

// ResetBreaker forces the breaker closed.
// POST /api/breaker/reset?reason=...
func (h *OpsHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator reset"
	}
	h.breaker.Reset(r.Context(), reason)
	h.logger.WarnContext(r.Context(), "handler: breaker reset", slog.String("reason", reason))
	writeJSON(w, http.StatusOK, h.breaker.Status())
}

// Reconcile runs a reconciliation pass and returns its report.
// POST /api/reconcile
func (h *OpsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reconciler.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconcile failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListHalts returns halted symbols and their reasons.
// GET /api/halts
func (h *OpsHandler) ListHalts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"halts": h.halts.HaltedSymbols()})
}

// ResumeSymbol lifts a symbol halt.
// POST /api/halts/{symbol}/resume
func (h *OpsHandler) ResumeSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if !h.halts.Resume(r.Context(), symbol) {
		writeError(w, http.StatusNotFound, "symbol not halted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resumed": symbol})
}

// AssignmentStates lists positions outside the watching state.
// GET /api/assignments
func (h *OpsHandler) AssignmentStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": h.monitor.States()})
}
