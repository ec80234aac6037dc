package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// RiskEventLister reads the risk event log.
type RiskEventLister interface {
	List(ctx context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error)
}

// RiskHandler serves the risk event log and reconciliation findings.
type RiskHandler struct {
	events        RiskEventLister
	discrepancies domain.DiscrepancyStore
	logger        *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(events RiskEventLister, discrepancies domain.DiscrepancyStore, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{events: events, discrepancies: discrepancies, logger: logger}
}

// ListRiskEvents returns events newest first.
// GET /api/risk-events?component=coordinator&subject=<position id>
func (h *RiskHandler) ListRiskEvents(w http.ResponseWriter, r *http.Request) {
	f := domain.RiskEventFilter{
		Component: r.URL.Query().Get("component"),
		Subject:   r.URL.Query().Get("subject"),
		ListOpts:  parseListOpts(r),
	}
	events, err := h.events.List(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list risk events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list risk events")
		return
	}
	if events == nil {
		events = []domain.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListDiscrepancies returns open findings, or the full history with all=true.
// GET /api/discrepancies?all=true
func (h *RiskHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	var (
		ds  []domain.Discrepancy
		err error
	)
	if queryBool(r, "all") {
		ds, err = h.discrepancies.List(r.Context(), parseListOpts(r))
	} else {
		ds, err = h.discrepancies.ListOpen(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list discrepancies failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list discrepancies")
		return
	}
	if ds == nil {
		ds = []domain.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": ds})
}
