package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/assignment"
	"github.com/alanyoungcy/legsafe/internal/coordinator"
	"github.com/alanyoungcy/legsafe/internal/domain"
)

// PositionReader is the read side of domain.PositionStore.
type PositionReader interface {
	GetByID(ctx context.Context, id string) (domain.Position, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error)
}

// Coordinator is the write side used by the API.
type Coordinator interface {
	Submit(ctx context.Context, in domain.Intent) (domain.Position, error)
	Close(ctx context.Context, id string, emergency bool) (coordinator.CloseResult, error)
	EmergencyClose(ctx context.Context, id, reason string) (coordinator.CloseResult, error)
}

// AssignmentStates reports the assignment monitor's view of a position.
type AssignmentStates interface {
	State(positionID string) assignment.State
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionReader
	coord     Coordinator
	monitor   AssignmentStates
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. monitor may be nil.
func NewPositionHandler(positions PositionReader, coord Coordinator, monitor AssignmentStates, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		coord:     coord,
		monitor:   monitor,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

type positionResponse struct {
	domain.Position
	AssignmentState assignment.State `json:"assignment_state,omitempty"`
}

// ListPositions returns positions newest first, or every position in the
// given statuses.
// GET /api/positions?status=open,broken
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		var statuses []domain.PositionStatus
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.PositionStatus(strings.TrimSpace(strings.ToLower(s))))
		}
		positions, err = h.positions.ListByStatus(r.Context(), statuses...)
	} else {
		positions, err = h.positions.List(r.Context(), parseListOpts(r))
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position with its legs.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := positionResponse{Position: pos}
	if h.monitor != nil {
		resp.AssignmentState = h.monitor.State(pos.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClosePosition closes a position, or emergency-closes it when
// emergency=true. The close runs to completion even if the client goes away.
// POST /api/positions/{id}/close?emergency=true&reason=...
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := context.WithoutCancel(r.Context())

	var (
		res coordinator.CloseResult
		err error
	)
	if queryBool(r, "emergency") {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator request"
		}
		res, err = h.coord.EmergencyClose(ctx, id, reason)
	} else {
		res, err = h.coord.Close(ctx, id, false)
	}
	if err != nil {
		h.logger.WarnContext(ctx, "handler: close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// intentRequest is the wire form of a decision-layer intent.
type intentRequest struct {
	Type        string                     `json:"type"` // open, close, emergency_close
	Symbol      string                     `json:"symbol"`
	Strategy    string                     `json:"strategy"`
	Legs        []domain.LegSpec           `json:"legs"`
	PositionID  string                     `json:"position_id"`
	LimitPrices map[string]decimal.Decimal `json:"limit_prices"`
	Reason      string                     `json:"reason"`
	EffectiveAt time.Time                  `json:"effective_at"`
}

func (req intentRequest) intent() (domain.Intent, error) {
	switch req.Type {
	case "open":
		return domain.OpenIntent{Symbol: req.Symbol, Strategy: req.Strategy, Legs: req.Legs, EffectiveAt: req.EffectiveAt}, nil
	case "close":
		return domain.CloseIntent{PositionID: req.PositionID, LimitPrices: req.LimitPrices, EffectiveAt: req.EffectiveAt}, nil
	case "emergency_close":
		reason := req.Reason
		if reason == "" {
			reason = "decision layer"
		}
		return domain.EmergencyCloseIntent{PositionID: req.PositionID, Reason: reason}, nil
	}
	return nil, fmt.Errorf("unknown intent type %q", req.Type)
}

// SubmitIntent accepts an intent from the decision layer.
// POST /api/intents
func (h *PositionHandler) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in, err := req.intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.coord.Submit(context.WithoutCancel(r.Context()), in)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: intent failed",
			slog.String("type", req.Type),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "position": pos})
		return
	}
	code := http.StatusOK
	if req.Type == "open" {
		code = http.StatusCreated
	}
	writeJSON(w, code, pos)
}
