package domain

import (
	"context"
	"time"
)

// Components that append risk events.
const (
	ComponentBreaker     = "breaker"
	ComponentCoordinator = "coordinator"
	ComponentAssignment  = "assignment"
	ComponentReconcile   = "reconcile"
	ComponentQueue       = "queue"
)

// RiskEvent is one append-only audit record of a safety-relevant transition.
type RiskEvent struct {
	ID        int64          `json:"id"`
	Component string         `json:"component"`
	EventType string         `json:"event_type"`
	Subject   string         `json:"subject"`
	Before    string         `json:"before,omitempty"`
	After     string         `json:"after,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DiscrepancyType classifies a reconciliation finding.
type DiscrepancyType string

const (
	DiscrepancyMissingInBroker  DiscrepancyType = "MISSING_IN_BROKER"
	DiscrepancyMissingInStore   DiscrepancyType = "MISSING_IN_STORE"
	DiscrepancyQuantityMismatch DiscrepancyType = "QUANTITY_MISMATCH"
	DiscrepancyNakedLeg         DiscrepancyType = "NAKED_LEG"
)

// Severity grades discrepancies and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Discrepancy is a difference between the store and the broker snapshot.
type Discrepancy struct {
	Key         string          `json:"key"`
	Type        DiscrepancyType `json:"type"`
	Severity    Severity        `json:"severity"`
	PositionID  string          `json:"position_id,omitempty"`
	LegID       string          `json:"leg_id,omitempty"`
	Contract    string          `json:"contract"`
	ExpectedQty int64           `json:"expected_qty"`
	BrokerQty   int64           `json:"broker_qty"`
	DetectedAt  time.Time       `json:"detected_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Alert is a human-facing notification.
type Alert struct {
	Severity   Severity          `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	PositionID string            `json:"position_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// AlertSink delivers alerts to operators.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}
