package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILE USER COMMAND
// Full ledger replay for one user. Drift is self-healed and signalled, never
// surfaced as an error. A rewritten aggregate is announced like any other
// fold, so achievements and the leaderboard follow it.
// ══════════════════════════════════════════════════════════════════════════════

// ReconcilePointType marks PointsApplied events raised by reconciliation.
const ReconcilePointType = "reconcile"

// ReconcileUserCommand asks for a full replay.
type ReconcileUserCommand struct {
	UserID string
}

// ReconcileUserHandler handles ReconcileUserCommand.
type ReconcileUserHandler struct {
	aggs      *aggregate.Service
	publisher shared.EventPublisher
	metrics   Metrics
	logger    *slog.Logger
}

// NewReconcileUserHandler creates a new ReconcileUserHandler.
func NewReconcileUserHandler(aggs *aggregate.Service, publisher shared.EventPublisher, metrics Metrics, logger *slog.Logger) *ReconcileUserHandler {
	if publisher == nil {
		publisher = shared.NoopPublisher{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileUserHandler{aggs: aggs, publisher: publisher, metrics: metrics, logger: logger}
}

// Handle reconciles and reports whether a correction happened.
func (h *ReconcileUserHandler) Handle(ctx context.Context, cmd ReconcileUserCommand) (*aggregate.ReconcileResult, error) {
	if cmd.UserID == "" {
		return nil, shared.ErrUserIDRequired
	}
	res, err := h.aggs.Reconcile(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if res.Corrected {
		h.metrics.DriftCorrected()
		ev := shared.NewAggregateDriftCorrectedEvent(cmd.UserID,
			res.Stored.PC, res.Stored.PCon, res.Expected.PC, res.Expected.PCon,
			res.ThroughSeq, res.StoredVersion)
		if err := h.publisher.Publish(ev); err != nil {
			h.logger.Warn("failed to publish drift event", slog.String("user_id", cmd.UserID), slog.String("error", err.Error()))
		}
	}
	if res.Updated && res.Aggregate != nil {
		agg := res.Aggregate
		ev := shared.NewPointsAppliedEvent(cmd.UserID, fmt.Sprintf("reconcile:%d", res.ThroughSeq), ReconcilePointType,
			agg.PCPoints-res.Stored.PC, agg.PConPoints-res.Stored.PCon,
			agg.PCPoints, agg.PConPoints, agg.Version)
		if err := h.publisher.Publish(ev); err != nil {
			h.logger.Warn("failed to publish reconciled totals", slog.String("user_id", cmd.UserID), slog.String("error", err.Error()))
		}
	}
	return res, nil
}
