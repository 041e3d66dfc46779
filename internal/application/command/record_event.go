package command

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD EVENT COMMAND
// recordEvent(event_id, user_id, event_type, source_entity_id).
// Deltas come from the policy table, never from the caller.
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventCommand reports one point-bearing action.
type RecordEventCommand struct {
	// EventID is the caller's idempotency key. Retries must reuse it.
	EventID string

	UserID         string
	EventType      string
	SourceEntityID string

	// OccurredAt defaults to the time of recording.
	OccurredAt time.Time
}

// Validate checks ids and the event type. admin_adjustment is rejected here.
func (c RecordEventCommand) Validate() error {
	if strings.TrimSpace(c.EventID) == "" {
		return shared.ErrEventIDRequired
	}
	if strings.TrimSpace(c.UserID) == "" {
		return shared.ErrUserIDRequired
	}
	t, err := points.ParseEventType(c.EventType)
	if err != nil {
		return err
	}
	if t == points.AdminAdjustment {
		return shared.ErrAdjustmentViaRecord
	}
	return nil
}

// RecordEventResult is the outcome of recordEvent.
type RecordEventResult = Outcome

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventHandlerConfig contains configuration for the handler.
type RecordEventHandlerConfig struct {
	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

// RecordEventHandler handles RecordEventCommand.
type RecordEventHandler struct {
	*applier
	policy *points.PolicyTable
	now    func() time.Time
}

// NewRecordEventHandler creates a new RecordEventHandler.
func NewRecordEventHandler(
	ledger points.Ledger,
	policy *points.PolicyTable,
	aggs *aggregate.Service,
	publisher shared.EventPublisher,
	config RecordEventHandlerConfig,
) *RecordEventHandler {
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordEventHandler{
		applier: newApplier(ledger, aggs, publisher, config.Metrics, logger.With("handler", "record_event")),
		policy:  policy,
		now:     now,
	}
}

// Handle records the event idempotently and folds it into the aggregate.
func (h *RecordEventHandler) Handle(ctx context.Context, cmd RecordEventCommand) (*RecordEventResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	t, _ := points.ParseEventType(cmd.EventType)
	delta, err := h.policy.DeltaFor(t)
	if err != nil {
		return nil, err
	}

	at := cmd.OccurredAt
	if at.IsZero() {
		at = h.now()
	}
	return h.apply(ctx, &points.Event{
		ID:             strings.TrimSpace(cmd.EventID),
		UserID:         strings.TrimSpace(cmd.UserID),
		Type:           t,
		PCDelta:        delta.PC,
		PConDelta:      delta.PCon,
		SourceEntityID: cmd.SourceEntityID,
		CreatedAt:      at.UTC(),
	})
}
