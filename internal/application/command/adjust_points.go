package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADJUST POINTS COMMAND
// adjustPoints(event_id, user_id, pc_delta, pcon_delta, actor_id).
// Admin-only; still an idempotent ledger event of type admin_adjustment.
// ══════════════════════════════════════════════════════════════════════════════

// Authorizer decides whether an actor may adjust balances.
type Authorizer interface {
	AuthorizeAdjustment(ctx context.Context, actor points.Actor) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actor points.Actor) error

// AuthorizeAdjustment implements Authorizer.
func (f AuthorizerFunc) AuthorizeAdjustment(ctx context.Context, actor points.Actor) error {
	return f(ctx, actor)
}

// AdjustPointsCommand is a manual balance change.
type AdjustPointsCommand struct {
	EventID   string
	UserID    string
	PCDelta   int64
	PConDelta int64
	Actor     points.Actor
	Reason    string
}

// Validate checks ids and that the adjustment changes something.
func (c AdjustPointsCommand) Validate() error {
	if strings.TrimSpace(c.EventID) == "" {
		return shared.ErrEventIDRequired
	}
	if strings.TrimSpace(c.UserID) == "" {
		return shared.ErrUserIDRequired
	}
	if c.PCDelta == 0 && c.PConDelta == 0 {
		return shared.ErrEmptyAdjustment
	}
	return nil
}

// AdjustPointsHandlerConfig contains configuration for the handler.
type AdjustPointsHandlerConfig struct {
	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

// AdjustPointsHandler handles AdjustPointsCommand.
type AdjustPointsHandler struct {
	*applier
	authz Authorizer
	now   func() time.Time
}

// NewAdjustPointsHandler creates a new AdjustPointsHandler.
func NewAdjustPointsHandler(
	ledger points.Ledger,
	aggs *aggregate.Service,
	authz Authorizer,
	publisher shared.EventPublisher,
	config AdjustPointsHandlerConfig,
) *AdjustPointsHandler {
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AdjustPointsHandler{
		applier: newApplier(ledger, aggs, publisher, config.Metrics, logger.With("handler", "adjust_points")),
		authz:   authz,
		now:     now,
	}
}

// Handle authorizes the actor and records the adjustment.
func (h *AdjustPointsHandler) Handle(ctx context.Context, cmd AdjustPointsCommand) (*Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" || h.authz == nil {
		return nil, shared.ErrUnauthorizedAdjustment
	}
	if err := h.authz.AuthorizeAdjustment(ctx, cmd.Actor); err != nil {
		h.logger.Warn("adjustment rejected",
			slog.String("actor_id", cmd.Actor.ID),
			slog.String("user_id", cmd.UserID),
			slog.String("event_id", cmd.EventID),
		)
		return nil, shared.WrapError("points", "Adjust", shared.ErrUnauthorized,
			shared.ErrUnauthorizedAdjustment.Message, fmt.Errorf("actor %s: %w", cmd.Actor.ID, err))
	}

	out, err := h.apply(ctx, &points.Event{
		ID:        strings.TrimSpace(cmd.EventID),
		UserID:    strings.TrimSpace(cmd.UserID),
		Type:      points.AdminAdjustment,
		PCDelta:   cmd.PCDelta,
		PConDelta: cmd.PConDelta,
		ActorID:   cmd.Actor.ID,
		Reason:    cmd.Reason,
		CreatedAt: h.now(),
	})
	if err != nil {
		return nil, err
	}
	if !out.Duplicate {
		h.logger.Info("points adjusted",
			slog.String("actor_id", cmd.Actor.ID),
			slog.String("user_id", cmd.UserID),
			slog.Int64("pc_delta", cmd.PCDelta),
			slog.Int64("pcon_delta", cmd.PConDelta),
		)
	}
	return out, nil
}
