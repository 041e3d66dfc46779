// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qahub/reputation-engine/internal/domain/aggregate"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER APPLIER
// Shared write path of recordEvent and adjustPoints:
// Append (insert-if-absent) → CatchUp (fold into aggregate) → Publish.
// ══════════════════════════════════════════════════════════════════════════════

// Metrics receives write-path observations. Implemented by the Prometheus
// collectors in infrastructure/metrics.
type Metrics interface {
	EventRecorded(eventType string, duplicate bool)
	RankChanged(from, to string)
	DriftCorrected()
}

// NoopMetrics discards observations.
type NoopMetrics struct{}

func (NoopMetrics) EventRecorded(string, bool) {}
func (NoopMetrics) RankChanged(string, string) {}
func (NoopMetrics) DriftCorrected()            {}

// Outcome is what a ledger write produced.
type Outcome struct {
	// Event is the stored event. For a duplicate it is the original.
	Event *points.Event

	// Aggregate is the user's aggregate after the write.
	Aggregate *aggregate.Aggregate

	// Duplicate is true when the event id (or the day's login) was already
	// recorded. It is not an error.
	Duplicate bool

	// PreviousRank is the tier before the write, when it changed.
	PreviousRank string
}

// RankChanged reports whether the write moved the user to another tier.
func (o *Outcome) RankChanged() bool {
	return o.PreviousRank != "" && o.PreviousRank != o.Aggregate.Rank
}

type applier struct {
	ledger    points.Ledger
	aggs      *aggregate.Service
	publisher shared.EventPublisher
	metrics   Metrics
	logger    *slog.Logger
}

func newApplier(ledger points.Ledger, aggs *aggregate.Service, publisher shared.EventPublisher, metrics Metrics, logger *slog.Logger) *applier {
	if publisher == nil {
		publisher = shared.NoopPublisher{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &applier{ledger: ledger, aggs: aggs, publisher: publisher, metrics: metrics, logger: logger}
}

func (a *applier) apply(ctx context.Context, e *points.Event) (*Outcome, error) {
	stored, inserted, err := a.ledger.Append(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", e.ID, err)
	}
	a.metrics.EventRecorded(string(stored.Type), !inserted)

	if !inserted {
		return a.duplicate(ctx, stored)
	}

	change, err := a.aggs.CatchUp(ctx, stored.UserID)
	if err != nil {
		// The event is durable; a retry with the same id lands in duplicate()
		// and finishes the fold.
		return nil, fmt.Errorf("fold %s into aggregate: %w", stored.ID, err)
	}
	return a.finish(ctx, stored, change, false)
}

// duplicate returns the prior result. The only work done is a repair fold
// when the stored event never reached the aggregate.
func (a *applier) duplicate(ctx context.Context, stored *points.Event) (*Outcome, error) {
	agg, err := a.aggs.Get(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}
	if agg.AppliedSeq >= stored.Seq {
		return &Outcome{Event: stored, Aggregate: agg, Duplicate: true}, nil
	}

	a.logger.Info("repairing unfolded ledger event",
		slog.String("event_id", stored.ID),
		slog.String("user_id", stored.UserID),
		slog.Int64("seq", stored.Seq),
		slog.Int64("applied_seq", agg.AppliedSeq),
	)
	change, err := a.aggs.CatchUp(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("repair fold %s: %w", stored.ID, err)
	}
	return a.finish(ctx, stored, change, true)
}

func (a *applier) finish(ctx context.Context, stored *points.Event, change *aggregate.Change, duplicate bool) (*Outcome, error) {
	if change == nil {
		// A concurrent writer folded our event first and publishes for it.
		agg, err := a.aggs.Get(ctx, stored.UserID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Event: stored, Aggregate: agg, Duplicate: duplicate}, nil
	}

	after := change.After
	for _, ev := range change.Events {
		a.publish(shared.NewPointsAppliedEvent(ev.UserID, ev.ID, string(ev.Type),
			ev.PCDelta, ev.PConDelta, after.PCPoints, after.PConPoints, after.Version))
	}

	out := &Outcome{Event: stored, Aggregate: after, Duplicate: duplicate}
	if change.RankChanged() {
		out.PreviousRank = change.Before.Rank
		a.metrics.RankChanged(change.Before.Rank, after.Rank)
		a.publish(shared.NewRankChangedEvent(after.UserID, change.Before.Rank, after.Rank))
		a.logger.Info("rank changed",
			slog.String("user_id", after.UserID),
			slog.String("from", change.Before.Rank),
			slog.String("to", after.Rank),
		)
	}
	return out, nil
}

func (a *applier) publish(ev shared.Event) {
	if err := a.publisher.Publish(ev); err != nil {
		a.logger.Warn("failed to publish event",
			slog.String("event_type", string(ev.EventType())),
			slog.String("aggregate_id", ev.AggregateID()),
			slog.String("error", err.Error()),
		)
	}
}
