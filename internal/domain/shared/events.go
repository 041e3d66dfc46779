package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types - these drive the asynchronous reactions of the engine.
const (
	// Points events
	EventPointsApplied EventType = "points.applied"

	// Rank events
	EventRankChanged EventType = "rank.changed"

	// Achievement events
	EventAchievementUnlocked EventType = "achievement.unlocked"

	// Reconciliation events
	EventAggregateDriftCorrected EventType = "aggregate.drift_corrected"
	EventLeaderboardRebuilt      EventType = "leaderboard.rebuilt"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Points Events
// ═══════════════════════════════════════════════════════════════════════════

// PointsAppliedEvent is emitted after a ledger event has been folded into
// the owner's aggregate. Subscribers must treat it as a hint and re-read the
// aggregate: several applications may be coalesced into one event.
type PointsAppliedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	EventID    string `json:"event_id"`
	PointType  string `json:"point_type"`
	PCDelta    int64  `json:"pc_delta"`
	PConDelta  int64  `json:"pcon_delta"`
	PCPoints   int64  `json:"pc_points"`
	PConPoints int64  `json:"pcon_points"`
	AggVersion int64  `json:"agg_version"`
}

// Payload implements Event interface.
func (e PointsAppliedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"event_id":    e.EventID,
		"point_type":  e.PointType,
		"pc_delta":    e.PCDelta,
		"pcon_delta":  e.PConDelta,
		"pc_points":   e.PCPoints,
		"pcon_points": e.PConPoints,
		"agg_version": e.AggVersion,
	}
}

// NewPointsAppliedEvent creates a new PointsAppliedEvent.
func NewPointsAppliedEvent(userID, eventID, pointType string, pcDelta, pconDelta, pc, pcon, version int64) PointsAppliedEvent {
	return PointsAppliedEvent{
		BaseEvent:  NewBaseEvent(EventPointsApplied, userID),
		UserID:     userID,
		EventID:    eventID,
		PointType:  pointType,
		PCDelta:    pcDelta,
		PConDelta:  pconDelta,
		PCPoints:   pc,
		PConPoints: pcon,
		AggVersion: version,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Rank Events
// ═══════════════════════════════════════════════════════════════════════════

// RankChangedEvent is emitted when a user's derived tier changes.
type RankChangedEvent struct {
	BaseEvent
	UserID  string `json:"user_id"`
	OldRank string `json:"old_rank"`
	NewRank string `json:"new_rank"`
}

// Payload implements Event interface.
func (e RankChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID,
		"old_rank": e.OldRank,
		"new_rank": e.NewRank,
	}
}

// NewRankChangedEvent creates a new RankChangedEvent.
func NewRankChangedEvent(userID, oldRank, newRank string) RankChangedEvent {
	return RankChangedEvent{
		BaseEvent: NewBaseEvent(EventRankChanged, userID),
		UserID:    userID,
		OldRank:   oldRank,
		NewRank:   newRank,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Achievement Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent is emitted once per (user, achievement).
type AchievementUnlockedEvent struct {
	BaseEvent
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"achievement_id": e.AchievementID,
		"unlocked_at":    e.UnlockedAt.Format(time.RFC3339),
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID string, unlockedAt time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID),
		UserID:        userID,
		AchievementID: achievementID,
		UnlockedAt:    unlockedAt,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reconciliation Events
// ═══════════════════════════════════════════════════════════════════════════

// AggregateDriftCorrectedEvent is emitted when a stored aggregate disagreed
// with the ledger replay and was overwritten.
type AggregateDriftCorrectedEvent struct {
	BaseEvent
	UserID        string `json:"user_id"`
	StoredPC      int64  `json:"stored_pc"`
	StoredPCon    int64  `json:"stored_pcon"`
	ReplayedPC    int64  `json:"replayed_pc"`
	ReplayedPCon  int64  `json:"replayed_pcon"`
	ThroughSeq    int64  `json:"through_seq"`
	StoredVersion int64  `json:"stored_version"`
}

// Payload implements Event interface.
func (e AggregateDriftCorrectedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"stored_pc":      e.StoredPC,
		"stored_pcon":    e.StoredPCon,
		"replayed_pc":    e.ReplayedPC,
		"replayed_pcon":  e.ReplayedPCon,
		"through_seq":    e.ThroughSeq,
		"stored_version": e.StoredVersion,
	}
}

// NewAggregateDriftCorrectedEvent creates a new AggregateDriftCorrectedEvent.
func NewAggregateDriftCorrectedEvent(userID string, storedPC, storedPCon, replayedPC, replayedPCon, throughSeq, storedVersion int64) AggregateDriftCorrectedEvent {
	return AggregateDriftCorrectedEvent{
		BaseEvent:     NewBaseEvent(EventAggregateDriftCorrected, userID),
		UserID:        userID,
		StoredPC:      storedPC,
		StoredPCon:    storedPCon,
		ReplayedPC:    replayedPC,
		ReplayedPCon:  replayedPCon,
		ThroughSeq:    throughSeq,
		StoredVersion: storedVersion,
	}
}

// LeaderboardRebuiltEvent is emitted after a full reconciliation sweep.
type LeaderboardRebuiltEvent struct {
	BaseEvent
	Entries  int           `json:"entries"`
	Duration time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e LeaderboardRebuiltEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"entries":  e.Entries,
		"duration": e.Duration.String(),
	}
}

// NewLeaderboardRebuiltEvent creates a new LeaderboardRebuiltEvent.
func NewLeaderboardRebuiltEvent(entries int, duration time.Duration) LeaderboardRebuiltEvent {
	return LeaderboardRebuiltEvent{
		BaseEvent: NewBaseEvent(EventLeaderboardRebuilt, "leaderboard"),
		Entries:   entries,
		Duration:  duration,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NoopPublisher discards every event. Useful for CLI tools and tests.
type NoopPublisher struct{}

// Publish implements EventPublisher.
func (NoopPublisher) Publish(Event) error { return nil }
