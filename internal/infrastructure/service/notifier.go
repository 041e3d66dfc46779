// Package service adapts infrastructure clients to the domain's outbound
// ports: unlock notification sinks and the guarded leaderboard cache.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/infrastructure/persistence/redis"
	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
	"github.com/qahub/reputation-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOG NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// LogNotifier writes unlocks to the log. Used when no transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrDefault(l).With(logger.Component("log_notifier"))}
}

// NotifyAchievementUnlocked implements achievement.Notifier.
func (n *LogNotifier) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	n.logger.InfoContext(ctx, "achievement unlocked", logger.UserID(userID), logger.AchievementID(achievementID))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS PUB/SUB NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultNotifyTopic is the pub/sub topic used when none is configured.
const DefaultNotifyTopic = "achievements"

// UnlockMessage is the pub/sub payload.
type UnlockMessage struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	SentAt        time.Time `json:"sent_at"`
}

// RedisNotifier publishes unlocks on a Redis channel for connected clients.
type RedisNotifier struct {
	cache   *redis.Cache
	channel string
}

// NewRedisNotifier creates a RedisNotifier. An empty topic uses
// DefaultNotifyTopic.
func NewRedisNotifier(cache *redis.Cache, topic string) *RedisNotifier {
	if topic == "" {
		topic = DefaultNotifyTopic
	}
	return &RedisNotifier{cache: cache, channel: cache.Key(redis.PubSubChannel(topic))}
}

// Channel returns the full channel name.
func (n *RedisNotifier) Channel() string { return n.channel }

// NotifyAchievementUnlocked implements achievement.Notifier.
func (n *RedisNotifier) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	return n.cache.Publish(ctx, n.channel, UnlockMessage{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		SentAt:        time.Now().UTC(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITION
// ══════════════════════════════════════════════════════════════════════════════

// GuardedNotifier runs a sink behind a circuit breaker, so an unreachable
// transport fails fast instead of tying up dispatcher workers.
type GuardedNotifier struct {
	sink    achievement.Notifier
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedNotifier wraps sink with breaker.
func NewGuardedNotifier(sink achievement.Notifier, breaker *circuitbreaker.CircuitBreaker) *GuardedNotifier {
	return &GuardedNotifier{sink: sink, breaker: breaker}
}

// NotifyAchievementUnlocked implements achievement.Notifier.
func (g *GuardedNotifier) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.sink.NotifyAchievementUnlocked(ctx, userID, achievementID)
	})
}

// FanoutNotifier delivers to every sink and joins their errors.
type FanoutNotifier []achievement.Notifier

// NotifyAchievementUnlocked implements achievement.Notifier.
func (f FanoutNotifier) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	var errs []error
	for _, sink := range f {
		if err := sink.NotifyAchievementUnlocked(ctx, userID, achievementID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ achievement.Notifier = (*LogNotifier)(nil)
	_ achievement.Notifier = (*RedisNotifier)(nil)
	_ achievement.Notifier = (*GuardedNotifier)(nil)
	_ achievement.Notifier = FanoutNotifier(nil)
)
