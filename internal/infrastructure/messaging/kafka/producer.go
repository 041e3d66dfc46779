package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRODUCER
// ══════════════════════════════════════════════════════════════════════════════

// Producer writes notifications and, for operator tooling, action messages.
// Every message is keyed by user_id.
type Producer struct {
	producer           sarama.SyncProducer
	actionsTopic       string
	notificationsTopic string
	now                func() time.Time
}

var _ achievement.Notifier = (*Producer)(nil)

// NewProducer connects a synchronous producer.
func NewProducer(cfg Config) (*Producer, error) {
	p, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return NewProducerFrom(p, cfg), nil
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(p sarama.SyncProducer, cfg Config) *Producer {
	return &Producer{
		producer:           p,
		actionsTopic:       cfg.ActionsTopic,
		notificationsTopic: cfg.NotificationsTopic,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// NotifyAchievementUnlocked implements achievement.Notifier.
func (p *Producer) NotifyAchievementUnlocked(ctx context.Context, userID, achievementID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(NotificationMessage{
		ID:            uuid.NewString(),
		Type:          NotificationAchievementUnlocked,
		UserID:        userID,
		AchievementID: achievementID,
		SentAt:        p.now(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return p.send(p.notificationsTopic, userID, body)
}

// SendAction publishes an action message to the actions topic.
func (p *Producer) SendAction(ctx context.Context, m *ActionMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	return p.send(p.actionsTopic, m.UserID, body)
}

func (p *Producer) send(topic, key string, body []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
