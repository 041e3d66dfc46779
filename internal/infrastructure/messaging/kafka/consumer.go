package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/logger"
	"github.com/qahub/reputation-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIONS CONSUMER
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventHandler is satisfied by *command.RecordEventHandler.
type RecordEventHandler interface {
	Handle(ctx context.Context, cmd command.RecordEventCommand) (*command.RecordEventResult, error)
}

// AdjustPointsHandler is satisfied by *command.AdjustPointsHandler.
type AdjustPointsHandler interface {
	Handle(ctx context.Context, cmd command.AdjustPointsCommand) (*command.Outcome, error)
}

// ConsumerObserver receives per-message outcomes.
type ConsumerObserver interface {
	MessageHandled(kind string, outcome string)
}

type noopConsumerObserver struct{}

func (noopConsumerObserver) MessageHandled(string, string) {}

// Message outcomes reported to the observer.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// commitEvery is how many marked messages trigger an explicit commit.
const commitEvery = 100

// Consumer reads the actions topic and turns each message into a
// recordEvent or adjustPoints call. Messages of one partition are handled in
// order; a retryable failure is retried with the same event_id until it
// succeeds or the session ends, so nothing is skipped on a transient outage.
type Consumer struct {
	group    sarama.ConsumerGroup
	topic    string
	record   RecordEventHandler
	adjust   AdjustPointsHandler
	retrier  *retry.Retrier
	logger   *slog.Logger
	observer ConsumerObserver
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithConsumerObserver sets the observer.
func WithConsumerObserver(o ConsumerObserver) ConsumerOption {
	return func(c *Consumer) { c.observer = o }
}

// WithRetrier replaces the per-message retrier.
func WithRetrier(r *retry.Retrier) ConsumerOption {
	return func(c *Consumer) { c.retrier = r }
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg Config, record RecordEventHandler, adjust AdjustPointsHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return newConsumer(group, cfg.ActionsTopic, record, adjust, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topic string, record RecordEventHandler, adjust AdjustPointsHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:    group,
		topic:    topic,
		record:   record,
		adjust:   adjust,
		retrier:  retry.IngestRetrier(shared.IsRetryable),
		logger:   slog.Default(),
		observer: noopConsumerObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logger.Component("kafka_consumer"), slog.String("topic", topic))
	return c
}

// Run consumes until ctx is cancelled, rejoining the group after each
// rebalance.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", logger.Err(err))
		}
	}()

	c.logger.Info("actions consumer started")
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("consume failed", logger.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("actions consumer stopping")
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("consumer session setup", slog.String("member_id", session.MemberID()))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	session.Commit()
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	marked := 0
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				session.Commit()
				return nil
			}
			if err := c.HandleMessage(ctx, msg); err != nil {
				// Only a cancelled session gets here; the message is
				// redelivered to the next owner of the partition.
				session.Commit()
				return nil
			}
			session.MarkMessage(msg, "")
			marked++
			if marked%commitEvery == 0 {
				session.Commit()
			}
		case <-ctx.Done():
			session.Commit()
			return nil
		}
	}
}

// HandleMessage applies one message. Rejected messages (malformed, invalid,
// unauthorized) are logged and acknowledged; the returned error is non-nil
// only when ctx ended before a retryable failure cleared.
func (c *Consumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	action, err := DecodeAction(msg.Value)
	if err != nil {
		c.reject("", msg, err)
		return nil
	}

	log := c.logger.With(logger.EventID(action.EventID), logger.UserID(action.UserID), slog.String("kind", string(action.Kind)))

	for {
		var duplicate bool
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			duplicate, err = c.apply(ctx, action)
			return err
		})
		switch {
		case err == nil:
			outcome := OutcomeApplied
			if duplicate {
				outcome = OutcomeDuplicate
			}
			c.observer.MessageHandled(string(action.Kind), outcome)
			log.Debug("action handled", slog.String("outcome", outcome))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case shared.IsRetryable(err):
			log.Warn("action still failing, backing off", logger.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		default:
			c.reject(string(action.Kind), msg, err)
			return nil
		}
	}
}

func (c *Consumer) apply(ctx context.Context, m *ActionMessage) (duplicate bool, err error) {
	switch m.Kind {
	case KindAdjust:
		out, err := c.adjust.Handle(ctx, command.AdjustPointsCommand{
			EventID:   m.EventID,
			UserID:    m.UserID,
			PCDelta:   m.PCDelta,
			PConDelta: m.PConDelta,
			Actor:     points.Actor{ID: m.ActorID, Roles: m.ActorRoles, Token: m.ActorToken},
			Reason:    m.Reason,
		})
		if err != nil {
			return false, err
		}
		return out.Duplicate, nil
	default:
		out, err := c.record.Handle(ctx, command.RecordEventCommand{
			EventID:        m.EventID,
			UserID:         m.UserID,
			EventType:      m.EventType,
			SourceEntityID: m.SourceEntityID,
			OccurredAt:     m.OccurredAt,
		})
		if err != nil {
			return false, err
		}
		return out.Duplicate, nil
	}
}

func (c *Consumer) reject(kind string, msg *sarama.ConsumerMessage, err error) {
	c.observer.MessageHandled(kind, OutcomeRejected)
	c.logger.Warn("action rejected",
		slog.Int("partition", int(msg.Partition)),
		slog.Int64("offset", msg.Offset),
		slog.String("key", string(msg.Key)),
		logger.Err(err),
	)
}
