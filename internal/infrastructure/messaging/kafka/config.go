package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Config holds the broker connection and topic names.
type Config struct {
	Brokers            []string
	ClientID           string
	ActionsTopic       string
	ConsumerGroup      string
	NotificationsTopic string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxProcessingTime time.Duration
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:            []string{"localhost:9092"},
		ClientID:           "reputation-engine",
		ActionsTopic:       "reputation.actions",
		ConsumerGroup:      "reputation-engine",
		NotificationsTopic: "reputation.notifications",
		SessionTimeout:     30 * time.Second,
		HeartbeatInterval:  3 * time.Second,
		MaxProcessingTime:  time.Minute,
	}
}

// newSaramaConfig builds the shared client configuration. Offsets are
// committed explicitly after a message has been handled.
func newSaramaConfig(cfg Config) *sarama.Config {
	defaults := DefaultConfig()
	c := sarama.NewConfig()
	c.ClientID = cfg.ClientID
	if c.ClientID == "" {
		c.ClientID = defaults.ClientID
	}

	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = false
	c.Consumer.Group.Session.Timeout = firstPositive(cfg.SessionTimeout, defaults.SessionTimeout)
	c.Consumer.Group.Heartbeat.Interval = firstPositive(cfg.HeartbeatInterval, defaults.HeartbeatInterval)
	c.Consumer.MaxProcessingTime = firstPositive(cfg.MaxProcessingTime, defaults.MaxProcessingTime)

	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Return.Successes = true
	c.Producer.Retry.Max = 3

	return c
}

func firstPositive(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
