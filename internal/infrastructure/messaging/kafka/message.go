// Package kafka carries the engine's Kafka traffic: the inbound actions topic
// (recordEvent and adjustPoints requests from the Q&A platform) and the
// outbound notifications topic.
package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Kind selects the operation an action message requests.
type Kind string

const (
	KindRecord Kind = "record"
	KindAdjust Kind = "adjust"
)

// ErrMalformedMessage marks a message that can never be processed.
var ErrMalformedMessage = errors.New("kafka: malformed message")

// ActionMessage is one message on the actions topic. Producers key messages
// by user_id so a user's actions stay on one partition.
type ActionMessage struct {
	Kind    Kind   `json:"kind"`
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`

	// record
	EventType      string    `json:"event_type,omitempty"`
	SourceEntityID string    `json:"source_entity_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`

	// adjust
	PCDelta    int64    `json:"pc_delta,omitempty"`
	PConDelta  int64    `json:"pcon_delta,omitempty"`
	ActorID    string   `json:"actor_id,omitempty"`
	ActorRoles []string `json:"actor_roles,omitempty"`
	ActorToken string   `json:"actor_token,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// DecodeAction parses and sanity-checks an action message.
func DecodeAction(data []byte) (*ActionMessage, error) {
	var m ActionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Kind {
	case KindRecord, KindAdjust:
	case "":
		m.Kind = KindRecord
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	return &m, nil
}

// Encode serializes the message.
func (m *ActionMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NotificationMessage is published on the notifications topic for every
// achievement unlock.
type NotificationMessage struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	SentAt        time.Time `json:"sent_at"`
}

// NotificationAchievementUnlocked is the Type of unlock notifications.
const NotificationAchievementUnlocked = "achievement_unlocked"
