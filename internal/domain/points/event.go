// Package points holds the point-awarding vocabulary of the engine: the closed set
// of event types, the immutable ledger record, the policy table that prices each
// event type, and the per-user counters derived from the ledger.
package points

import (
	"strings"
	"time"

	"github.com/qahub/reputation-engine/internal/domain/shared"
	"github.com/qahub/reputation-engine/pkg/timeutil"
)

// EventType is the closed enumeration of point-bearing actions.
type EventType string

const (
	QuestionCreated  EventType = "question_created"
	AnswerValidated  EventType = "answer_validated"
	AnswerAccepted   EventType = "answer_accepted"
	UpvoteReceived   EventType = "upvote_received"
	DownvoteReceived EventType = "downvote_received"
	DailyLogin       EventType = "daily_login"
	ProfileCompleted EventType = "profile_completed"

	// AdminAdjustment carries caller-supplied deltas and requires an authorized actor.
	AdminAdjustment EventType = "admin_adjustment"
)

// EventTypes lists every known event type in a stable order.
var EventTypes = []EventType{
	QuestionCreated,
	AnswerValidated,
	AnswerAccepted,
	UpvoteReceived,
	DownvoteReceived,
	DailyLogin,
	ProfileCompleted,
	AdminAdjustment,
}

// IsValid returns true if the type belongs to the enumeration.
func (t EventType) IsValid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (t EventType) String() string {
	return string(t)
}

// ParseEventType converts external input into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.IsValid() {
		return "", errUnknownType(s)
	}
	return t, nil
}

func errUnknownType(s string) error {
	return shared.WrapError("points", "Parse", shared.ErrValidation, "unknown event type", unknownTypeError(s))
}

type unknownTypeError string

func (e unknownTypeError) Error() string { return "event_type=" + string(e) }

// Delta is a signed pair of balance changes.
type Delta struct {
	PC   int64 `json:"pc" yaml:"pc"`
	PCon int64 `json:"pcon" yaml:"pcon"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.PC == 0 && d.PCon == 0
}

// Event is one immutable ledger record. Seq is assigned by the ledger and is
// dense per user, starting at 1.
type Event struct {
	ID             string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	Type           EventType `json:"event_type"`
	PCDelta        int64     `json:"pc_delta"`
	PConDelta      int64     `json:"pcon_delta"`
	SourceEntityID string    `json:"source_entity_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delta returns the event's balance change.
func (e *Event) Delta() Delta {
	return Delta{PC: e.PCDelta, PCon: e.PConDelta}
}

// Validate checks the fields every stored event must carry.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return shared.ErrEventIDRequired
	}
	if strings.TrimSpace(e.UserID) == "" {
		return shared.ErrUserIDRequired
	}
	if !e.Type.IsValid() {
		return errUnknownType(string(e.Type))
	}
	return nil
}

// LoginDay returns the UTC calendar day of the event.
func (e *Event) LoginDay() time.Time {
	return DayOf(e.CreatedAt)
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	return timeutil.StartOfDay(t)
}

// Actor is the authorization context attached to admin adjustments.
type Actor struct {
	ID    string
	Roles []string
	Token string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
