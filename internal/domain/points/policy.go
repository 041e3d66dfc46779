package points

import (
	"fmt"

	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// PolicyTable prices every non-admin event type. It is immutable once built.
type PolicyTable struct {
	deltas map[EventType]Delta
}

// DefaultDeltas is the production price list. PC values and the PCon for
// question_created and answer_accepted follow the Q&A platform's scoring
// config. The other PCon values are local so that every positive activity
// moves both currencies; override them with the policy file.
func DefaultDeltas() map[EventType]Delta {
	return map[EventType]Delta{
		QuestionCreated:  {PC: 5, PCon: 2},
		AnswerValidated:  {PC: 10, PCon: 3},
		AnswerAccepted:   {PC: 25, PCon: 5},
		UpvoteReceived:   {PC: 3, PCon: 1},
		DownvoteReceived: {PC: -1, PCon: 0},
		DailyLogin:       {PC: 1, PCon: 1},
		ProfileCompleted: {PC: 10, PCon: 5},
	}
}

// DefaultPolicy returns the table built from DefaultDeltas.
func DefaultPolicy() *PolicyTable {
	p, err := NewPolicyTable(DefaultDeltas())
	if err != nil {
		panic(err)
	}
	return p
}

// NewPolicyTable validates and freezes a price list. Every non-admin event type
// must be present and admin_adjustment must not be.
func NewPolicyTable(deltas map[EventType]Delta) (*PolicyTable, error) {
	frozen := make(map[EventType]Delta, len(deltas))
	for t, d := range deltas {
		if t == AdminAdjustment {
			return nil, shared.ErrAdminAdjustmentInPolicy
		}
		if !t.IsValid() {
			return nil, errUnknownType(string(t))
		}
		frozen[t] = d
	}
	for _, t := range EventTypes {
		if t == AdminAdjustment {
			continue
		}
		if _, ok := frozen[t]; !ok {
			return nil, shared.WrapError("points", "LoadPolicy", shared.ErrInvalidInput,
				shared.ErrIncompletePolicy.Message, fmt.Errorf("missing %s", t))
		}
	}
	return &PolicyTable{deltas: frozen}, nil
}

// DeltaFor returns the price of a non-admin event type.
func (p *PolicyTable) DeltaFor(t EventType) (Delta, error) {
	if t == AdminAdjustment {
		return Delta{}, shared.ErrAdjustmentViaRecord
	}
	d, ok := p.deltas[t]
	if !ok {
		return Delta{}, errUnknownType(string(t))
	}
	return d, nil
}

// Entries returns a copy of the table in EventTypes order.
func (p *PolicyTable) Entries() []PolicyEntry {
	out := make([]PolicyEntry, 0, len(p.deltas))
	for _, t := range EventTypes {
		if d, ok := p.deltas[t]; ok {
			out = append(out, PolicyEntry{Type: t, Delta: d})
		}
	}
	return out
}

// PolicyEntry is one row of the table.
type PolicyEntry struct {
	Type  EventType
	Delta Delta
}
