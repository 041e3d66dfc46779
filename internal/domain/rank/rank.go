// Package rank derives a user's tier from their PC and PCon balances.
package rank

import (
	"strings"

	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// Tier is one step of the rank ladder.
type Tier struct {
	Name          string `json:"name" yaml:"name"`
	PCThreshold   int64  `json:"pc_threshold" yaml:"pc"`
	PConThreshold int64  `json:"pcon_threshold" yaml:"pcon"`
}

// Gate decides how the two thresholds of a tier combine.
type Gate string

const (
	// GateAll requires both thresholds. This is the default ladder semantics.
	GateAll Gate = "all"
	// GateAny requires either non-zero threshold.
	GateAny Gate = "any"
)

// ParseGate accepts "all"/"and" and "any"/"or".
func ParseGate(s string) (Gate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "and":
		return GateAll, nil
	case "any", "or":
		return GateAny, nil
	default:
		return "", shared.ErrUnknownGate
	}
}

// DefaultTiers is the dual-currency ladder.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Iniciante", PCThreshold: 0, PConThreshold: 0},
		{Name: "Colaborador", PCThreshold: 50, PConThreshold: 25},
		{Name: "Especialista", PCThreshold: 150, PConThreshold: 75},
		{Name: "Veterano", PCThreshold: 300, PConThreshold: 150},
		{Name: "Mestre", PCThreshold: 600, PConThreshold: 300},
		{Name: "Lenda", PCThreshold: 1200, PConThreshold: 600},
	}
}

// LegacyTiers is the older PC-only ladder.
func LegacyTiers() []Tier {
	return []Tier{
		{Name: "Iniciante", PCThreshold: 0},
		{Name: "Desenvolvedor", PCThreshold: 100},
		{Name: "Especialista", PCThreshold: 500},
		{Name: "Mestre", PCThreshold: 2000},
		{Name: "Guru", PCThreshold: 5000},
	}
}

// TiersByName resolves a configured table name.
func TiersByName(name string) ([]Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return DefaultTiers(), true
	case "legacy":
		return LegacyTiers(), true
	default:
		return nil, false
	}
}

// Calculator is a pure function of (pc, pcon) over a validated tier table.
type Calculator struct {
	tiers []Tier
	gate  Gate
}

// NewCalculator validates that the table starts at (0,0) and that both
// thresholds are non-decreasing.
func NewCalculator(tiers []Tier, gate Gate) (*Calculator, error) {
	if len(tiers) == 0 || tiers[0].PCThreshold != 0 || tiers[0].PConThreshold != 0 {
		return nil, shared.ErrInvalidTierTable
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].PCThreshold < tiers[i-1].PCThreshold || tiers[i].PConThreshold < tiers[i-1].PConThreshold {
			return nil, shared.ErrInvalidTierTable
		}
		if tiers[i].Name == "" {
			return nil, shared.ErrInvalidTierTable
		}
	}
	if gate != GateAll && gate != GateAny {
		return nil, shared.ErrUnknownGate
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &Calculator{tiers: cp, gate: gate}, nil
}

// DefaultCalculator returns the dual-gate calculator over DefaultTiers.
func DefaultCalculator() *Calculator {
	c, err := NewCalculator(DefaultTiers(), GateAll)
	if err != nil {
		panic(err)
	}
	return c
}

// Gate returns the configured gate policy.
func (c *Calculator) Gate() Gate { return c.gate }

// Tiers returns a copy of the ladder.
func (c *Calculator) Tiers() []Tier {
	cp := make([]Tier, len(c.tiers))
	copy(cp, c.tiers)
	return cp
}

// Rank returns the highest tier whose gate is satisfied.
func (c *Calculator) Rank(pc, pcon int64) Tier {
	idx := c.index(pc, pcon)
	return c.tiers[idx]
}

// Next returns the tier after the current one, if any.
func (c *Calculator) Next(pc, pcon int64) (Tier, bool) {
	idx := c.index(pc, pcon)
	if idx+1 >= len(c.tiers) {
		return Tier{}, false
	}
	return c.tiers[idx+1], true
}

func (c *Calculator) index(pc, pcon int64) int {
	best := 0
	for i, t := range c.tiers {
		if c.admits(t, pc, pcon) {
			best = i
		}
	}
	return best
}

// admits reports whether (pc, pcon) clears t. Under GateAny a zero threshold
// does not gate the tier, so a single-currency ladder such as LegacyTiers
// ranks on the currency it names instead of admitting everyone.
func (c *Calculator) admits(t Tier, pc, pcon int64) bool {
	pcOK := pc >= t.PCThreshold
	pconOK := pcon >= t.PConThreshold
	if c.gate != GateAny {
		return pcOK && pconOK
	}
	switch {
	case t.PCThreshold == 0 && t.PConThreshold == 0:
		return true
	case t.PCThreshold == 0:
		return pconOK
	case t.PConThreshold == 0:
		return pcOK
	}
	return pcOK || pconOK
}

// Shortfall is what a user still needs for a tier.
type Shortfall struct {
	PC   int64
	PCon int64
}

// ShortfallTo returns the missing balances towards t, floored at zero.
func ShortfallTo(t Tier, pc, pcon int64) Shortfall {
	return Shortfall{PC: max(0, t.PCThreshold-pc), PCon: max(0, t.PConThreshold-pcon)}
}
