package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/rank"
)

// PolicyFile is the optional YAML override of the point and rank tables.
//
//	points:
//	  question_created: {pc: 5, pcon: 2}
//	ranks:
//	  gate: all
//	  table: default
//	  tiers:
//	    - {name: Iniciante, pc: 0, pcon: 0}
//
// Point entries are merged over the defaults. Explicit tiers win over table.
type PolicyFile struct {
	Points map[string]points.Delta `yaml:"points"`
	Ranks  RanksSection            `yaml:"ranks"`
}

// RanksSection configures the rank calculator.
type RanksSection struct {
	Gate  string      `yaml:"gate"`
	Table string      `yaml:"table"`
	Tiers []rank.Tier `yaml:"tiers"`
}

// Policy is the resolved, validated pair of tables.
type Policy struct {
	Points *points.PolicyTable
	Ranks  *rank.Calculator
}

// LoadPolicy resolves the engine tables from EngineConfig. A configured
// PolicyFile overrides RANK_TABLE and RANK_GATE where it sets them.
func LoadPolicy(cfg EngineConfig) (*Policy, error) {
	file := &PolicyFile{}
	if cfg.PolicyFile != "" {
		raw, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		file, err = ParsePolicyFile(raw)
		if err != nil {
			return nil, err
		}
	}
	return file.Resolve(cfg.RankTable, cfg.RankGate)
}

// ParsePolicyFile decodes YAML, rejecting unknown keys.
func ParsePolicyFile(raw []byte) (*PolicyFile, error) {
	file := &PolicyFile{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	return file, nil
}

// Resolve builds the tables, falling back to the given table name and gate.
func (f *PolicyFile) Resolve(defaultTable, defaultGate string) (*Policy, error) {
	deltas := points.DefaultDeltas()
	for name, d := range f.Points {
		t, err := points.ParseEventType(name)
		if err != nil {
			return nil, fmt.Errorf("policy points: %w", err)
		}
		deltas[t] = d
	}
	table, err := points.NewPolicyTable(deltas)
	if err != nil {
		return nil, fmt.Errorf("policy points: %w", err)
	}

	gateName := defaultGate
	if f.Ranks.Gate != "" {
		gateName = f.Ranks.Gate
	}
	gate, err := rank.ParseGate(gateName)
	if err != nil {
		return nil, fmt.Errorf("policy ranks: %w", err)
	}

	tiers := f.Ranks.Tiers
	if len(tiers) == 0 {
		tableName := defaultTable
		if f.Ranks.Table != "" {
			tableName = f.Ranks.Table
		}
		var ok bool
		tiers, ok = rank.TiersByName(tableName)
		if !ok {
			return nil, fmt.Errorf("policy ranks: unknown table %q", tableName)
		}
	}
	calc, err := rank.NewCalculator(tiers, gate)
	if err != nil {
		return nil, fmt.Errorf("policy ranks: %w", err)
	}

	return &Policy{Points: table, Ranks: calc}, nil
}
