package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

// ErrInvalidRule is returned when a rule set fails validation.
var ErrInvalidRule = errors.New("router: invalid rule")

// Field selects which finding attribute a condition inspects.
type Field string

const (
	FieldConfidence Field = "confidence"
	FieldVerdict    Field = "verdict"
)

// Operator compares a field against a rule value.
type Operator string

const (
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

// Match selects how conditions treat multiple entries under one prefix.
type Match string

const (
	MatchAny Match = "any"
	MatchAll Match = "all"
)

// Condition tests the findings stored under KeyPrefix.
type Condition struct {
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	Field     Field    `json:"field" yaml:"field"`
	Op        Operator `json:"op" yaml:"op"`
	Value     any      `json:"value" yaml:"value"`
	Match     Match    `json:"match,omitempty" yaml:"match,omitempty"`
}

// Rule routes from one node (or "*") to the next when its condition holds.
type Rule struct {
	From   string     `json:"from" yaml:"from"`
	When   *Condition `json:"when,omitempty" yaml:"when,omitempty"`
	To     string     `json:"to" yaml:"to"`
	Flag   string     `json:"flag,omitempty" yaml:"flag,omitempty"`
	Reason string     `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RuleSet is the declarative routing policy. Rules are evaluated in order
// and the first match wins; Default applies when none match.
type RuleSet struct {
	MaxSteps int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Default  string `json:"default,omitempty" yaml:"default,omitempty"`
	Rules    []Rule `json:"rules" yaml:"rules"`
}

// DefaultRules walks contract analysis, visual inspection and planogram
// matching in order, skipping straight to scoring with an elevated
// uncertainty flag when the contract finding is weak.
func DefaultRules() RuleSet {
	return RuleSet{
		MaxSteps: DefaultMaxSteps,
		Default:  TerminalScore,
		Rules: []Rule{
			{From: NodeStart, To: domain.RoleContractAnalysis},
			{
				From: domain.RoleContractAnalysis,
				When: &Condition{
					KeyPrefix: domain.FindingsPrefix + domain.RoleContractAnalysis + "/",
					Field:     FieldConfidence,
					Op:        OpLT,
					Value:     0.5,
				},
				To:     TerminalScore,
				Flag:   domain.FlagElevatedUncertainty,
				Reason: "contract confidence below 0.5",
			},
			{From: domain.RoleContractAnalysis, To: domain.RoleVisualInspection},
			{From: domain.RoleVisualInspection, To: domain.RolePlanogramMatching},
			{From: domain.RolePlanogramMatching, To: TerminalScore},
		},
	}
}

// Normalized trims names, fills defaults and validates the set.
func (rs RuleSet) Normalized() (RuleSet, error) {
	clone := RuleSet{
		MaxSteps: rs.MaxSteps,
		Default:  strings.TrimSpace(rs.Default),
		Rules:    make([]Rule, 0, len(rs.Rules)),
	}
	if clone.MaxSteps <= 0 {
		clone.MaxSteps = DefaultMaxSteps
	}
	if clone.Default == "" {
		clone.Default = TerminalScore
	}
	for idx, rule := range rs.Rules {
		rule.From = strings.TrimSpace(rule.From)
		rule.To = strings.TrimSpace(rule.To)
		rule.Flag = strings.TrimSpace(rule.Flag)
		if rule.When != nil {
			cond := *rule.When
			cond.Field = Field(strings.ToLower(strings.TrimSpace(string(cond.Field))))
			cond.Op = Operator(strings.ToLower(strings.TrimSpace(string(cond.Op))))
			cond.Match = Match(strings.ToLower(strings.TrimSpace(string(cond.Match))))
			if cond.Match == "" {
				cond.Match = MatchAny
			}
			rule.When = &cond
		}
		if err := rule.validate(); err != nil {
			return RuleSet{}, fmt.Errorf("%w: rules[%d]: %v", ErrInvalidRule, idx, err)
		}
		clone.Rules = append(clone.Rules, rule)
	}
	return clone, nil
}

func (rule Rule) validate() error {
	if rule.From == "" {
		return fmt.Errorf("from is required")
	}
	if rule.To == "" {
		return fmt.Errorf("to is required")
	}
	if rule.To == NodeStart {
		return fmt.Errorf("cannot route back to %s", NodeStart)
	}
	if rule.When == nil {
		return nil
	}
	cond := rule.When
	if cond.KeyPrefix == "" {
		return fmt.Errorf("when.key_prefix is required")
	}
	switch cond.Match {
	case MatchAny, MatchAll:
	default:
		return fmt.Errorf("when.match %q must be any or all", cond.Match)
	}
	switch cond.Field {
	case FieldConfidence:
		if _, ok := toFloat(cond.Value); !ok {
			return fmt.Errorf("when.value must be numeric for confidence")
		}
		switch cond.Op {
		case OpLT, OpLTE, OpGT, OpGTE, OpEQ, OpNE:
		default:
			return fmt.Errorf("when.op %q is not supported", cond.Op)
		}
	case FieldVerdict:
		raw, ok := cond.Value.(string)
		if !ok {
			return fmt.Errorf("when.value must be a verdict string")
		}
		if _, err := domain.ParseVerdict(raw); err != nil {
			return err
		}
		if cond.Op != OpEQ && cond.Op != OpNE {
			return fmt.Errorf("when.op %q is not supported for verdict", cond.Op)
		}
	default:
		return fmt.Errorf("when.field %q must be confidence or verdict", cond.Field)
	}
	return nil
}

// RulesPolicy evaluates a normalized RuleSet.
type RulesPolicy struct {
	set RuleSet
}

// NewRulesPolicy validates rs and returns a Policy over it.
func NewRulesPolicy(rs RuleSet) (*RulesPolicy, error) {
	normalized, err := rs.Normalized()
	if err != nil {
		return nil, err
	}
	return &RulesPolicy{set: normalized}, nil
}

// MaxSteps returns the configured walk bound.
func (p *RulesPolicy) MaxSteps() int {
	return p.set.MaxSteps
}

// Next returns the first matching rule's target.
func (p *RulesPolicy) Next(current string, snapshot contextstore.Reader) (Decision, error) {
	for _, rule := range p.set.Rules {
		if rule.From != current && rule.From != "*" {
			continue
		}
		if rule.When != nil && !rule.When.holds(snapshot) {
			continue
		}
		decision := Decision{Next: rule.To, Reason: rule.Reason}
		if rule.Flag != "" {
			decision.Flags = []string{rule.Flag}
		}
		return decision, nil
	}
	return Decision{Next: p.set.Default, Reason: "default"}, nil
}

func (c *Condition) holds(snapshot contextstore.Reader) bool {
	if snapshot == nil {
		return false
	}
	entries := snapshot.GetAll(c.KeyPrefix)
	matched := 0
	considered := 0
	for _, entry := range entries {
		finding, ok := entry.Value.(domain.Finding)
		if !ok {
			continue
		}
		considered++
		if c.test(finding) {
			matched++
			if c.Match == MatchAny {
				return true
			}
		}
	}
	if c.Match == MatchAll {
		return considered > 0 && matched == considered
	}
	return false
}

func (c *Condition) test(f domain.Finding) bool {
	switch c.Field {
	case FieldConfidence:
		want, _ := toFloat(c.Value)
		return compare(f.Confidence, want, c.Op)
	case FieldVerdict:
		raw, _ := c.Value.(string)
		want, err := domain.ParseVerdict(raw)
		if err != nil {
			return false
		}
		if c.Op == OpNE {
			return f.Verdict != want
		}
		return f.Verdict == want
	}
	return false
}

func compare(got, want float64, op Operator) bool {
	switch op {
	case OpLT:
		return got < want
	case OpLTE:
		return got <= want
	case OpGT:
		return got > want
	case OpGTE:
		return got >= want
	case OpEQ:
		return got == want
	case OpNE:
		return got != want
	}
	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
