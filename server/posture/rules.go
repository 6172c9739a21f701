package posture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/san-kum/posture-cv/server/models"
)

type Metric string

const (
	MetricBackAngle     Metric = "back_angle"
	MetricNeckAngle     Metric = "neck_angle"
	MetricKneeToeOffset Metric = "knee_toe_offset"
)

type Comparison string

const (
	Below Comparison = "below"
	Above Comparison = "above"
)

// valuePlaceholder is replaced in a rule message by the truncated metric value.
const valuePlaceholder = "{value}"

// Rule is one posture check: it fires when Metric compares against Threshold
// as Comparison says.
type Rule struct {
	ID         string     `json:"id" yaml:"id"`
	Metric     Metric     `json:"metric" yaml:"metric"`
	Comparison Comparison `json:"comparison" yaml:"comparison"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Message    string     `json:"message" yaml:"message"`
}

func (r Rule) Fires(value float64) bool {
	switch r.Comparison {
	case Below:
		return value < r.Threshold
	case Above:
		return value > r.Threshold
	}
	return false
}

func (r Rule) Issue(value float64) models.IssueDescriptor {
	return models.IssueDescriptor{
		RuleID:   r.ID,
		Message:  strings.ReplaceAll(r.Message, valuePlaceholder, strconv.Itoa(truncateDegrees(value))),
		Severity: models.SeverityBad,
	}
}

// Thresholds are the tunable limits of the standard rule set. Angles are in
// degrees, the knee tolerance is a fraction of the normalized image width.
type Thresholds struct {
	BackAngleLow      float64
	BackAngleStraight float64
	NeckAngle         float64
	KneeToeTolerance  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		BackAngleLow:      150,
		BackAngleStraight: 165,
		NeckAngle:         150,
		KneeToeTolerance:  0.05,
	}
}

// StandardRules returns the posture checks in evaluation order. The two back
// rules overlap below BackAngleLow and both fire there.
func StandardRules(t Thresholds) []Rule {
	return []Rule{
		{
			ID:         "back_angle_low",
			Metric:     MetricBackAngle,
			Comparison: Below,
			Threshold:  t.BackAngleLow,
			Message:    "Back angle too low: {value}°",
		},
		{
			ID:         "back_not_straight",
			Metric:     MetricBackAngle,
			Comparison: Below,
			Threshold:  t.BackAngleStraight,
			Message:    "Back not straight: {value}°",
		},
		{
			ID:         "knee_beyond_toe",
			Metric:     MetricKneeToeOffset,
			Comparison: Above,
			Threshold:  t.KneeToeTolerance,
			Message:    "Knee goes beyond toe",
		},
		{
			ID:         "neck_bent",
			Metric:     MetricNeckAngle,
			Comparison: Below,
			Threshold:  t.NeckAngle,
			Message:    "Neck bent too much: {value}°",
		},
	}
}

// Measurements holds the metrics that could be computed for a frame. A metric
// missing from the map makes every rule reading it inapplicable.
type Measurements map[Metric]float64

type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true

		switch r.Metric {
		case MetricBackAngle, MetricNeckAngle, MetricKneeToeOffset:
		default:
			return nil, fmt.Errorf("rule %q: unknown metric %q", r.ID, r.Metric)
		}
		if r.Comparison != Below && r.Comparison != Above {
			return nil, fmt.Errorf("rule %q: unknown comparison %q", r.ID, r.Comparison)
		}
		if r.Message == "" {
			return nil, fmt.Errorf("rule %q: message is required", r.ID)
		}
	}

	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &RuleSet{rules: copied}, nil
}

func (rs *RuleSet) Rules() []Rule {
	copied := make([]Rule, len(rs.rules))
	copy(copied, rs.rules)
	return copied
}

// Apply runs every rule in order and returns the issues that fired.
func (rs *RuleSet) Apply(m Measurements) []models.IssueDescriptor {
	issues := []models.IssueDescriptor{}
	for _, r := range rs.rules {
		value, ok := m[r.Metric]
		if !ok {
			continue
		}
		if r.Fires(value) {
			issues = append(issues, r.Issue(value))
		}
	}
	return issues
}
