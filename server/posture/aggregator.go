package posture

import (
	"fmt"
	"strings"

	"github.com/san-kum/posture-cv/server/models"
)

const (
	NoIssuesSummary          = "No posture issues detected"
	DefaultSummaryTimestamps = 3
)

// GroupBy decides which issues share a summary line.
type GroupBy string

const (
	// GroupByMessage keys on the literal message, so two different angle
	// values land in two different lines.
	GroupByMessage GroupBy = "message"
	// GroupByRule keys on the rule id; the line is labeled with the message
	// of the first occurrence.
	GroupByRule GroupBy = "rule"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case GroupByMessage, GroupByRule:
		return GroupBy(s), nil
	case "":
		return GroupByMessage, nil
	}
	return "", fmt.Errorf("unknown summary grouping %q", s)
}

type Aggregator struct {
	groupBy       GroupBy
	maxTimestamps int
}

func NewAggregator(groupBy GroupBy, maxTimestamps int) *Aggregator {
	if groupBy == "" {
		groupBy = GroupByMessage
	}
	if maxTimestamps <= 0 {
		maxTimestamps = DefaultSummaryTimestamps
	}
	return &Aggregator{
		groupBy:       groupBy,
		maxTimestamps: maxTimestamps,
	}
}

// Aggregate builds the session result for verdicts given in frame order.
func (a *Aggregator) Aggregate(verdicts []models.FrameVerdict) *models.SessionResult {
	kept := make([]models.FrameVerdict, len(verdicts))
	copy(kept, verdicts)

	return &models.SessionResult{
		Frames:   a.Records(kept),
		Verdicts: kept,
		Summary:  a.Summarize(kept),
	}
}

// Records flattens verdicts into one row per issue, plus one confirmation row
// per good frame.
func (a *Aggregator) Records(verdicts []models.FrameVerdict) []models.FrameRecord {
	records := make([]models.FrameRecord, 0, len(verdicts))
	for _, v := range verdicts {
		if v.IsGood {
			records = append(records, models.FrameRecord{
				Frame:     v.FrameIndex,
				Timestamp: v.Timestamp,
				Message:   GoodPostureMessage,
				Good:      true,
			})
			continue
		}
		for _, issue := range v.Issues {
			records = append(records, models.FrameRecord{
				Frame:     v.FrameIndex,
				Timestamp: v.Timestamp,
				RuleID:    issue.RuleID,
				Message:   issue.Message,
				Good:      false,
			})
		}
	}
	return records
}

type summaryGroup struct {
	label      string
	count      int
	timestamps []float64
}

func (a *Aggregator) Summarize(verdicts []models.FrameVerdict) []string {
	var order []string
	groups := make(map[string]*summaryGroup)

	for _, v := range verdicts {
		for _, issue := range v.Issues {
			key := issue.Message
			if a.groupBy == GroupByRule {
				key = issue.RuleID
			}

			g, ok := groups[key]
			if !ok {
				g = &summaryGroup{label: issue.Message}
				groups[key] = g
				order = append(order, key)
			}
			g.count++
			if v.Timestamp != nil && len(g.timestamps) < a.maxTimestamps {
				g.timestamps = append(g.timestamps, *v.Timestamp)
			}
		}
	}

	if len(order) == 0 {
		return []string{NoIssuesSummary}
	}

	summary := make([]string, 0, len(order))
	for _, key := range order {
		summary = append(summary, a.formatGroup(groups[key]))
	}
	return summary
}

func (a *Aggregator) formatGroup(g *summaryGroup) string {
	if len(g.timestamps) == 0 {
		return g.label
	}

	times := make([]string, len(g.timestamps))
	for i, ts := range g.timestamps {
		times[i] = fmt.Sprintf("%.1fs", ts)
	}

	line := fmt.Sprintf("%s detected at %s", g.label, strings.Join(times, ", "))
	if g.count > a.maxTimestamps {
		line += "..."
	}
	return line
}

// FailureResult is the result for media that could not be read at all: one
// failed row, no summary.
func FailureResult(message string) *models.SessionResult {
	verdict := SentinelVerdict(0, nil, models.RuleSourceFailure, message)
	return &models.SessionResult{
		Frames: []models.FrameRecord{{
			Frame:   0,
			RuleID:  models.RuleSourceFailure,
			Message: message,
			Good:    false,
		}},
		Verdicts: []models.FrameVerdict{verdict},
		Summary:  []string{},
	}
}
