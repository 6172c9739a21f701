package models

type Severity string

const (
	SeverityBad Severity = "bad"
)

// Rule ids used for issues that replace rule evaluation.
const (
	RuleNoPersonDetected = "no_person_detected"
	RuleEstimationFailed = "estimation_failed"
	RuleSourceFailure    = "source_failure"
)

type IssueDescriptor struct {
	RuleID   string   `json:"ruleId"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// FrameVerdict is the classification of a single frame. IsGood is true
// exactly when Issues is empty. Timestamp is nil for still images.
type FrameVerdict struct {
	FrameIndex int               `json:"frameIndex"`
	Timestamp  *float64          `json:"timestampSeconds,omitempty"`
	Issues     []IssueDescriptor `json:"issues"`
	IsGood     bool              `json:"isGood"`
}

// FrameRecord is one row of the result table: one per issue, or a single
// confirmation row for a good frame.
type FrameRecord struct {
	Frame     int      `json:"frame"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	RuleID    string   `json:"ruleId,omitempty"`
	Message   string   `json:"message"`
	Good      bool     `json:"good"`
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

type SessionResult struct {
	Frames             []FrameRecord  `json:"frames"`
	Verdicts           []FrameVerdict `json:"verdicts"`
	Summary            []string       `json:"summary"`
	AnnotatedMediaPath *string        `json:"annotatedMediaPath"`
	AnnotatedMediaKind MediaKind      `json:"annotatedMediaKind,omitempty"`
	AnnotationStatus   string         `json:"annotationStatus,omitempty"`
	// Incomplete is set when the analysis stopped before the end of the media.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Seconds returns a pointer to v, for FrameVerdict and FrameRecord timestamps.
func Seconds(v float64) *float64 {
	return &v
}
