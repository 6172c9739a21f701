package posture

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/posture-cv/server/models"
	"go.uber.org/zap"
)

const (
	GoodPostureMessage    = "Good posture"
	NoPersonMessage       = "No person detected"
	EstimationFailMessage = "Pose estimation failed"
)

var ErrMissingLandmark = errors.New("missing landmark")

// KneeToeMode selects how the knee/ankle horizontal offset is measured.
type KneeToeMode string

const (
	// KneeToeSymmetric measures |kneeX - ankleX| on each leg.
	KneeToeSymmetric KneeToeMode = "symmetric"
	// KneeToeForward measures kneeX - ankleX, flagging only a knee past the
	// ankle toward +x.
	KneeToeForward KneeToeMode = "forward"
)

func ParseKneeToeMode(s string) (KneeToeMode, error) {
	switch KneeToeMode(s) {
	case KneeToeSymmetric, KneeToeForward:
		return KneeToeMode(s), nil
	case "":
		return KneeToeSymmetric, nil
	}
	return "", fmt.Errorf("unknown knee-toe mode %q", s)
}

type Evaluator struct {
	rules    *RuleSet
	kneeMode KneeToeMode
	logger   *zap.Logger
}

func NewEvaluator(rules *RuleSet, kneeMode KneeToeMode, logger *zap.Logger) *Evaluator {
	if kneeMode == "" {
		kneeMode = KneeToeSymmetric
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		rules:    rules,
		kneeMode: kneeMode,
		logger:   logger,
	}
}

// Evaluate classifies one frame. A nil landmark set means the estimator found
// nobody; the verdict then carries a single no-detection issue.
func (e *Evaluator) Evaluate(landmarks *models.LandmarkSet, frameIndex int, timestamp *float64) models.FrameVerdict {
	if landmarks == nil {
		return SentinelVerdict(frameIndex, timestamp, models.RuleNoPersonDetected, NoPersonMessage)
	}

	issues := e.rules.Apply(e.Measure(landmarks, frameIndex))
	return models.FrameVerdict{
		FrameIndex: frameIndex,
		Timestamp:  timestamp,
		Issues:     issues,
		IsGood:     len(issues) == 0,
	}
}

// Measure computes every metric the landmark set allows. Metrics that hit
// degenerate geometry or missing landmarks are left out.
func (e *Evaluator) Measure(landmarks *models.LandmarkSet, frameIndex int) Measurements {
	m := make(Measurements, 3)

	if back, err := jointAngle(landmarks,
		models.LandmarkLeftShoulder, models.LandmarkLeftHip, models.LandmarkLeftKnee); err == nil {
		m[MetricBackAngle] = back
	} else {
		e.skip(MetricBackAngle, frameIndex, err)
	}

	if neck, err := jointAngle(landmarks,
		models.LandmarkLeftEar, models.LandmarkLeftShoulder, models.LandmarkLeftHip); err == nil {
		m[MetricNeckAngle] = neck
	} else {
		e.skip(MetricNeckAngle, frameIndex, err)
	}

	if offset, err := kneeToeOffset(landmarks, e.kneeMode); err == nil {
		m[MetricKneeToeOffset] = offset
	} else {
		e.skip(MetricKneeToeOffset, frameIndex, err)
	}

	return m
}

func (e *Evaluator) skip(metric Metric, frameIndex int, err error) {
	e.logger.Debug("Metric not evaluable",
		zap.String("metric", string(metric)),
		zap.Int("frame", frameIndex),
		zap.Error(err))
}

// SentinelVerdict builds a failed verdict whose single issue stands in for
// rule evaluation.
func SentinelVerdict(frameIndex int, timestamp *float64, ruleID, message string) models.FrameVerdict {
	return models.FrameVerdict{
		FrameIndex: frameIndex,
		Timestamp:  timestamp,
		Issues: []models.IssueDescriptor{{
			RuleID:   ruleID,
			Message:  message,
			Severity: models.SeverityBad,
		}},
		IsGood: false,
	}
}

func jointAngle(landmarks *models.LandmarkSet, a, vertex, c models.LandmarkName) (float64, error) {
	pa, err := lookup(landmarks, a)
	if err != nil {
		return 0, err
	}
	pb, err := lookup(landmarks, vertex)
	if err != nil {
		return 0, err
	}
	pc, err := lookup(landmarks, c)
	if err != nil {
		return 0, err
	}
	return AngleAt(pa, pb, pc)
}

// kneeToeOffset is the largest offset over the legs whose knee and ankle are
// both present.
func kneeToeOffset(landmarks *models.LandmarkSet, mode KneeToeMode) (float64, error) {
	legs := [][2]models.LandmarkName{
		{models.LandmarkLeftKnee, models.LandmarkLeftAnkle},
		{models.LandmarkRightKnee, models.LandmarkRightAnkle},
	}

	offset := math.Inf(-1)
	measured := false
	for _, leg := range legs {
		knee, okKnee := landmarks.Get(leg[0])
		ankle, okAnkle := landmarks.Get(leg[1])
		if !okKnee || !okAnkle {
			continue
		}

		d := knee.X - ankle.X
		if mode == KneeToeSymmetric {
			d = math.Abs(d)
		}
		offset = math.Max(offset, d)
		measured = true
	}

	if !measured {
		return 0, fmt.Errorf("%w: no leg with both knee and ankle", ErrMissingLandmark)
	}
	return offset, nil
}

func lookup(landmarks *models.LandmarkSet, name models.LandmarkName) (models.Point, error) {
	p, ok := landmarks.Get(name)
	if !ok {
		return models.Point{}, fmt.Errorf("%w: %s", ErrMissingLandmark, name)
	}
	return p, nil
}
