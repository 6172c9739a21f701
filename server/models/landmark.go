package models

import (
	"encoding/json"
	"slices"
	"sort"
)

type LandmarkName string

const (
	LandmarkNose          LandmarkName = "nose"
	LandmarkLeftEar       LandmarkName = "left_ear"
	LandmarkRightEar      LandmarkName = "right_ear"
	LandmarkLeftShoulder  LandmarkName = "left_shoulder"
	LandmarkRightShoulder LandmarkName = "right_shoulder"
	LandmarkLeftElbow     LandmarkName = "left_elbow"
	LandmarkRightElbow    LandmarkName = "right_elbow"
	LandmarkLeftWrist     LandmarkName = "left_wrist"
	LandmarkRightWrist    LandmarkName = "right_wrist"
	LandmarkLeftHip       LandmarkName = "left_hip"
	LandmarkRightHip      LandmarkName = "right_hip"
	LandmarkLeftKnee      LandmarkName = "left_knee"
	LandmarkRightKnee     LandmarkName = "right_knee"
	LandmarkLeftAnkle     LandmarkName = "left_ankle"
	LandmarkRightAnkle    LandmarkName = "right_ankle"
)

// KnownLandmarks lists every landmark the analyzer understands, head to feet.
var KnownLandmarks = []LandmarkName{
	LandmarkNose,
	LandmarkLeftEar, LandmarkRightEar,
	LandmarkLeftShoulder, LandmarkRightShoulder,
	LandmarkLeftElbow, LandmarkRightElbow,
	LandmarkLeftWrist, LandmarkRightWrist,
	LandmarkLeftHip, LandmarkRightHip,
	LandmarkLeftKnee, LandmarkRightKnee,
	LandmarkLeftAnkle, LandmarkRightAnkle,
}

// Known reports whether n is one of KnownLandmarks.
func (n LandmarkName) Known() bool {
	return slices.Contains(KnownLandmarks, n)
}

// Point is a 2D coordinate normalized to the image: x and y in [0,1],
// origin top-left, y growing downward.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Landmark struct {
	Name       LandmarkName `json:"name"`
	X          float64      `json:"x"`
	Y          float64      `json:"y"`
	Visibility float64      `json:"visibility"`
}

// LandmarkSet is the set of points a pose estimator found for one person in
// one frame. It is read-only once built.
type LandmarkSet struct {
	points map[LandmarkName]Point
}

func NewLandmarkSet(points map[LandmarkName]Point) *LandmarkSet {
	copied := make(map[LandmarkName]Point, len(points))
	for name, p := range points {
		copied[name] = p
	}
	return &LandmarkSet{points: copied}
}

// LandmarkSetFrom builds a set from estimator output, keeping known landmarks
// whose visibility reaches minVisibility. Later duplicates win.
func LandmarkSetFrom(landmarks []Landmark, minVisibility float64) *LandmarkSet {
	points := make(map[LandmarkName]Point, len(landmarks))
	for _, lm := range landmarks {
		if lm.Visibility < minVisibility || !lm.Name.Known() {
			continue
		}
		points[lm.Name] = Point{X: lm.X, Y: lm.Y}
	}
	return &LandmarkSet{points: points}
}

func (s *LandmarkSet) Get(name LandmarkName) (Point, bool) {
	if s == nil {
		return Point{}, false
	}
	p, ok := s.points[name]
	return p, ok
}

func (s *LandmarkSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.points)
}

// Names returns the landmark names in the set, sorted.
func (s *LandmarkSet) Names() []LandmarkName {
	if s == nil {
		return nil
	}
	names := make([]LandmarkName, 0, len(s.points))
	for name := range s.points {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (s *LandmarkSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.points)
}

func (s *LandmarkSet) UnmarshalJSON(data []byte) error {
	var points map[LandmarkName]Point
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}
	s.points = points
	return nil
}
