package posture

import (
	"errors"
	"math"

	"github.com/san-kum/posture-cv/server/models"
)

var ErrDegenerateAngle = errors.New("degenerate angle: vertex coincides with an endpoint")

const coincidenceEpsilon = 1e-12

// AngleAt returns the unsigned angle in degrees at vertex b between the rays
// b->a and b->c. The result is always in [0, 180].
func AngleAt(a, b, c models.Point) (float64, error) {
	if coincident(a, b) || coincident(c, b) {
		return 0, ErrDegenerateAngle
	}

	radians := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	angle := math.Abs(radians * 180.0 / math.Pi)
	if angle > 180 {
		angle = 360 - angle
	}
	return angle, nil
}

func coincident(p, q models.Point) bool {
	return math.Abs(p.X-q.X) < coincidenceEpsilon && math.Abs(p.Y-q.Y) < coincidenceEpsilon
}

// truncateDegrees drops the fractional part, toward zero.
func truncateDegrees(v float64) int {
	return int(v)
}
