package ml

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"

	"github.com/san-kum/posture-cv/server/models"
)

// Estimator finds the body landmarks of the person in an image. A nil set
// with a nil error means nobody was detected.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*models.LandmarkSet, error)
}

// ModelInfoProvider is implemented by estimators that can describe the model
// behind them.
type ModelInfoProvider interface {
	ModelInfo(ctx context.Context) (map[string]interface{}, error)
}

var ErrEstimatorClosed = errors.New("estimator closed")

// landmarkWire is a landmark as pose services send it.
type landmarkWire struct {
	Name       string  `json:"name" msgpack:"name"`
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Visibility float64 `json:"visibility" msgpack:"visibility"`
}

type estimateRequest struct {
	ImageData []byte `json:"image_data" msgpack:"image_data"`
	Width     int    `json:"width" msgpack:"width"`
	Height    int    `json:"height" msgpack:"height"`
}

type estimateResponse struct {
	Detected     bool           `json:"detected" msgpack:"detected"`
	Landmarks    []landmarkWire `json:"landmarks" msgpack:"landmarks"`
	ModelVersion string         `json:"model_version,omitempty" msgpack:"model_version,omitempty"`
	Error        string         `json:"error,omitempty" msgpack:"error,omitempty"`
}

// toLandmarkSet converts a response, returning nil when nobody was detected
// or no landmark passed the visibility cut.
func (r *estimateResponse) toLandmarkSet(minVisibility float64) *models.LandmarkSet {
	if !r.Detected || len(r.Landmarks) == 0 {
		return nil
	}
	landmarks := make([]models.Landmark, len(r.Landmarks))
	for i, lm := range r.Landmarks {
		landmarks[i] = models.Landmark{
			Name:       models.LandmarkName(lm.Name),
			X:          lm.X,
			Y:          lm.Y,
			Visibility: lm.Visibility,
		}
	}
	set := models.LandmarkSetFrom(landmarks, minVisibility)
	if set.Len() == 0 {
		return nil
	}
	return set
}

func newEstimateRequest(img image.Image, quality int) (*estimateRequest, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &estimateRequest{
		ImageData: buf.Bytes(),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}, nil
}
