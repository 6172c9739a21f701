package annotate

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/san-kum/posture-cv/server/models"
)

// Connections are the skeleton edges drawn between landmarks.
var Connections = [][2]models.LandmarkName{
	{models.LandmarkLeftEar, models.LandmarkLeftShoulder},
	{models.LandmarkRightEar, models.LandmarkRightShoulder},
	{models.LandmarkLeftShoulder, models.LandmarkRightShoulder},
	{models.LandmarkLeftShoulder, models.LandmarkLeftElbow},
	{models.LandmarkLeftElbow, models.LandmarkLeftWrist},
	{models.LandmarkRightShoulder, models.LandmarkRightElbow},
	{models.LandmarkRightElbow, models.LandmarkRightWrist},
	{models.LandmarkLeftShoulder, models.LandmarkLeftHip},
	{models.LandmarkRightShoulder, models.LandmarkRightHip},
	{models.LandmarkLeftHip, models.LandmarkRightHip},
	{models.LandmarkLeftHip, models.LandmarkLeftKnee},
	{models.LandmarkLeftKnee, models.LandmarkLeftAnkle},
	{models.LandmarkRightHip, models.LandmarkRightKnee},
	{models.LandmarkRightKnee, models.LandmarkRightAnkle},
}

const WarningText = "Bad posture"

type Style struct {
	Good        color.RGBA
	Bad         color.RGBA
	Text        color.RGBA
	TextBox     color.RGBA
	LineWidth   float32
	JointRadius float32
}

func DefaultStyle() Style {
	return Style{
		Good:        color.RGBA{R: 0, G: 200, B: 0, A: 255},
		Bad:         color.RGBA{R: 220, G: 0, B: 0, A: 255},
		Text:        color.RGBA{R: 255, G: 255, B: 255, A: 255},
		TextBox:     color.RGBA{R: 0, G: 0, B: 0, A: 160},
		LineWidth:   3,
		JointRadius: 5,
	}
}

type Annotator struct {
	style  Style
	face   font.Face
	logger *zap.Logger
}

func NewAnnotator(style Style, logger *zap.Logger) *Annotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{
		style:  style,
		face:   basicfont.Face7x13,
		logger: logger,
	}
}

// Draw returns a copy of img with the skeleton overlaid, green for a good
// verdict and red otherwise. Non-good frames also get the warning and the
// issue messages in the top-left corner. A nil landmark set draws no
// skeleton.
func (a *Annotator) Draw(img image.Image, landmarks *models.LandmarkSet, verdict models.FrameVerdict) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	c := a.style.Good
	if !verdict.IsGood {
		c = a.style.Bad
	}

	if landmarks != nil && landmarks.Len() > 0 {
		a.drawSkeleton(out, landmarks, c)
	}

	if !verdict.IsGood {
		lines := []string{WarningText}
		for _, issue := range verdict.Issues {
			lines = append(lines, issue.Message)
		}
		a.drawText(out, lines)
	}

	return out
}

func (a *Annotator) drawSkeleton(dst *image.RGBA, landmarks *models.LandmarkSet, c color.RGBA) {
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	r := vector.NewRasterizer(w, h)

	toPixel := func(p models.Point) (float32, float32) {
		return float32(p.X * float64(w)), float32(p.Y * float64(h))
	}

	for _, edge := range Connections {
		p1, ok1 := landmarks.Get(edge[0])
		p2, ok2 := landmarks.Get(edge[1])
		if !ok1 || !ok2 {
			continue
		}
		x1, y1 := toPixel(p1)
		x2, y2 := toPixel(p2)
		addLine(r, x1, y1, x2, y2, a.style.LineWidth)
	}

	for _, name := range landmarks.Names() {
		p, _ := landmarks.Get(name)
		x, y := toPixel(p)
		addCircle(r, x, y, a.style.JointRadius)
	}

	r.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

// addLine adds a stroke of the given width as a quad.
func addLine(r *vector.Rasterizer, x1, y1, x2, y2, width float32) {
	dx, dy := x2-x1, y2-y1
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2

	r.MoveTo(x1+nx, y1+ny)
	r.LineTo(x2+nx, y2+ny)
	r.LineTo(x2-nx, y2-ny)
	r.LineTo(x1-nx, y1-ny)
	r.ClosePath()
}

const circleSegments = 16

// addCircle winds like addLine; opposite windings cancel where shapes overlap.
func addCircle(r *vector.Rasterizer, cx, cy, radius float32) {
	for i := 0; i <= circleSegments; i++ {
		theta := -2 * math.Pi * float64(i) / circleSegments
		x := cx + radius*float32(math.Cos(theta))
		y := cy + radius*float32(math.Sin(theta))
		if i == 0 {
			r.MoveTo(x, y)
		} else {
			r.LineTo(x, y)
		}
	}
	r.ClosePath()
}

func (a *Annotator) drawText(dst *image.RGBA, lines []string) {
	const pad = 4
	metrics := a.face.Metrics()
	lineHeight := metrics.Height.Ceil()

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(a.style.Text), Face: a.face}

	maxWidth := 0
	for _, line := range lines {
		if w := d.MeasureString(line).Ceil(); w > maxWidth {
			maxWidth = w
		}
	}

	box := image.Rect(0, 0, maxWidth+2*pad, len(lines)*lineHeight+2*pad).Intersect(dst.Bounds())
	draw.Draw(dst, box, image.NewUniform(a.style.TextBox), image.Point{}, draw.Over)

	for i, line := range lines {
		d.Dot = fixed.P(pad, pad+i*lineHeight+metrics.Ascent.Ceil())
		d.DrawString(line)
	}
}
