package annotate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/models"
)

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

func skeleton() *models.LandmarkSet {
	return models.NewLandmarkSet(map[models.LandmarkName]models.Point{
		models.LandmarkLeftShoulder: {X: 0.5, Y: 0.2},
		models.LandmarkLeftHip:      {X: 0.5, Y: 0.5},
		models.LandmarkLeftKnee:     {X: 0.5, Y: 0.8},
	})
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestDrawGoodFrameIsGreen(t *testing.T) {
	a := NewAnnotator(DefaultStyle(), nil)
	out := a.Draw(whiteImage(100, 100), skeleton(), models.FrameVerdict{IsGood: true})

	if got := rgbaAt(out, 50, 50); got != DefaultStyle().Good {
		t.Errorf("joint pixel = %v, expected good color", got)
	}
	if got := rgbaAt(out, 50, 35); got != DefaultStyle().Good {
		t.Errorf("edge pixel = %v, expected good color", got)
	}
	if got := rgbaAt(out, 2, 2); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("good frames carry no warning box, corner = %v", got)
	}
	if got := rgbaAt(out, 90, 90); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("background pixel changed: %v", got)
	}
}

func TestDrawBadFrameIsRedWithWarning(t *testing.T) {
	a := NewAnnotator(DefaultStyle(), nil)
	verdict := models.FrameVerdict{
		Issues: []models.IssueDescriptor{{RuleID: "back_angle_low", Message: "Back angle too low: 140°", Severity: models.SeverityBad}},
	}
	out := a.Draw(whiteImage(200, 200), skeleton(), verdict)

	if got := rgbaAt(out, 100, 100); got != DefaultStyle().Bad {
		t.Errorf("joint pixel = %v, expected bad color", got)
	}
	corner := rgbaAt(out, 1, 1)
	if corner.R == 255 && corner.G == 255 && corner.B == 255 {
		t.Error("expected the warning box to darken the top-left corner")
	}
}

func TestDrawWithoutLandmarksCopiesSource(t *testing.T) {
	a := NewAnnotator(DefaultStyle(), nil)
	src := whiteImage(40, 30)
	out := a.Draw(src, nil, models.FrameVerdict{IsGood: true})

	if out.Bounds() != src.Bounds() {
		t.Errorf("bounds = %v", out.Bounds())
	}
	if &out.Pix[0] == &src.Pix[0] {
		t.Error("Draw must not modify the source image in place")
	}
	for i := range src.Pix {
		if out.Pix[i] != src.Pix[i] {
			t.Fatalf("pixel byte %d differs", i)
		}
	}
}

func TestDrawSubImageOrigin(t *testing.T) {
	a := NewAnnotator(DefaultStyle(), nil)
	base := whiteImage(200, 200)
	sub := base.SubImage(image.Rect(100, 100, 200, 200))

	out := a.Draw(sub, skeleton(), models.FrameVerdict{IsGood: true})
	if out.Bounds() != image.Rect(0, 0, 100, 100) {
		t.Errorf("bounds = %v", out.Bounds())
	}
	if got := rgbaAt(out, 50, 50); got != DefaultStyle().Good {
		t.Errorf("joint pixel = %v", got)
	}
}

type fakeOpener struct {
	img    image.Image
	frames []media.Frame
	err    error
}

func (f *fakeOpener) OpenImage(path string) (image.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

func (f *fakeOpener) OpenVideo(ctx context.Context, path string) (media.FrameSource, *media.VideoInfo, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	b := f.frames[0].Image.Bounds()
	return &fakeSource{frames: f.frames}, &media.VideoInfo{Width: b.Dx(), Height: b.Dy(), FrameRate: 30}, nil
}

type fakeSource struct {
	frames []media.Frame
	next   int
}

func (s *fakeSource) Next(ctx context.Context) (media.Frame, error) {
	if s.next >= len(s.frames) {
		return media.Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *fakeSource) Close() error { return nil }

func TestRenderImage(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer(NewAnnotator(DefaultStyle(), nil), &fakeOpener{img: whiteImage(64, 64)}, nil, dir, 0, nil)

	out, err := r.RenderImage("/uploads/photo.png", FrameOverlay{Landmarks: skeleton(), Verdict: models.FrameVerdict{IsGood: true}})
	if err != nil {
		t.Fatalf("RenderImage: %v", err)
	}
	if out != filepath.Join(dir, "photo_annotated.jpg") {
		t.Errorf("output path = %q", out)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Errorf("annotated file missing: %v", err)
	}
}

func TestRenderVideoStill(t *testing.T) {
	dir := t.TempDir()
	opener := &fakeOpener{frames: []media.Frame{{Image: whiteImage(32, 32), Index: 0, Timestamp: models.Seconds(0)}}}
	r := NewRenderer(NewAnnotator(DefaultStyle(), nil), opener, nil, dir, 80, nil)

	out, err := r.RenderVideoStill(context.Background(), "/uploads/clip.mp4", FrameOverlay{Verdict: models.FrameVerdict{IsGood: true}})
	if err != nil {
		t.Fatalf("RenderVideoStill: %v", err)
	}
	if filepath.Base(out) != "clip_annotated.jpg" {
		t.Errorf("output path = %q", out)
	}
}

func TestRenderFailures(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	r := NewRenderer(NewAnnotator(DefaultStyle(), nil), &fakeOpener{err: boom}, nil, dir, 0, nil)

	if _, err := r.RenderImage("a.png", FrameOverlay{}); !errors.Is(err, boom) {
		t.Errorf("RenderImage error = %v", err)
	}
	if _, err := r.RenderVideo(context.Background(), "a.mp4", nil); err == nil {
		t.Error("RenderVideo without a transcoder must fail")
	}
}

func TestOutputPath(t *testing.T) {
	r := NewRenderer(NewAnnotator(DefaultStyle(), nil), nil, nil, "annotated", 0, nil)
	if got := r.OutputPath("videos/run.webm", models.MediaVideo); got != filepath.Join("annotated", "run_annotated.mp4") {
		t.Errorf("video output = %q", got)
	}
	if got := r.OutputPath("videos/pic.jpeg", models.MediaImage); got != filepath.Join("annotated", "pic_annotated.jpg") {
		t.Errorf("image output = %q", got)
	}
}
