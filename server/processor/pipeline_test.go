package processor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/annotate"
	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/models"
	"github.com/san-kum/posture-cv/server/posture"
)

// Frames carry their index in the image width so the fake estimator can
// tell them apart.
func taggedFrame(index int, fps float64) media.Frame {
	img := image.NewRGBA(image.Rect(0, 0, index+1, 1))
	img.Set(0, 0, color.White)
	return media.Frame{Image: img, Index: index, Timestamp: models.Seconds(float64(index) / fps)}
}

type fakeSource struct {
	frames []media.Frame
	next   int
	err    error
	closed bool
}

func (s *fakeSource) Next(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}
	if s.next >= len(s.frames) {
		if s.err != nil {
			return media.Frame{}, s.err
		}
		return media.Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	source  *fakeSource
	img     image.Image
	openErr error
}

func (o *fakeOpener) OpenVideo(ctx context.Context, path string) (media.FrameSource, *media.VideoInfo, error) {
	if o.openErr != nil {
		return nil, nil, o.openErr
	}
	n := len(o.source.frames)
	return o.source, &media.VideoInfo{Width: 4, Height: 1, FrameRate: 2, Duration: time.Duration(n) * 500 * time.Millisecond}, nil
}

func (o *fakeOpener) OpenImage(path string) (image.Image, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.img, nil
}

func videoOpener(count int) *fakeOpener {
	frames := make([]media.Frame, count)
	for i := range frames {
		frames[i] = taggedFrame(i, 2)
	}
	return &fakeOpener{source: &fakeSource{frames: frames}}
}

func standing() *models.LandmarkSet {
	return models.NewLandmarkSet(map[models.LandmarkName]models.Point{
		models.LandmarkLeftEar:       {X: 0.5, Y: 0.1},
		models.LandmarkLeftShoulder:  {X: 0.5, Y: 0.2},
		models.LandmarkLeftHip:       {X: 0.5, Y: 0.5},
		models.LandmarkLeftKnee:      {X: 0.5, Y: 0.7},
		models.LandmarkLeftAnkle:     {X: 0.5, Y: 0.9},
		models.LandmarkRightShoulder: {X: 0.5, Y: 0.2},
		models.LandmarkRightHip:      {X: 0.5, Y: 0.5},
		models.LandmarkRightKnee:     {X: 0.5, Y: 0.7},
		models.LandmarkRightAnkle:    {X: 0.5, Y: 0.9},
	})
}

// kneesForward has both ankles 0.1 behind the knees and a straight back.
func kneesForward() *models.LandmarkSet {
	return models.NewLandmarkSet(map[models.LandmarkName]models.Point{
		models.LandmarkLeftEar:       {X: 0.5, Y: 0.1},
		models.LandmarkLeftShoulder:  {X: 0.5, Y: 0.2},
		models.LandmarkLeftHip:       {X: 0.5, Y: 0.5},
		models.LandmarkLeftKnee:      {X: 0.5, Y: 0.7},
		models.LandmarkLeftAnkle:     {X: 0.4, Y: 0.9},
		models.LandmarkRightShoulder: {X: 0.5, Y: 0.2},
		models.LandmarkRightHip:      {X: 0.5, Y: 0.5},
		models.LandmarkRightKnee:     {X: 0.5, Y: 0.7},
		models.LandmarkRightAnkle:    {X: 0.4, Y: 0.9},
	})
}

// scriptedEstimator answers per frame index from poses; indexes in errs fail.
// Earlier frames are slowed down so workers finish out of order.
type scriptedEstimator struct {
	poses   map[int]*models.LandmarkSet
	errs    map[int]error
	stagger time.Duration

	mu    sync.Mutex
	calls int
}

func (e *scriptedEstimator) Estimate(ctx context.Context, img image.Image) (*models.LandmarkSet, error) {
	index := img.Bounds().Dx() - 1

	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.stagger > 0 {
		select {
		case <-time.After(e.stagger * time.Duration(10-index%10)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := e.errs[index]; ok {
		return nil, err
	}
	return e.poses[index], nil
}

func newTestPipeline(t *testing.T, opener media.Opener, est *scriptedEstimator, renderer *annotate.Renderer, mode AnnotationMode) *Pipeline {
	t.Helper()
	rules, err := posture.NewRuleSet(posture.StandardRules(posture.DefaultThresholds()))
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(
		opener,
		est,
		posture.NewEvaluator(rules, posture.KneeToeSymmetric, zap.NewNop()),
		posture.NewAggregator(posture.GroupByMessage, posture.DefaultSummaryTimestamps),
		renderer,
		PipelineConfig{Workers: 3, QueueSize: 4, AnnotationMode: mode},
		zap.NewNop(),
	)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func TestAnalyzeVideoKeepsFrameOrder(t *testing.T) {
	est := &scriptedEstimator{
		poses: map[int]*models.LandmarkSet{
			0: standing(), 1: kneesForward(), 2: nil, 3: kneesForward(),
			4: standing(), 5: kneesForward(), 6: kneesForward(), 7: standing(),
		},
		stagger: time.Millisecond,
	}
	opener := videoOpener(8)
	p := newTestPipeline(t, opener, est, nil, AnnotateNone)

	var progress []int
	result := p.AnalyzeVideo(context.Background(), "run.mp4", func(processed, total int) {
		if total != 8 {
			t.Errorf("total = %d, expected 8", total)
		}
		progress = append(progress, processed)
	})

	if len(result.Verdicts) != 8 {
		t.Fatalf("expected 8 verdicts, got %d", len(result.Verdicts))
	}
	for i, v := range result.Verdicts {
		if v.FrameIndex != i {
			t.Fatalf("verdict %d has frame index %d", i, v.FrameIndex)
		}
		if v.IsGood != (len(v.Issues) == 0) {
			t.Errorf("frame %d: IsGood inconsistent with issues", i)
		}
	}
	if result.Verdicts[2].Issues[0].Message != posture.NoPersonMessage {
		t.Errorf("frame 2 = %+v, expected no-person sentinel", result.Verdicts[2])
	}

	expected := []string{
		"Knee goes beyond toe detected at 0.5s, 1.5s, 2.5s...",
		"No person detected detected at 1.0s",
	}
	if strings.Join(result.Summary, "|") != strings.Join(expected, "|") {
		t.Errorf("summary = %q, expected %q", result.Summary, expected)
	}
	if result.AnnotatedMediaPath != nil {
		t.Error("annotation was disabled")
	}
	if !opener.source.closed {
		t.Error("source was not closed")
	}
	if len(progress) != 8 || progress[7] != 8 {
		t.Errorf("progress = %v", progress)
	}

	stats := p.GetStats()
	if stats.FramesProcessed != 8 || stats.SessionsAnalyzed != 1 || stats.EstimationFailures != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAnalyzeVideoEstimationFailureIsPerFrame(t *testing.T) {
	est := &scriptedEstimator{
		poses: map[int]*models.LandmarkSet{0: standing(), 2: standing()},
		errs:  map[int]error{1: errors.New("connection refused")},
	}
	p := newTestPipeline(t, videoOpener(3), est, nil, AnnotateNone)

	result := p.AnalyzeVideo(context.Background(), "run.mp4", nil)

	if len(result.Frames) != 3 {
		t.Fatalf("frames = %+v", result.Frames)
	}
	failed := result.Frames[1]
	if failed.Good || failed.Message != posture.EstimationFailMessage || failed.RuleID != models.RuleEstimationFailed {
		t.Errorf("frame 1 row = %+v", failed)
	}
	if !result.Frames[0].Good || !result.Frames[2].Good {
		t.Error("neighbouring frames should still be evaluated")
	}
	if p.GetStats().EstimationFailures != 1 {
		t.Errorf("stats = %+v", p.GetStats())
	}
}

func TestAnalyzeVideoSourceFailure(t *testing.T) {
	p := newTestPipeline(t, &fakeOpener{openErr: errors.New("moov atom not found")}, &scriptedEstimator{}, nil, AnnotateAuto)

	result := p.AnalyzeVideo(context.Background(), "broken.mp4", nil)

	if len(result.Frames) != 1 || result.Frames[0].Good {
		t.Fatalf("frames = %+v", result.Frames)
	}
	if result.Frames[0].Message != "Could not open video: moov atom not found" {
		t.Errorf("message = %q", result.Frames[0].Message)
	}
	if len(result.Summary) != 0 || result.AnnotatedMediaPath != nil {
		t.Errorf("failure result must have empty summary and no annotation: %+v", result)
	}
}

func TestAnalyzeVideoDecodeErrorBeforeFirstFrame(t *testing.T) {
	opener := &fakeOpener{source: &fakeSource{err: errors.New("invalid data found")}}
	p := newTestPipeline(t, opener, &scriptedEstimator{}, nil, AnnotateNone)

	result := p.AnalyzeVideo(context.Background(), "broken.webm", nil)
	if len(result.Frames) != 1 || !strings.HasPrefix(result.Frames[0].Message, "Could not open video: ") {
		t.Errorf("frames = %+v", result.Frames)
	}
}

func TestAnalyzeVideoDecodeErrorKeepsEarlierFrames(t *testing.T) {
	opener := videoOpener(2)
	opener.source.err = errors.New("corrupt packet")
	est := &scriptedEstimator{poses: map[int]*models.LandmarkSet{0: standing(), 1: standing()}}
	p := newTestPipeline(t, opener, est, nil, AnnotateNone)

	result := p.AnalyzeVideo(context.Background(), "partial.mp4", nil)
	if len(result.Verdicts) != 2 || result.Summary[0] != posture.NoIssuesSummary {
		t.Errorf("result = %+v", result)
	}
}

func TestAnalyzeVideoCancelKeepsEvaluatedFrames(t *testing.T) {
	poses := make(map[int]*models.LandmarkSet)
	for i := 0; i < 20; i++ {
		poses[i] = standing()
	}
	opener := videoOpener(20)
	renderer := annotate.NewRenderer(annotate.NewAnnotator(annotate.DefaultStyle(), nil), opener, nil, t.TempDir(), 0, nil)
	p := newTestPipeline(t, opener, &scriptedEstimator{poses: poses}, renderer, AnnotateVideo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := p.AnalyzeVideo(ctx, "long.mp4", func(processed, total int) {
		if processed == 2 {
			cancel()
		}
	})

	if len(result.Verdicts) != 2 {
		t.Fatalf("expected the 2 evaluated frames, got %d", len(result.Verdicts))
	}
	if result.Verdicts[0].FrameIndex != 0 || result.Verdicts[1].FrameIndex != 1 {
		t.Errorf("verdicts = %+v", result.Verdicts)
	}
	if result.Summary[0] != posture.NoIssuesSummary {
		t.Errorf("summary = %v", result.Summary)
	}
	if !result.Incomplete {
		t.Error("cancelled analysis not marked incomplete")
	}
	if result.AnnotatedMediaPath != nil || result.AnnotationStatus != AnnotationUnavailable {
		t.Errorf("annotation = %v, %q", result.AnnotatedMediaPath, result.AnnotationStatus)
	}
}

func TestAnalyzeVideoEmpty(t *testing.T) {
	p := newTestPipeline(t, videoOpener(0), &scriptedEstimator{}, nil, AnnotateNone)

	result := p.AnalyzeVideo(context.Background(), "empty.mp4", nil)
	if result.Incomplete {
		t.Error("finished analysis marked incomplete")
	}
	if len(result.Frames) != 0 || len(result.Summary) != 1 || result.Summary[0] != posture.NoIssuesSummary {
		t.Errorf("result = %+v", result)
	}
}

func TestAnalyzeImage(t *testing.T) {
	opener := &fakeOpener{img: taggedFrame(0, 1).Image}
	est := &scriptedEstimator{poses: map[int]*models.LandmarkSet{0: kneesForward()}}
	p := newTestPipeline(t, opener, est, nil, AnnotateNone)

	result := p.AnalyzeImage(context.Background(), "photo.jpg")

	if len(result.Verdicts) != 1 || result.Verdicts[0].FrameIndex != 0 || result.Verdicts[0].Timestamp != nil {
		t.Fatalf("verdicts = %+v", result.Verdicts)
	}
	if len(result.Summary) != 1 || result.Summary[0] != "Knee goes beyond toe" {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestAnalyzeImageFailure(t *testing.T) {
	p := newTestPipeline(t, &fakeOpener{openErr: errors.New("unexpected EOF")}, &scriptedEstimator{}, nil, AnnotateNone)

	result := p.AnalyzeImage(context.Background(), "photo.png")
	if len(result.Frames) != 1 || result.Frames[0].Message != "Failed to load image: unexpected EOF" {
		t.Errorf("frames = %+v", result.Frames)
	}
	if p.GetStats().SourceFailures != 1 {
		t.Errorf("stats = %+v", p.GetStats())
	}
}

func TestAnalyzeFileRouting(t *testing.T) {
	opener := videoOpener(1)
	opener.img = taggedFrame(0, 1).Image
	est := &scriptedEstimator{poses: map[int]*models.LandmarkSet{0: standing()}}
	p := newTestPipeline(t, opener, est, nil, AnnotateNone)

	still := p.AnalyzeFile(context.Background(), "a/photo.PNG", nil)
	if still.Verdicts[0].Timestamp != nil {
		t.Error("images carry no timestamp")
	}

	video := p.AnalyzeFile(context.Background(), "a/clip.webm", nil)
	if video.Verdicts[0].Timestamp == nil || *video.Verdicts[0].Timestamp != 0 {
		t.Error("video frames carry timestamps")
	}

	unsupported := p.AnalyzeFile(context.Background(), "notes.txt", nil)
	if len(unsupported.Frames) != 1 || !strings.Contains(unsupported.Frames[0].Message, ".txt") {
		t.Errorf("unsupported = %+v", unsupported.Frames)
	}
}

func TestAnnotationStillForImage(t *testing.T) {
	dir := t.TempDir()
	opener := &fakeOpener{img: image.NewRGBA(image.Rect(0, 0, 64, 64))}
	renderer := annotate.NewRenderer(annotate.NewAnnotator(annotate.DefaultStyle(), nil), opener, nil, dir, 0, nil)
	est := &scriptedEstimator{poses: map[int]*models.LandmarkSet{63: standing()}}
	p := newTestPipeline(t, opener, est, renderer, AnnotateAuto)

	result := p.AnalyzeImage(context.Background(), "uploads/photo.png")

	if result.AnnotatedMediaPath == nil || *result.AnnotatedMediaPath != filepath.Join(dir, "photo_annotated.jpg") {
		t.Fatalf("annotated path = %v (status %q)", result.AnnotatedMediaPath, result.AnnotationStatus)
	}
	if result.AnnotatedMediaKind != models.MediaImage {
		t.Errorf("kind = %q", result.AnnotatedMediaKind)
	}
}

func TestAnnotationFailureDoesNotAffectAnalysis(t *testing.T) {
	opener := videoOpener(2)
	// No transcoder, so full video rendering fails.
	renderer := annotate.NewRenderer(annotate.NewAnnotator(annotate.DefaultStyle(), nil), opener, nil, t.TempDir(), 0, nil)
	est := &scriptedEstimator{poses: map[int]*models.LandmarkSet{0: standing(), 1: kneesForward()}}
	p := newTestPipeline(t, opener, est, renderer, AnnotateVideo)

	result := p.AnalyzeVideo(context.Background(), "clip.mp4", nil)

	if result.AnnotatedMediaPath != nil || result.AnnotationStatus != AnnotationUnavailable {
		t.Errorf("annotation = %v, %q", result.AnnotatedMediaPath, result.AnnotationStatus)
	}
	if len(result.Verdicts) != 2 || result.Summary[0] != "Knee goes beyond toe detected at 0.5s" {
		t.Errorf("analysis changed by annotation failure: %+v", result)
	}
	if p.GetStats().AnnotationFailures != 1 {
		t.Errorf("stats = %+v", p.GetStats())
	}
}

func TestParseAnnotationMode(t *testing.T) {
	for _, s := range []string{"auto", "still", "video", "none"} {
		if m, err := ParseAnnotationMode(s); err != nil || string(m) != s {
			t.Errorf("ParseAnnotationMode(%q) = %q, %v", s, m, err)
		}
	}
	if m, _ := ParseAnnotationMode(""); m != AnnotateAuto {
		t.Errorf("empty mode = %q", m)
	}
	if _, err := ParseAnnotationMode("gif"); err == nil {
		t.Error("expected error")
	}
}
