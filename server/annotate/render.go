package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/models"
)

// FrameOverlay is what gets drawn on one frame.
type FrameOverlay struct {
	Landmarks *models.LandmarkSet
	Verdict   models.FrameVerdict
}

// Renderer writes annotated stills and videos into outputDir.
type Renderer struct {
	annotator   *Annotator
	opener      media.Opener
	transcoder  *media.Transcoder
	outputDir   string
	jpegQuality int
	logger      *zap.Logger
}

func NewRenderer(annotator *Annotator, opener media.Opener, transcoder *media.Transcoder, outputDir string, jpegQuality int, logger *zap.Logger) *Renderer {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		annotator:   annotator,
		opener:      opener,
		transcoder:  transcoder,
		outputDir:   outputDir,
		jpegQuality: jpegQuality,
		logger:      logger,
	}
}

// OutputPath is where the annotated rendering of sourcePath is written.
func (r *Renderer) OutputPath(sourcePath string, kind models.MediaKind) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	ext := ".jpg"
	if kind == models.MediaVideo {
		ext = ".mp4"
	}
	return filepath.Join(r.outputDir, base+"_annotated"+ext)
}

// RenderImage annotates a still image.
func (r *Renderer) RenderImage(sourcePath string, overlay FrameOverlay) (string, error) {
	img, err := r.opener.OpenImage(sourcePath)
	if err != nil {
		return "", err
	}
	return r.writeStill(sourcePath, overlay, img)
}

// RenderVideoStill annotates the first frame of a video as a JPEG.
func (r *Renderer) RenderVideoStill(ctx context.Context, sourcePath string, overlay FrameOverlay) (string, error) {
	src, _, err := r.opener.OpenVideo(ctx, sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	frame, err := src.Next(ctx)
	if err != nil {
		return "", fmt.Errorf("read first frame: %w", err)
	}
	return r.writeStill(sourcePath, overlay, frame.Image)
}

func (r *Renderer) writeStill(sourcePath string, overlay FrameOverlay, img image.Image) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	out := r.OutputPath(sourcePath, models.MediaImage)
	annotated := r.annotator.Draw(img, overlay.Landmarks, overlay.Verdict)
	if err := media.WriteJPEG(out, annotated, r.jpegQuality); err != nil {
		return "", err
	}
	return out, nil
}

// RenderVideo re-decodes sourcePath and encodes every frame with its overlay.
// overlays is indexed by frame index; frames past its end are copied as is.
func (r *Renderer) RenderVideo(ctx context.Context, sourcePath string, overlays []FrameOverlay) (string, error) {
	if r.transcoder == nil {
		return "", errors.New("no transcoder configured")
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}

	src, info, err := r.opener.OpenVideo(ctx, sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	out := r.OutputPath(sourcePath, models.MediaVideo)
	sink, err := r.transcoder.NewVideoSink(ctx, out, info.Width, info.Height, info.FrameRate)
	if err != nil {
		return "", err
	}

	written := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sink.Abort()
			return "", fmt.Errorf("decode frame %d: %w", written, err)
		}

		overlay := FrameOverlay{Verdict: models.FrameVerdict{FrameIndex: frame.Index, IsGood: true}}
		if frame.Index < len(overlays) {
			overlay = overlays[frame.Index]
		}

		annotated := r.annotator.Draw(frame.Image, overlay.Landmarks, overlay.Verdict)
		if err := sink.WriteFrame(annotated); err != nil {
			sink.Abort()
			return "", fmt.Errorf("encode frame %d: %w", frame.Index, err)
		}
		written++
	}

	if written == 0 {
		sink.Abort()
		return "", errors.New("video has no frames")
	}
	if err := sink.Close(); err != nil {
		return "", err
	}

	r.logger.Info("Annotated video written",
		zap.String("path", out),
		zap.Int("frames", written))
	return out, nil
}
