package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/san-kum/posture-cv/server/models"
)

// FFmpegOpener decodes videos through an ffmpeg pipe and stills in process.
type FFmpegOpener struct {
	ffmpegPath  string
	prober      *Prober
	fallbackFPS float64
	logger      *zap.Logger
}

func NewFFmpegOpener(ffmpegPath string, prober *Prober, fallbackFPS float64, logger *zap.Logger) *FFmpegOpener {
	if fallbackFPS <= 0 {
		fallbackFPS = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegOpener{
		ffmpegPath:  ffmpegPath,
		prober:      prober,
		fallbackFPS: fallbackFPS,
		logger:      logger,
	}
}

// OpenVideo probes path and starts decoding it to raw RGBA frames. Errors
// returned here mean the video could not be opened at all.
func (o *FFmpegOpener) OpenVideo(ctx context.Context, path string) (FrameSource, *VideoInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}

	probe, err := o.prober.Probe(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	width, height := probe.DisplaySize()
	if width <= 0 || height <= 0 {
		return nil, nil, fmt.Errorf("%s: invalid frame size %dx%d", path, width, height)
	}

	fps := probe.FrameRate
	if fps <= 0 {
		o.logger.Warn("Frame rate unknown, using fallback",
			zap.String("path", path),
			zap.Float64("fps", o.fallbackFPS))
		fps = o.fallbackFPS
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, o.ffmpegPath, decodeArgs(path)...)
	src := &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		width:  width,
		height: height,
		fps:    fps,
		logger: o.logger,
	}
	cmd.Stderr = &src.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, err
	}
	src.stdout = stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, &CommandError{Op: "ffmpeg decode", Err: err}
	}

	o.logger.Debug("Decoding video",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("fps", fps))

	return src, &VideoInfo{Width: width, Height: height, FrameRate: fps, Duration: probe.Duration}, nil
}

func decodeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-i", path,
		"-an", "-sn",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

// OpenImage decodes a JPEG, PNG, WebP or BMP file.
func (o *FFmpegOpener) OpenImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr bytes.Buffer
	width  int
	height int
	fps    float64
	index  int
	done   bool
	logger *zap.Logger
}

func (s *ffmpegSource) Next(ctx context.Context) (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if werr := s.wait(); werr != nil && s.index == 0 {
				return Frame{}, werr
			}
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	frame := Frame{
		Image:     img,
		Index:     s.index,
		Timestamp: models.Seconds(float64(s.index) / s.fps),
	}
	s.index++
	return frame, nil
}

func (s *ffmpegSource) wait() error {
	if err := s.cmd.Wait(); err != nil {
		cerr := &CommandError{Op: "ffmpeg decode", Err: err, Stderr: stderrTail(&s.stderr)}
		s.logger.Warn("Video decoder exited with error",
			zap.Int("frames", s.index),
			zap.Error(cerr))
		return cerr
	}
	return nil
}

func (s *ffmpegSource) Close() error {
	if !s.done {
		s.done = true
		s.cancel()
		_ = s.cmd.Wait()
		return nil
	}
	s.cancel()
	return nil
}
