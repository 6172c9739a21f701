package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type TranscoderOptions struct {
	CRF    int
	Preset string
}

// Transcoder wraps the ffmpeg invocations that produce browser-playable
// H.264 MP4 files.
type Transcoder struct {
	ffmpegPath string
	opts       TranscoderOptions
	logger     *zap.Logger
}

func NewTranscoder(ffmpegPath string, opts TranscoderOptions, logger *zap.Logger) *Transcoder {
	if opts.CRF <= 0 {
		opts.CRF = 23
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{ffmpegPath: ffmpegPath, opts: opts, logger: logger}
}

// Normalize converts a non-MP4 video next to the source and returns the new
// path. MP4 input is returned unchanged.
func (t *Transcoder) Normalize(ctx context.Context, inputPath string) (string, error) {
	ext := Ext(inputPath)
	if ext == ".mp4" {
		return inputPath, nil
	}

	outputPath := inputPath[:len(inputPath)-len(ext)] + ".mp4"
	start := time.Now()

	cmd := exec.CommandContext(ctx, t.ffmpegPath, t.normalizeArgs(inputPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		return "", &CommandError{Op: "ffmpeg normalize", Err: err, Stderr: stderrTail(&stderr)}
	}

	t.logger.Info("Normalized video",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Duration("took", time.Since(start)))
	return outputPath, nil
}

func (t *Transcoder) normalizeArgs(inputPath, outputPath string) []string {
	return []string{
		"-y",
		"-v", "error",
		"-i", inputPath,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(t.opts.CRF),
		"-preset", t.opts.Preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}
}

// NewVideoSink starts an encoder that reads raw RGBA frames of the given size
// and writes an H.264 MP4 to outputPath.
func (t *Transcoder) NewVideoSink(ctx context.Context, outputPath string, width, height int, fps float64) (*VideoSink, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, t.ffmpegPath, t.sinkArgs(outputPath, width, height, fps)...)
	sink := &VideoSink{
		cmd:    cmd,
		cancel: cancel,
		width:  width,
		height: height,
		path:   outputPath,
	}
	cmd.Stderr = &sink.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	sink.stdin = stdin

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &CommandError{Op: "ffmpeg encode", Err: err}
	}
	return sink, nil
}

func (t *Transcoder) sinkArgs(outputPath string, width, height int, fps float64) []string {
	return []string{
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
		// yuv420p needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-crf", strconv.Itoa(t.opts.CRF),
		"-preset", t.opts.Preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}
}

type VideoSink struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr bytes.Buffer
	width  int
	height int
	path   string
	closed bool
}

func (s *VideoSink) Path() string {
	return s.path
}

// WriteFrame encodes one frame. The frame must match the sink size.
func (s *VideoSink) WriteFrame(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("frame size %dx%d does not match sink %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}

	rowBytes := s.width * 4
	if img.Stride == rowBytes && b.Min == (image.Point{}) {
		_, err := s.stdin.Write(img.Pix[:rowBytes*s.height])
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		if _, err := s.stdin.Write(img.Pix[start : start+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the encoder and waits for the file to be finished.
func (s *VideoSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cancel()

	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		os.Remove(s.path)
		return &CommandError{Op: "ffmpeg encode", Err: err, Stderr: stderrTail(&s.stderr)}
	}
	return nil
}

// Abort stops the encoder and removes the partial output.
func (s *VideoSink) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.stdin.Close()
	_ = s.cmd.Wait()
	os.Remove(s.path)
}

func WriteJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
