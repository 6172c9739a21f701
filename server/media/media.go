package media

import (
	"context"
	"image"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/san-kum/posture-cv/server/models"
)

// Frame is one decoded picture. Timestamp is nil for still images.
type Frame struct {
	Image     image.Image
	Index     int
	Timestamp *float64
}

// FrameSource yields frames in order and returns io.EOF once exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Opener turns a media path into frames.
type Opener interface {
	OpenVideo(ctx context.Context, path string) (FrameSource, *VideoInfo, error)
	OpenImage(path string) (image.Image, error)
}

// VideoInfo is what a source knows about the stream before the first frame.
type VideoInfo struct {
	Width     int
	Height    int
	FrameRate float64
	Duration  time.Duration
}

// EstimatedFrames is the frame count implied by duration and frame rate, or
// 0 when the duration is unknown.
func (v *VideoInfo) EstimatedFrames() int {
	if v == nil || v.Duration <= 0 || v.FrameRate <= 0 {
		return 0
	}
	return int(math.Round(v.Duration.Seconds() * v.FrameRate))
}

var (
	imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true}
	videoExtensions = map[string]bool{".mp4": true, ".webm": true, ".avi": true, ".mov": true, ".mkv": true}
)

// UploadExtensions are the file types accepted for analysis uploads.
var UploadExtensions = []string{".mp4", ".webm", ".jpg", ".jpeg", ".png", ".avi", ".mov"}

func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func IsImage(path string) bool {
	return imageExtensions[Ext(path)]
}

func IsVideo(path string) bool {
	return videoExtensions[Ext(path)]
}

func IsUploadAllowed(path string) bool {
	ext := Ext(path)
	for _, allowed := range UploadExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// KindOf reports whether path routes to the image or the video path. The
// boolean is false for unsupported extensions.
func KindOf(path string) (models.MediaKind, bool) {
	switch {
	case IsImage(path):
		return models.MediaImage, true
	case IsVideo(path):
		return models.MediaVideo, true
	}
	return "", false
}
