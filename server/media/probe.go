package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type ProbeResult struct {
	Path       string        `json:"path"`
	Format     string        `json:"format"`
	VideoCodec string        `json:"video_codec"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameRate  float64       `json:"frame_rate"`
	Duration   time.Duration `json:"duration"`
	Rotation   int           `json:"rotation"`
}

// DisplaySize is the frame size after ffmpeg applies the rotation metadata.
func (r *ProbeResult) DisplaySize() (int, int) {
	switch ((r.Rotation % 360) + 360) % 360 {
	case 90, 270:
		return r.Height, r.Width
	}
	return r.Width, r.Height
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
	SideDataList []struct {
		Rotation int `json:"rotation"`
	} `json:"side_data_list"`
}

type Prober struct {
	ffprobePath string
}

func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// Probe reads the container and first video stream metadata of path.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, &CommandError{Op: "ffprobe", Err: err, Stderr: stderrTail(&stderr)}
	}

	return parseProbeOutput(path, output)
}

func parseProbeOutput(path string, output []byte) (*ProbeResult, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{
		Path:   path,
		Format: probe.Format.FormatName,
	}
	if probe.Format.Duration != "" {
		seconds, _ := strconv.ParseFloat(probe.Format.Duration, 64)
		result.Duration = time.Duration(seconds * float64(time.Second))
	}

	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		result.VideoCodec = stream.CodecName
		result.Width = stream.Width
		result.Height = stream.Height
		result.FrameRate = parseFrameRate(stream.AvgFrameRate)
		if result.FrameRate == 0 {
			result.FrameRate = parseFrameRate(stream.RFrameRate)
		}
		result.Rotation = streamRotation(stream)
		return result, nil
	}

	return nil, fmt.Errorf("%s: %w", path, ErrNoVideoStream)
}

func streamRotation(stream ffprobeStream) int {
	for _, sd := range stream.SideDataList {
		if sd.Rotation != 0 {
			return sd.Rotation
		}
	}
	if rotate, ok := stream.Tags["rotate"]; ok {
		r, _ := strconv.Atoi(rotate)
		return r
	}
	return 0
}

// parseFrameRate parses a rate like "30000/1001" or "25".
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, _ := strconv.ParseFloat(num, 64)
	d, _ := strconv.ParseFloat(den, 64)
	if d == 0 {
		return 0
	}
	return n / d
}
