package media

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrNoVideoStream = errors.New("no video stream")

// CommandError is a failed ffmpeg or ffprobe run with the tail of its stderr.
type CommandError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

const stderrTailLines = 5

func stderrTail(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
