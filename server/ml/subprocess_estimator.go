package ml

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/models"
)

// maxMessageSize bounds a single framed message from the worker.
const maxMessageSize = 64 << 20

type SubprocessConfig struct {
	Command        []string
	RequestTimeout time.Duration
	MinVisibility  float64
	JPEGQuality    int
}

// SubprocessEstimator drives a local pose worker process. Requests and
// responses are msgpack maps, each preceded by a 4-byte big-endian length,
// on the worker's stdin and stdout. One request is in flight at a time.
//
// A worker that times out or breaks the stream is stopped and replaced on the
// next request. A caller that gives up mid-request leaves its exchange to
// finish in the background; the next request waits for it.
type SubprocessEstimator struct {
	config SubprocessConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	worker   *poseWorker
	inflight chan struct{}

	current  atomic.Pointer[poseWorker]
	closed   atomic.Bool
	requests atomic.Uint64
	restarts atomic.Uint64
}

type poseWorker struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *zap.Logger

	dead   atomic.Bool
	exited chan struct{}
}

type exchangeResult struct {
	response *estimateResponse
	err      error
}

func StartSubprocessEstimator(ctx context.Context, config SubprocessConfig, logger *zap.Logger) (*SubprocessEstimator, error) {
	if len(config.Command) == 0 {
		return nil, errors.New("estimator command is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 85
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	worker, err := startWorker(ctx, config.Command, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &SubprocessEstimator{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		worker: worker,
	}
	s.current.Store(worker)
	return s, nil
}

func startWorker(ctx context.Context, command []string, logger *zap.Logger) (*poseWorker, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start pose worker: %w", err)
	}

	w := &poseWorker{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		logger: logger,
		exited: make(chan struct{}),
	}

	logger.Info("Pose worker started",
		zap.Strings("command", command),
		zap.Int("pid", cmd.Process.Pid))

	go w.logStderr(stderr)
	go w.waitProcess()

	return w, nil
}

func (s *SubprocessEstimator) Estimate(ctx context.Context, img image.Image) (*models.LandmarkSet, error) {
	request, err := newEstimateRequest(img, s.config.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrEstimatorClosed
	}
	if err := s.awaitInflight(ctx); err != nil {
		return nil, err
	}
	w, err := s.ensureWorker()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.config.RequestTimeout)
	done := make(chan exchangeResult, 1)
	go func() {
		var response estimateResponse
		err := writeMessage(w.stdin, request)
		if err == nil {
			err = readMessage(w.stdout, &response)
		}
		done <- exchangeResult{&response, err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-done:
		if err := s.settle(w, r); err != nil {
			return nil, err
		}
		if r.response.Error != "" {
			return nil, fmt.Errorf("pose worker error: %s", r.response.Error)
		}
		return r.response.toLandmarkSet(s.config.MinVisibility), nil
	case <-timer.C:
		// The stream is mid-message; the worker can no longer be trusted.
		w.stop("request timeout")
		return nil, fmt.Errorf("pose worker timed out after %v", s.config.RequestTimeout)
	case <-ctx.Done():
		drained := make(chan struct{})
		s.inflight = drained
		go s.drain(w, done, deadline, drained)
		return nil, ctx.Err()
	}
}

// settle records the outcome of a finished exchange, stopping the worker
// when the stream broke.
func (s *SubprocessEstimator) settle(w *poseWorker, r exchangeResult) error {
	if r.err != nil {
		w.stop("exchange failed")
		return fmt.Errorf("pose worker exchange: %w", r.err)
	}
	s.requests.Add(1)
	return nil
}

// drain waits out an exchange whose caller went away so the stream stays
// aligned for the next request.
func (s *SubprocessEstimator) drain(w *poseWorker, done <-chan exchangeResult, deadline time.Time, drained chan struct{}) {
	defer close(drained)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-done:
		s.settle(w, r)
	case <-timer.C:
		w.stop("abandoned request timeout")
	}
}

// awaitInflight blocks until an abandoned exchange has finished. It is
// bounded by the request timeout of that exchange. Callers hold s.mu.
func (s *SubprocessEstimator) awaitInflight(ctx context.Context) error {
	if s.inflight == nil {
		return nil
	}
	select {
	case <-s.inflight:
		s.inflight = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureWorker replaces a stopped worker. Callers hold s.mu.
func (s *SubprocessEstimator) ensureWorker() (*poseWorker, error) {
	if s.worker != nil && !s.worker.dead.Load() {
		return s.worker, nil
	}

	s.logger.Warn("Restarting pose worker", zap.Uint64("restarts", s.restarts.Load()+1))
	w, err := startWorker(s.ctx, s.config.Command, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to restart pose worker: %w", err)
	}
	s.restarts.Add(1)
	s.worker = w
	s.current.Store(w)
	return w, nil
}

func (s *SubprocessEstimator) ModelInfo(ctx context.Context) (map[string]interface{}, error) {
	w := s.current.Load()
	info := map[string]interface{}{
		"kind":     "subprocess",
		"command":  s.config.Command,
		"requests": s.requests.Load(),
		"restarts": s.restarts.Load(),
		"alive":    !s.closed.Load() && w != nil && !w.dead.Load(),
	}
	if w != nil && w.cmd.Process != nil {
		info["pid"] = w.cmd.Process.Pid
	}
	return info, nil
}

// Close stops the worker by closing its stdin, then kills it if it has not
// exited within a few seconds. Later calls to Estimate fail with
// ErrEstimatorClosed.
func (s *SubprocessEstimator) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != nil {
		s.worker.close()
	}
	s.cancel()
	return nil
}

func (w *poseWorker) stop(reason string) {
	if w.dead.Swap(true) {
		return
	}
	w.logger.Error("Stopping pose worker", zap.String("reason", reason))
	w.cancel()
}

func (w *poseWorker) close() {
	if !w.dead.Swap(true) {
		w.stdin.Close()
		select {
		case <-w.exited:
		case <-time.After(3 * time.Second):
			w.logger.Warn("Pose worker did not exit, killing it")
		}
	}
	w.cancel()
	<-w.exited
}

func (w *poseWorker) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.logger.Info("Pose worker", zap.String("stderr", scanner.Text()))
	}
}

func (w *poseWorker) waitProcess() {
	err := w.cmd.Wait()
	if !w.dead.Swap(true) {
		w.logger.Error("Pose worker exited unexpectedly", zap.Error(err))
	}
	close(w.exited)
}

func writeMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix)
	if length > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}
	return nil
}
