package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/annotate"
	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/ml"
	"github.com/san-kum/posture-cv/server/models"
	"github.com/san-kum/posture-cv/server/posture"
)

const AnnotationUnavailable = "annotated output unavailable"

// AnnotationMode picks what the annotation post-step writes.
type AnnotationMode string

const (
	AnnotateAuto  AnnotationMode = "auto"
	AnnotateStill AnnotationMode = "still"
	AnnotateVideo AnnotationMode = "video"
	AnnotateNone  AnnotationMode = "none"
)

func ParseAnnotationMode(s string) (AnnotationMode, error) {
	switch AnnotationMode(s) {
	case AnnotateAuto, AnnotateStill, AnnotateVideo, AnnotateNone:
		return AnnotationMode(s), nil
	case "":
		return AnnotateAuto, nil
	}
	return "", fmt.Errorf("unknown annotation mode %q", s)
}

// ProgressFunc reports frames evaluated so far. total is 0 when the frame
// count is not known up front.
type ProgressFunc func(processed, total int)

type PipelineConfig struct {
	Workers        int
	QueueSize      int
	AnnotationMode AnnotationMode
}

// Pipeline runs one media file through pose estimation, evaluation and
// aggregation, then optionally annotates it.
type Pipeline struct {
	opener     media.Opener
	estimator  ml.Estimator
	evaluator  *posture.Evaluator
	aggregator *posture.Aggregator
	renderer   *annotate.Renderer
	annotation AnnotationMode
	queue      *ProcessingQueue
	logger     *zap.Logger

	statsMu sync.Mutex
	stats   ProcessorStats
}

type ProcessorStats struct {
	StartTime          time.Time  `json:"start_time"`
	SessionsAnalyzed   int64      `json:"sessions_analyzed"`
	SourceFailures     int64      `json:"source_failures"`
	FramesProcessed    int64      `json:"frames_processed"`
	EstimationFailures int64      `json:"estimation_failures"`
	AnnotationFailures int64      `json:"annotation_failures"`
	AverageLatency     float64    `json:"average_latency_ms"`
	Queue              QueueStats `json:"queue"`
}

// NewPipeline wires the collaborators. renderer may be nil, which disables
// annotation regardless of config.AnnotationMode.
func NewPipeline(opener media.Opener, estimator ml.Estimator, evaluator *posture.Evaluator, aggregator *posture.Aggregator, renderer *annotate.Renderer, config PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AnnotationMode == "" {
		config.AnnotationMode = AnnotateAuto
	}
	if renderer == nil {
		config.AnnotationMode = AnnotateNone
	}

	p := &Pipeline{
		opener:     opener,
		estimator:  estimator,
		evaluator:  evaluator,
		aggregator: aggregator,
		renderer:   renderer,
		annotation: config.AnnotationMode,
		logger:     logger,
		stats:      ProcessorStats{StartTime: time.Now()},
	}
	p.queue = NewProcessingQueue(config.QueueSize, config.Workers, p.estimateFrame)
	return p
}

// AnalyzeFile routes path by extension to AnalyzeImage or AnalyzeVideo.
func (p *Pipeline) AnalyzeFile(ctx context.Context, path string, progress ProgressFunc) *models.SessionResult {
	kind, ok := media.KindOf(path)
	if !ok {
		p.countSourceFailure()
		return posture.FailureResult(fmt.Sprintf("Unsupported media type: %q", media.Ext(path)))
	}
	if kind == models.MediaImage {
		result := p.AnalyzeImage(ctx, path)
		if progress != nil {
			progress(1, 1)
		}
		return result
	}
	return p.AnalyzeVideo(ctx, path, progress)
}

// AnalyzeImage evaluates a still as frame 0 with no timestamp.
func (p *Pipeline) AnalyzeImage(ctx context.Context, path string) *models.SessionResult {
	img, err := p.opener.OpenImage(path)
	if err != nil {
		p.logger.Warn("Failed to load image", zap.String("path", path), zap.Error(err))
		p.countSourceFailure()
		return posture.FailureResult(fmt.Sprintf("Failed to load image: %v", err))
	}

	frame := media.Frame{Image: img, Index: 0}
	item := NewQueueItem(ctx, frame)
	var outcome *ProcessingResult
	if err := p.queue.Enqueue(ctx, item); err != nil {
		outcome = &ProcessingResult{Error: err}
	} else {
		outcome = <-item.ResultChan
	}

	verdict := p.verdictFor(path, frame, outcome)
	result := p.aggregator.Aggregate([]models.FrameVerdict{verdict})
	p.countSession()
	if ctx.Err() != nil {
		result.Incomplete = true
	}

	overlay := annotate.FrameOverlay{Landmarks: outcome.Landmarks, Verdict: verdict}
	p.annotate(ctx, result, func() (string, error) {
		return p.renderer.RenderImage(path, overlay)
	}, models.MediaImage, p.annotation != AnnotateNone)

	return result
}

type pendingFrame struct {
	frame  media.Frame
	result chan *ProcessingResult
}

// AnalyzeVideo evaluates every frame of the video in order. Estimation runs
// on the shared worker pool; verdicts are taken strictly in frame order. If
// ctx is cancelled the frames already evaluated are kept.
func (p *Pipeline) AnalyzeVideo(ctx context.Context, path string, progress ProgressFunc) *models.SessionResult {
	src, info, err := p.opener.OpenVideo(ctx, path)
	if err != nil {
		p.logger.Warn("Could not open video", zap.String("path", path), zap.Error(err))
		p.countSourceFailure()
		return posture.FailureResult(fmt.Sprintf("Could not open video: %v", err))
	}
	defer src.Close()

	total := info.EstimatedFrames()
	keepOverlays := p.annotation != AnnotateNone

	pending := make(chan pendingFrame, p.queue.Workers()+p.queue.Capacity())
	var readErr error
	go func() {
		defer close(pending)
		for {
			frame, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				readErr = err
				return
			}

			item := NewQueueItem(ctx, frame)
			if err := p.queue.Enqueue(ctx, item); err != nil {
				item.ResultChan <- &ProcessingResult{Error: err}
			}
			select {
			case pending <- pendingFrame{frame: frame, result: item.ResultChan}:
			case <-ctx.Done():
				return
			}
		}
	}()

	verdicts := make([]models.FrameVerdict, 0, total)
	var overlays []annotate.FrameOverlay
	for next := range pending {
		outcome := <-next.result
		if ctx.Err() != nil {
			break
		}

		verdict := p.verdictFor(path, next.frame, outcome)
		verdicts = append(verdicts, verdict)
		if keepOverlays {
			overlays = append(overlays, annotate.FrameOverlay{Landmarks: outcome.Landmarks, Verdict: verdict})
		}
		if progress != nil {
			progress(len(verdicts), total)
		}
	}
	// Let the reader observe cancellation before the source is closed.
	for range pending {
	}

	if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
		if len(verdicts) == 0 {
			p.logger.Warn("Could not decode video", zap.String("path", path), zap.Error(readErr))
			p.countSourceFailure()
			return posture.FailureResult(fmt.Sprintf("Could not open video: %v", readErr))
		}
		p.logger.Warn("Video decoding stopped early",
			zap.String("path", path),
			zap.Int("frames", len(verdicts)),
			zap.Error(readErr))
	}

	if ctx.Err() != nil {
		p.logger.Info("Video analysis cancelled",
			zap.String("path", path),
			zap.Int("frames", len(verdicts)))
	}

	result := p.aggregator.Aggregate(verdicts)
	p.countSession()

	if ctx.Err() != nil {
		result.Incomplete = true
		if keepOverlays {
			result.AnnotationStatus = AnnotationUnavailable
		}
	}

	if len(overlays) > 0 && ctx.Err() == nil {
		if p.annotation == AnnotateStill {
			p.annotate(ctx, result, func() (string, error) {
				return p.renderer.RenderVideoStill(ctx, path, overlays[0])
			}, models.MediaImage, true)
		} else {
			p.annotate(ctx, result, func() (string, error) {
				return p.renderer.RenderVideo(ctx, path, overlays)
			}, models.MediaVideo, true)
		}
	}

	p.logger.Info("Video analyzed",
		zap.String("path", path),
		zap.Int("frames", len(verdicts)),
		zap.Int("summary_lines", len(result.Summary)))
	return result
}

// estimateFrame is the queue's worker function.
func (p *Pipeline) estimateFrame(item *QueueItem) {
	landmarks, err := p.estimator.Estimate(item.Ctx, item.Frame.Image)
	item.ResultChan <- &ProcessingResult{
		Landmarks: landmarks,
		Error:     err,
		Latency:   time.Since(item.StartTime),
	}
}

func (p *Pipeline) verdictFor(path string, frame media.Frame, outcome *ProcessingResult) models.FrameVerdict {
	p.countFrame(outcome)
	if outcome.Error != nil {
		p.logger.Warn("Pose estimation failed",
			zap.String("path", path),
			zap.Int("frame", frame.Index),
			zap.Error(outcome.Error))
		return posture.SentinelVerdict(frame.Index, frame.Timestamp, models.RuleEstimationFailed, posture.EstimationFailMessage)
	}
	return p.evaluator.Evaluate(outcome.Landmarks, frame.Index, frame.Timestamp)
}

// annotate runs render as an isolated post-step; failures only mark the
// result.
func (p *Pipeline) annotate(ctx context.Context, result *models.SessionResult, render func() (string, error), kind models.MediaKind, enabled bool) {
	if !enabled || p.renderer == nil {
		return
	}

	path, err := render()
	if err != nil {
		p.logger.Warn("Annotation failed", zap.Error(err))
		p.statsMu.Lock()
		p.stats.AnnotationFailures++
		p.statsMu.Unlock()
		result.AnnotationStatus = AnnotationUnavailable
		return
	}
	result.AnnotatedMediaPath = &path
	result.AnnotatedMediaKind = kind
}

func (p *Pipeline) countFrame(outcome *ProcessingResult) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.FramesProcessed++
	if outcome.Error != nil {
		p.stats.EstimationFailures++
		return
	}

	current := float64(outcome.Latency.Milliseconds())
	if p.stats.AverageLatency == 0 {
		p.stats.AverageLatency = current
	} else {
		alpha := 0.1
		p.stats.AverageLatency = alpha*current + (1-alpha)*p.stats.AverageLatency
	}
}

func (p *Pipeline) countSession() {
	p.statsMu.Lock()
	p.stats.SessionsAnalyzed++
	p.statsMu.Unlock()
}

func (p *Pipeline) countSourceFailure() {
	p.statsMu.Lock()
	p.stats.SourceFailures++
	p.statsMu.Unlock()
}

func (p *Pipeline) GetStats() ProcessorStats {
	p.statsMu.Lock()
	stats := p.stats
	p.statsMu.Unlock()

	stats.Queue = p.queue.GetQueueStats()
	return stats
}

// EstimatorInfo describes the pose model when the estimator can.
func (p *Pipeline) EstimatorInfo(ctx context.Context) (map[string]interface{}, error) {
	provider, ok := p.estimator.(ml.ModelInfoProvider)
	if !ok {
		return nil, errors.New("estimator does not report model info")
	}
	return provider.ModelInfo(ctx)
}

func (p *Pipeline) Shutdown(timeout time.Duration) error {
	p.logger.Info("Shutting down analysis pipeline...")
	if err := p.queue.Shutdown(timeout); err != nil {
		p.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}
	p.logger.Info("Analysis pipeline shutdown complete")
	return nil
}
