package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/cache"
	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/models"
	"github.com/san-kum/posture-cv/server/processor"
)

const (
	StatusAnalyzed   = "Analyzed successfully"
	StatusFailed     = "Failed to analyze"
	StatusIncomplete = "Analysis incomplete"

	AnnotatedRoute = "/annotated"
)

// Analyzer is what the handlers need from the analysis pipeline.
type Analyzer interface {
	AnalyzeFile(ctx context.Context, path string, progress processor.ProgressFunc) *models.SessionResult
	GetStats() processor.ProcessorStats
	EstimatorInfo(ctx context.Context) (map[string]interface{}, error)
}

// Normalizer rewrites a video into a container the decoder and browsers
// handle, returning the new path.
type Normalizer interface {
	Normalize(ctx context.Context, path string) (string, error)
}

type AnalysisHandler struct {
	analyzer      Analyzer
	jobs          *processor.JobTracker
	normalizer    Normalizer
	cache         cache.Cache
	uploadDir     string
	maxUploadSize int64
	logger        *zap.Logger
	startTime     time.Time
}

// UploadResponse is the body of POST /upload/.
type UploadResponse struct {
	Filename       string               `json:"filename"`
	Status         string               `json:"status"`
	Results        []models.FrameRecord `json:"results"`
	Summary        []string             `json:"summary"`
	AnnotatedImage *string              `json:"annotated_image"`
	AnnotatedVideo *string              `json:"annotated_video"`
}

// NewAnalysisHandler wires the upload and job endpoints. normalizer may be
// nil, in which case videos are analyzed in their uploaded container.
func NewAnalysisHandler(analyzer Analyzer, jobs *processor.JobTracker, normalizer Normalizer, store cache.Cache, uploadDir string, maxUploadSize int64, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisHandler{
		analyzer:      analyzer,
		jobs:          jobs,
		normalizer:    normalizer,
		cache:         store,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
		logger:        logger,
		startTime:     time.Now(),
	}
}

// Upload saves the posted file, analyzes it synchronously and answers with
// per-issue rows, the summary and links to annotated media.
func (h *AnalysisHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		h.logger.Warn("Failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	path, err := h.saveUpload(c, header)
	if err != nil {
		h.logger.Warn("Upload rejected",
			zap.String("filename", header.Filename),
			zap.Error(err))
		c.JSON(http.StatusOK, failedUpload(header.Filename, err.Error()))
		return
	}

	path = h.normalize(c.Request.Context(), path)
	result := h.analyzer.AnalyzeFile(c.Request.Context(), path, nil)

	response := UploadResponse{
		Filename: header.Filename,
		Status:   StatusAnalyzed,
		Results:  result.Frames,
		Summary:  result.Summary,
	}
	switch {
	case isSourceFailure(result):
		response.Status = StatusFailed
	case result.Incomplete || c.Request.Context().Err() != nil:
		// Timed out or the client went away; the rows cover only part of the media.
		response.Status = StatusIncomplete
	}
	if result.AnnotatedMediaPath != nil {
		url := AnnotatedRoute + "/" + filepath.Base(*result.AnnotatedMediaPath)
		if result.AnnotatedMediaKind == models.MediaVideo {
			response.AnnotatedVideo = &url
		} else {
			response.AnnotatedImage = &url
		}
	}

	h.logger.Info("Upload analyzed",
		zap.String("filename", header.Filename),
		zap.String("status", response.Status),
		zap.Int("results", len(response.Results)))
	c.JSON(http.StatusOK, response)
}

func failedUpload(filename, message string) UploadResponse {
	return UploadResponse{
		Filename: filename,
		Status:   StatusFailed,
		Results:  []models.FrameRecord{{Frame: 0, Message: message, Good: false}},
		Summary:  []string{},
	}
}

func isSourceFailure(result *models.SessionResult) bool {
	return len(result.Frames) == 1 && result.Frames[0].RuleID == models.RuleSourceFailure
}

// saveUpload checks the extension and size, then stores the file under a
// unique name in the upload directory.
func (h *AnalysisHandler) saveUpload(c *gin.Context, header *multipart.FileHeader) (string, error) {
	if !media.IsUploadAllowed(header.Filename) {
		return "", fmt.Errorf("Unsupported file type: %s", media.Ext(header.Filename))
	}
	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		return "", fmt.Errorf("File too large: %s (max %s)",
			humanize.Bytes(uint64(header.Size)), humanize.Bytes(uint64(h.maxUploadSize)))
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	name := uuid.NewString()[:8] + "_" + filepath.Base(header.Filename)
	path := filepath.Join(h.uploadDir, name)
	if err := c.SaveUploadedFile(header, path); err != nil {
		return "", fmt.Errorf("failed to save upload: %w", err)
	}

	h.logger.Info("File saved",
		zap.String("path", path),
		zap.String("size", humanize.Bytes(uint64(header.Size))))
	return path, nil
}

// normalize converts non-MP4 videos; on failure the original file is used.
func (h *AnalysisHandler) normalize(ctx context.Context, path string) string {
	if h.normalizer == nil || !media.IsVideo(path) {
		return path
	}
	converted, err := h.normalizer.Normalize(ctx, path)
	if err != nil {
		h.logger.Warn("Video normalization failed, analyzing original",
			zap.String("path", path),
			zap.Error(err))
		return path
	}
	return converted
}

// SubmitJob saves the posted file and analyzes it in the background.
func (h *AnalysisHandler) SubmitJob(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}

	path, err := h.saveUpload(c, header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path = h.normalize(c.Request.Context(), path)

	job, err := h.jobs.Submit(c.Request.Context(), header.Filename, path)
	if err != nil {
		h.logger.Error("Failed to submit job", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not start analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "Upload successful, analysis started",
		"status":  job.Status,
	})
}

func (h *AnalysisHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *AnalysisHandler) DeleteJob(c *gin.Context) {
	if err := h.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.jobError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AnalysisHandler) jobError(c *gin.Context, err error) {
	if errors.Is(err, processor.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	h.logger.Error("Job lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Job store unavailable"})
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	pipelineStats := h.analyzer.GetStats()

	var estimationErrorRate float64
	if pipelineStats.FramesProcessed > 0 {
		estimationErrorRate = float64(pipelineStats.EstimationFailures) / float64(pipelineStats.FramesProcessed) * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"processor": pipelineStats,
		"jobs":      h.jobs.Stats(c.Request.Context()),
		"metrics": gin.H{
			"estimation_error_rate": estimationErrorRate,
			"uptime_seconds":        time.Since(h.startTime).Seconds(),
		},
	})
}

// Health reports service health including the job store.
func (h *AnalysisHandler) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	store := gin.H{"status": "ok"}

	if err := h.cache.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		store = gin.H{"status": "unavailable", "error": err.Error()}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"service":   "posture-cv-backend",
		"job_store": store,
	})
}

func (h *AnalysisHandler) AdminStats(c *gin.Context) {
	cacheStats, err := h.cache.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Warn("Cache stats unavailable", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"processor": h.analyzer.GetStats(),
		"jobs":      h.jobs.Stats(c.Request.Context()),
		"cache":     cacheStats,
	})
}

func (h *AnalysisHandler) EstimatorInfo(c *gin.Context) {
	info, err := h.analyzer.EstimatorInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
