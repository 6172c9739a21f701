package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/posture-cv/server/annotate"
	"github.com/san-kum/posture-cv/server/cache"
	"github.com/san-kum/posture-cv/server/config"
	"github.com/san-kum/posture-cv/server/handlers"
	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/middleware"
	"github.com/san-kum/posture-cv/server/ml"
	"github.com/san-kum/posture-cv/server/posture"
	"github.com/san-kum/posture-cv/server/processor"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	pipeline    *processor.Pipeline
	jobs        *processor.JobTracker
	estimator   ml.Estimator
	cache       cache.Cache
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("estimator", cfg.Estimator.Kind))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Shutdown(cfg.Server.ShutdownTimeout)

	logger.Info("Server exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	ctx := context.Background()

	for _, dir := range []string{cfg.Media.UploadDir, cfg.Media.AnnotatedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Job records live in Redis when enabled, falling back to memory
	var store cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, cfg.Jobs.TTL, logger)
		if err != nil {
			logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
			store = cache.NewMemoryCache(1000, cfg.Jobs.TTL, logger)
		} else {
			store = redisCache
		}
	} else {
		store = cache.NewMemoryCache(1000, cfg.Jobs.TTL, logger)
	}

	estimator, err := newEstimator(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	prober := media.NewProber(cfg.Media.FFprobePath)
	opener := media.NewFFmpegOpener(cfg.Media.FFmpegPath, prober, cfg.Media.FallbackFPS, logger)
	transcoder := media.NewTranscoder(cfg.Media.FFmpegPath, media.TranscoderOptions{
		CRF:    cfg.Media.TranscodeCRF,
		Preset: cfg.Media.TranscodePreset,
	}, logger)

	evaluator, aggregator, err := newPostureStages(cfg, logger)
	if err != nil {
		closeEstimator(estimator, logger)
		store.Close()
		return nil, err
	}

	mode, err := processor.ParseAnnotationMode(cfg.Annotation.Mode)
	if err != nil {
		closeEstimator(estimator, logger)
		store.Close()
		return nil, err
	}
	var renderer *annotate.Renderer
	if mode != processor.AnnotateNone {
		annotator := annotate.NewAnnotator(annotate.DefaultStyle(), logger)
		renderer = annotate.NewRenderer(annotator, opener, transcoder, cfg.Media.AnnotatedDir, cfg.Annotation.JPEGQuality, logger)
	}

	pipeline := processor.NewPipeline(opener, estimator, evaluator, aggregator, renderer, processor.PipelineConfig{
		Workers:        cfg.Analysis.Workers,
		QueueSize:      cfg.Analysis.QueueSize,
		AnnotationMode: mode,
	}, logger)

	jobs := processor.NewJobTracker(pipeline, store, cfg.Jobs.TTL, cfg.Jobs.MaxConcurrent, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.ContentTypeValidation())
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	analysisHandler := handlers.NewAnalysisHandler(pipeline, jobs, transcoder, store,
		cfg.Media.UploadDir, cfg.Security.MaxRequestSize, logger)
	socketHandler := handlers.NewJobSocketHandler(jobs, cfg.Security.AllowedOrigins, logger)

	var auth *middleware.AuthMiddleware
	if cfg.Security.JWTSecretKey != "" {
		auth = middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)
	}

	setupRoutes(router, analysisHandler, socketHandler, auth, rateLimiter, cfg.Media.AnnotatedDir)

	return &Server{
		router:      router,
		logger:      logger,
		pipeline:    pipeline,
		jobs:        jobs,
		estimator:   estimator,
		cache:       store,
		rateLimiter: rateLimiter,
		config:      cfg,
	}, nil
}

func newEstimator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ml.Estimator, error) {
	switch cfg.Estimator.Kind {
	case "subprocess":
		estimator, err := ml.StartSubprocessEstimator(ctx, ml.SubprocessConfig{
			Command:        cfg.Estimator.Command,
			RequestTimeout: cfg.Estimator.Timeout,
			MinVisibility:  cfg.Estimator.MinVisibility,
			JPEGQuality:    cfg.Estimator.JPEGQuality,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start pose worker: %w", err)
		}
		return estimator, nil
	default:
		return ml.NewHTTPEstimator(cfg.Estimator.BaseURL, &ml.ClientConfig{
			Timeout:             cfg.Estimator.Timeout,
			MaxRetries:          cfg.Estimator.MaxRetries,
			RetryDelay:          cfg.Estimator.RetryDelay,
			HealthCheckInterval: cfg.Estimator.HealthCheckInterval,
			MinVisibility:       cfg.Estimator.MinVisibility,
			JPEGQuality:         cfg.Estimator.JPEGQuality,
		}, logger), nil
	}
}

func newPostureStages(cfg *config.Config, logger *zap.Logger) (*posture.Evaluator, *posture.Aggregator, error) {
	rules, err := posture.NewRuleSet(posture.StandardRules(posture.Thresholds{
		BackAngleLow:      cfg.Analysis.BackAngleLow,
		BackAngleStraight: cfg.Analysis.BackAngleStraight,
		NeckAngle:         cfg.Analysis.NeckAngle,
		KneeToeTolerance:  cfg.Analysis.KneeToeTolerance,
	}))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid posture rules: %w", err)
	}

	kneeMode, err := posture.ParseKneeToeMode(cfg.Analysis.KneeToeMode)
	if err != nil {
		return nil, nil, err
	}
	groupBy, err := posture.ParseGroupBy(cfg.Analysis.SummaryGroupBy)
	if err != nil {
		return nil, nil, err
	}

	return posture.NewEvaluator(rules, kneeMode, logger),
		posture.NewAggregator(groupBy, cfg.Analysis.SummaryTimestamps), nil
}

func closeEstimator(estimator ml.Estimator, logger *zap.Logger) {
	if closer, ok := estimator.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close estimator", zap.Error(err))
		}
	}
}

func setupRoutes(router *gin.Engine, analysis *handlers.AnalysisHandler, sockets *handlers.JobSocketHandler, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter, annotatedDir string) {
	router.GET("/health", analysis.Health)

	router.POST("/upload/", rateLimiter.RateLimit(), analysis.Upload)

	router.GET("/ws/jobs/:id", rateLimiter.RateLimit(), sockets.HandleJobSocket)

	router.Static(handlers.AnnotatedRoute, annotatedDir)

	api := router.Group("/api/v1")
	{
		api.GET("/health", analysis.Health)

		limited := api.Group("/")
		limited.Use(rateLimiter.RateLimit())
		{
			limited.POST("/jobs", analysis.SubmitJob)
			limited.GET("/jobs/:id", analysis.GetJob)
			limited.DELETE("/jobs/:id", analysis.DeleteJob)
			limited.GET("/stats", analysis.GetStats)
		}

		if auth != nil {
			admin := api.Group("/admin")
			admin.Use(auth.RequireAuth())
			admin.Use(auth.RequireRole(middleware.RoleAdmin))
			{
				admin.GET("/stats", analysis.AdminStats)
				admin.GET("/estimator", analysis.EstimatorInfo)
			}
		}
	}
}

// Shutdown stops intake first, then the workers, then the shared clients.
func (s *Server) Shutdown(timeout time.Duration) {
	if err := s.jobs.Shutdown(timeout); err != nil {
		s.logger.Error("Failed to shutdown job tracker", zap.Error(err))
	}

	if err := s.pipeline.Shutdown(timeout); err != nil {
		s.logger.Error("Failed to shutdown pipeline", zap.Error(err))
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Shutdown()
	}

	closeEstimator(s.estimator, s.logger)

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
}
