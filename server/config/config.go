package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Estimator  EstimatorConfig  `yaml:"estimator" json:"estimator"`
	Media      MediaConfig      `yaml:"media" json:"media"`
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Annotation AnnotationConfig `yaml:"annotation" json:"annotation"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Jobs       JobsConfig       `yaml:"jobs" json:"jobs"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Environment     string        `yaml:"environment" json:"environment"`
}

// EstimatorConfig selects and tunes the pose estimator. Kind is "http" for a
// remote pose service or "subprocess" for a local worker process.
type EstimatorConfig struct {
	Kind                string        `yaml:"kind" json:"kind"`
	BaseURL             string        `yaml:"base_url" json:"base_url"`
	Command             []string      `yaml:"command" json:"command"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay" json:"retry_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	MinVisibility       float64       `yaml:"min_visibility" json:"min_visibility"`
	JPEGQuality         int           `yaml:"jpeg_quality" json:"jpeg_quality"`
}

type MediaConfig struct {
	FFmpegPath      string  `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	FFprobePath     string  `yaml:"ffprobe_path" json:"ffprobe_path"`
	UploadDir       string  `yaml:"upload_dir" json:"upload_dir"`
	AnnotatedDir    string  `yaml:"annotated_dir" json:"annotated_dir"`
	FallbackFPS     float64 `yaml:"fallback_fps" json:"fallback_fps"`
	TranscodeCRF    int     `yaml:"transcode_crf" json:"transcode_crf"`
	TranscodePreset string  `yaml:"transcode_preset" json:"transcode_preset"`
}

type AnalysisConfig struct {
	BackAngleLow      float64 `yaml:"back_angle_low" json:"back_angle_low"`
	BackAngleStraight float64 `yaml:"back_angle_straight" json:"back_angle_straight"`
	NeckAngle         float64 `yaml:"neck_angle" json:"neck_angle"`
	KneeToeTolerance  float64 `yaml:"knee_toe_tolerance" json:"knee_toe_tolerance"`
	KneeToeMode       string  `yaml:"knee_toe_mode" json:"knee_toe_mode"`
	SummaryGroupBy    string  `yaml:"summary_group_by" json:"summary_group_by"`
	SummaryTimestamps int     `yaml:"summary_timestamps" json:"summary_timestamps"`
	Workers           int     `yaml:"workers" json:"workers"`
	QueueSize         int     `yaml:"queue_size" json:"queue_size"`
}

// AnnotationConfig.Mode is "auto" (still for images, video for videos),
// "still", "video" or "none".
type AnnotationConfig struct {
	Mode        string `yaml:"mode" json:"mode"`
	JPEGQuality int    `yaml:"jpeg_quality" json:"jpeg_quality"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `yaml:"jwt_secret_key" json:"-"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
	RateLimitRPS   int           `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	EnableHTTPS    bool          `yaml:"enable_https" json:"enable_https"`
	CertFile       string        `yaml:"cert_file" json:"cert_file"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

type JobsConfig struct {
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		Estimator: EstimatorConfig{
			Kind:                "http",
			BaseURL:             "http://localhost:5000",
			Timeout:             30 * time.Second,
			MaxRetries:          3,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			MinVisibility:       0.5,
			JPEGQuality:         85,
		},
		Media: MediaConfig{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			UploadDir:       "videos",
			AnnotatedDir:    "annotated",
			FallbackFPS:     30,
			TranscodeCRF:    23,
			TranscodePreset: "veryfast",
		},
		Analysis: AnalysisConfig{
			BackAngleLow:      150,
			BackAngleStraight: 165,
			NeckAngle:         150,
			KneeToeTolerance:  0.05,
			KneeToeMode:       "symmetric",
			SummaryGroupBy:    "message",
			SummaryTimestamps: 3,
			Workers:           4,
			QueueSize:         64,
		},
		Annotation: AnnotationConfig{
			Mode:        "auto",
			JPEGQuality: 90,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxRequestSize: 200 * 1024 * 1024,
			RequestTimeout: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		Jobs: JobsConfig{
			TTL:           time.Hour,
			MaxConcurrent: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path (skipped when path is empty or the file does not exist), then
// environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.Estimator.Kind = getEnv("ESTIMATOR_KIND", c.Estimator.Kind)
	c.Estimator.BaseURL = getEnv("ESTIMATOR_BASE_URL", c.Estimator.BaseURL)
	c.Estimator.Command = getEnvAsFields("ESTIMATOR_COMMAND", c.Estimator.Command)
	c.Estimator.Timeout = getEnvAsDuration("ESTIMATOR_TIMEOUT", c.Estimator.Timeout)
	c.Estimator.MaxRetries = getEnvAsInt("ESTIMATOR_MAX_RETRIES", c.Estimator.MaxRetries)
	c.Estimator.RetryDelay = getEnvAsDuration("ESTIMATOR_RETRY_DELAY", c.Estimator.RetryDelay)
	c.Estimator.HealthCheckInterval = getEnvAsDuration("ESTIMATOR_HEALTH_CHECK_INTERVAL", c.Estimator.HealthCheckInterval)
	c.Estimator.MinVisibility = getEnvAsFloat("ESTIMATOR_MIN_VISIBILITY", c.Estimator.MinVisibility)

	c.Media.FFmpegPath = getEnv("FFMPEG_PATH", c.Media.FFmpegPath)
	c.Media.FFprobePath = getEnv("FFPROBE_PATH", c.Media.FFprobePath)
	c.Media.UploadDir = getEnv("UPLOAD_DIR", c.Media.UploadDir)
	c.Media.AnnotatedDir = getEnv("ANNOTATED_DIR", c.Media.AnnotatedDir)

	c.Analysis.BackAngleLow = getEnvAsFloat("BACK_ANGLE_LOW", c.Analysis.BackAngleLow)
	c.Analysis.BackAngleStraight = getEnvAsFloat("BACK_ANGLE_STRAIGHT", c.Analysis.BackAngleStraight)
	c.Analysis.NeckAngle = getEnvAsFloat("NECK_ANGLE", c.Analysis.NeckAngle)
	c.Analysis.KneeToeTolerance = getEnvAsFloat("KNEE_TOE_TOLERANCE", c.Analysis.KneeToeTolerance)
	c.Analysis.KneeToeMode = getEnv("KNEE_TOE_MODE", c.Analysis.KneeToeMode)
	c.Analysis.SummaryGroupBy = getEnv("SUMMARY_GROUP_BY", c.Analysis.SummaryGroupBy)
	c.Analysis.Workers = getEnvAsInt("ANALYSIS_WORKERS", c.Analysis.Workers)

	c.Annotation.Mode = getEnv("ANNOTATION_MODE", c.Annotation.Mode)

	c.Security.JWTSecretKey = getEnv("JWT_SECRET_KEY", c.Security.JWTSecretKey)
	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvAsInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvAsInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Jobs.TTL = getEnvAsDuration("JOBS_TTL", c.Jobs.TTL)
	c.Jobs.MaxConcurrent = getEnvAsInt("JOBS_MAX_CONCURRENT", c.Jobs.MaxConcurrent)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server port must be between 1 and 65535")
	}

	switch c.Estimator.Kind {
	case "http":
		if c.Estimator.BaseURL == "" {
			problems = append(problems, "estimator base URL is required")
		}
	case "subprocess":
		if len(c.Estimator.Command) == 0 {
			problems = append(problems, "estimator command is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown estimator kind %q", c.Estimator.Kind))
	}

	if c.Estimator.MinVisibility < 0 || c.Estimator.MinVisibility > 1 {
		problems = append(problems, "estimator min visibility must be between 0 and 1")
	}

	if c.Media.UploadDir == "" || c.Media.AnnotatedDir == "" {
		problems = append(problems, "upload and annotated directories are required")
	}

	if c.Media.FallbackFPS <= 0 {
		problems = append(problems, "fallback fps must be positive")
	}

	if c.Analysis.BackAngleLow > c.Analysis.BackAngleStraight {
		problems = append(problems, "back angle low threshold must not exceed the straight threshold")
	}

	if c.Analysis.KneeToeTolerance < 0 {
		problems = append(problems, "knee toe tolerance must not be negative")
	}

	switch c.Analysis.KneeToeMode {
	case "symmetric", "forward":
	default:
		problems = append(problems, fmt.Sprintf("unknown knee toe mode %q", c.Analysis.KneeToeMode))
	}

	switch c.Analysis.SummaryGroupBy {
	case "message", "rule":
	default:
		problems = append(problems, fmt.Sprintf("unknown summary grouping %q", c.Analysis.SummaryGroupBy))
	}

	if c.Analysis.Workers < 1 {
		problems = append(problems, "analysis workers must be at least 1")
	}

	switch c.Annotation.Mode {
	case "auto", "still", "video", "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown annotation mode %q", c.Annotation.Mode))
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, admin endpoints are disabled")
	}

	if c.Security.MaxRequestSize <= 0 {
		problems = append(problems, "max request size must be positive")
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			problems = append(problems, "Redis host is required")
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			problems = append(problems, "Redis port must be between 1 and 65535")
		}
	}

	if c.Jobs.TTL <= 0 {
		problems = append(problems, "job TTL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, ", "))
	}

	return nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = level

	if c.Logging.Output != "" {
		zc.OutputPaths = []string{c.Logging.Output}
	}
	return zc.Build()
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvAsFields(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return defaultValue
}
