package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/models"
)

// HTTPEstimator calls a remote pose service.
type HTTPEstimator struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig

	stopCh    chan struct{}
	closeOnce sync.Once
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	MinVisibility       float64
	JPEGQuality         int
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             30 * time.Second,
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MinVisibility:       0.5,
		JPEGQuality:         85,
	}
}

func NewHTTPEstimator(baseURL string, config *ClientConfig, logger *zap.Logger) *HTTPEstimator {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 85
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPEstimator{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		logger.Warn("Pose service not available at startup", zap.Error(err))
	}

	if config.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client
}

// Estimate sends img to the pose service, retrying transport and server
// errors with a linearly growing delay.
func (c *HTTPEstimator) Estimate(ctx context.Context, img image.Image) (*models.LandmarkSet, error) {
	request, err := newEstimateRequest(img, c.config.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying pose estimation request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		response, err := c.executeEstimateRequest(ctx, request)
		if err == nil {
			return response.toLandmarkSet(c.config.MinVisibility), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("pose estimation failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *HTTPEstimator) executeEstimateRequest(ctx context.Context, request *estimateRequest) (*estimateResponse, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/estimate", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "posture-cv/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("pose service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var estimate estimateResponse
	if err := json.NewDecoder(response.Body).Decode(&estimate); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if estimate.Error != "" {
		return nil, fmt.Errorf("pose service error: %s", estimate.Error)
	}

	return &estimate, nil
}

func (c *HTTPEstimator) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("pose service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *HTTPEstimator) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Pose service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Pose service health check passed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

func (c *HTTPEstimator) ModelInfo(ctx context.Context) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}

func (c *HTTPEstimator) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.httpClient.CloseIdleConnections()
	})
	return nil
}
