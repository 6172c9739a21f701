package ml

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/models"
)

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func standingLandmarks() []landmarkWire {
	return []landmarkWire{
		{Name: "left_shoulder", X: 0.5, Y: 0.2, Visibility: 0.99},
		{Name: "left_hip", X: 0.5, Y: 0.5, Visibility: 0.98},
		{Name: "left_knee", X: 0.5, Y: 0.8, Visibility: 0.97},
		{Name: "left_ear", X: 0.5, Y: 0.1, Visibility: 0.2},
	}
}

func testClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		MinVisibility: 0.5,
		JPEGQuality:   80,
	}
}

func newPoseServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/models/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "blazepose", "version": "full"})
	})
	mux.HandleFunc("/estimate", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEstimatorEstimate(t *testing.T) {
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req estimateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Width != 32 || req.Height != 24 {
			t.Errorf("request size = %dx%d", req.Width, req.Height)
		}
		if _, err := jpeg.Decode(bytes.NewReader(req.ImageData)); err != nil {
			t.Errorf("image data is not a JPEG: %v", err)
		}
		json.NewEncoder(w).Encode(estimateResponse{Detected: true, Landmarks: standingLandmarks()})
	})

	est := NewHTTPEstimator(srv.URL, testClientConfig(), zap.NewNop())
	defer est.Close()

	set, err := est.Estimate(context.Background(), testImage(32, 24))
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if set.Len() != 3 {
		t.Errorf("expected 3 visible landmarks, got %v", set.Names())
	}
	if _, ok := set.Get(models.LandmarkLeftEar); ok {
		t.Error("low-visibility ear should have been dropped")
	}
	if p, ok := set.Get(models.LandmarkLeftHip); !ok || p.Y != 0.5 {
		t.Errorf("left hip = %v, %v", p, ok)
	}
}

func TestHTTPEstimatorNoPerson(t *testing.T) {
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(estimateResponse{Detected: false})
	})

	est := NewHTTPEstimator(srv.URL, testClientConfig(), zap.NewNop())
	defer est.Close()

	set, err := est.Estimate(context.Background(), testImage(8, 8))
	if err != nil || set != nil {
		t.Errorf("Estimate = %v, %v; expected nil, nil", set, err)
	}
}

func TestHTTPEstimatorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(estimateResponse{Detected: true, Landmarks: standingLandmarks()})
	})

	est := NewHTTPEstimator(srv.URL, testClientConfig(), zap.NewNop())
	defer est.Close()

	set, err := est.Estimate(context.Background(), testImage(8, 8))
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if set == nil || calls.Load() != 3 {
		t.Errorf("set = %v after %d calls", set, calls.Load())
	}
}

func TestHTTPEstimatorGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})

	est := NewHTTPEstimator(srv.URL, testClientConfig(), zap.NewNop())
	defer est.Close()

	_, err := est.Estimate(context.Background(), testImage(8, 8))
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("expected final error with body, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, expected 3", calls.Load())
	}
}

func TestHTTPEstimatorServiceError(t *testing.T) {
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(estimateResponse{Error: "bad frame"})
	})

	config := testClientConfig()
	config.MaxRetries = 0
	est := NewHTTPEstimator(srv.URL, config, zap.NewNop())
	defer est.Close()

	if _, err := est.Estimate(context.Background(), testImage(8, 8)); err == nil || !strings.Contains(err.Error(), "bad frame") {
		t.Errorf("expected service error, got %v", err)
	}
}

func TestHTTPEstimatorCancelled(t *testing.T) {
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	config := testClientConfig()
	config.RetryDelay = time.Hour
	est := NewHTTPEstimator(srv.URL, config, zap.NewNop())
	defer est.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := est.Estimate(ctx, testImage(8, 8)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHTTPEstimatorModelInfoAndHealth(t *testing.T) {
	srv := newPoseServer(t, func(w http.ResponseWriter, r *http.Request) {})

	est := NewHTTPEstimator(srv.URL, testClientConfig(), zap.NewNop())
	defer est.Close()

	info, err := est.ModelInfo(context.Background())
	if err != nil || info["name"] != "blazepose" {
		t.Errorf("ModelInfo = %v, %v", info, err)
	}
	if err := est.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := est.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := estimateResponse{Detected: true, Landmarks: standingLandmarks(), ModelVersion: "v2"}

	if err := writeMessage(&buf, in); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	length := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(length) != buf.Len()-4 {
		t.Errorf("length prefix %d does not match payload %d", length, buf.Len()-4)
	}

	var out estimateResponse
	if err := readMessage(&buf, &out); err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if !out.Detected || len(out.Landmarks) != 4 || out.Landmarks[1].Name != "left_hip" || out.ModelVersion != "v2" {
		t.Errorf("unexpected decoded message %+v", out)
	}
}

func TestReadMessageErrors(t *testing.T) {
	var out estimateResponse

	if err := readMessage(bytes.NewReader([]byte{0, 0}), &out); err == nil {
		t.Error("expected error for short prefix")
	}

	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, maxMessageSize+1)
	if err := readMessage(bytes.NewReader(huge), &out); err == nil {
		t.Error("expected error for oversized message")
	}

	truncated := []byte{0, 0, 0, 10, 1, 2}
	if err := readMessage(bytes.NewReader(truncated), &out); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestToLandmarkSet(t *testing.T) {
	r := estimateResponse{Detected: true, Landmarks: []landmarkWire{{Name: "nose", X: 0.5, Y: 0.5, Visibility: 0.1}}}
	if set := r.toLandmarkSet(0.5); set != nil {
		t.Errorf("a response with nothing visible is no detection, got %v", set.Names())
	}
	if set := r.toLandmarkSet(0); set == nil || set.Len() != 1 {
		t.Error("zero min visibility keeps every landmark")
	}
}

// TestHelperPoseWorker is not a real test: it is the pose worker process
// started by the subprocess tests.
func TestHelperPoseWorker(t *testing.T) {
	if os.Getenv("POSE_WORKER_HELPER") != "1" {
		return
	}
	for {
		var req estimateRequest
		if err := readMessage(os.Stdin, &req); err != nil {
			os.Exit(0)
		}
		var resp estimateResponse
		switch req.Width {
		case 13:
			resp = estimateResponse{Detected: false}
		case 7:
			resp = estimateResponse{Error: "model failure"}
		case 50:
			time.Sleep(300 * time.Millisecond)
			resp = estimateResponse{Detected: false}
		case 99:
			time.Sleep(time.Hour)
		default:
			resp = estimateResponse{Detected: true, Landmarks: standingLandmarks()}
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			os.Exit(1)
		}
	}
}

func startHelperWorker(t *testing.T, timeout time.Duration) *SubprocessEstimator {
	t.Helper()
	t.Setenv("POSE_WORKER_HELPER", "1")

	est, err := StartSubprocessEstimator(context.Background(), SubprocessConfig{
		Command:        []string{os.Args[0], "-test.run=^TestHelperPoseWorker$"},
		RequestTimeout: timeout,
		MinVisibility:  0.5,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("StartSubprocessEstimator: %v", err)
	}
	t.Cleanup(func() { est.Close() })
	return est
}

func TestSubprocessEstimator(t *testing.T) {
	est := startHelperWorker(t, 10*time.Second)
	ctx := context.Background()

	set, err := est.Estimate(ctx, testImage(16, 16))
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if set.Len() != 3 {
		t.Errorf("expected 3 landmarks, got %v", set.Names())
	}

	set, err = est.Estimate(ctx, testImage(13, 13))
	if err != nil || set != nil {
		t.Errorf("no-person frame = %v, %v", set, err)
	}

	if _, err := est.Estimate(ctx, testImage(7, 7)); err == nil || !strings.Contains(err.Error(), "model failure") {
		t.Errorf("expected worker error, got %v", err)
	}

	info, _ := est.ModelInfo(ctx)
	if info["requests"] != uint64(3) || info["alive"] != true {
		t.Errorf("ModelInfo = %v", info)
	}
}

func TestSubprocessEstimatorTimeoutRestartsWorker(t *testing.T) {
	est := startHelperWorker(t, 200*time.Millisecond)
	ctx := context.Background()

	if _, err := est.Estimate(ctx, testImage(99, 99)); err == nil {
		t.Fatal("expected timeout")
	}
	set, err := est.Estimate(ctx, testImage(16, 16))
	if err != nil || set == nil {
		t.Fatalf("request after timeout = %v, %v", set, err)
	}

	info, _ := est.ModelInfo(ctx)
	if info["restarts"] != uint64(1) || info["alive"] != true {
		t.Errorf("ModelInfo = %v", info)
	}
}

func TestSubprocessEstimatorCancelledCallerDoesNotAffectOthers(t *testing.T) {
	est := startHelperWorker(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := est.Estimate(ctx, testImage(50, 50)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled caller error = %v", err)
	}

	set, err := est.Estimate(context.Background(), testImage(16, 16))
	if err != nil {
		t.Fatalf("next request: %v", err)
	}
	if set == nil || set.Len() != 3 {
		t.Errorf("next request read the abandoned response: %v", set)
	}

	info, _ := est.ModelInfo(context.Background())
	if info["restarts"] != uint64(0) || info["requests"] != uint64(2) {
		t.Errorf("ModelInfo = %v", info)
	}
}

func TestSubprocessEstimatorClosed(t *testing.T) {
	est := startHelperWorker(t, time.Second)
	if err := est.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := est.Estimate(context.Background(), testImage(16, 16)); !errors.Is(err, ErrEstimatorClosed) {
		t.Errorf("expected ErrEstimatorClosed, got %v", err)
	}
	if info, _ := est.ModelInfo(context.Background()); info["alive"] != false {
		t.Errorf("ModelInfo = %v", info)
	}
}

func TestStartSubprocessEstimatorErrors(t *testing.T) {
	if _, err := StartSubprocessEstimator(context.Background(), SubprocessConfig{}, nil); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := StartSubprocessEstimator(context.Background(), SubprocessConfig{Command: []string{"/nonexistent/pose-worker"}}, nil); err == nil {
		t.Error("expected error for missing binary")
	}
}
