package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/cache"
	"github.com/san-kum/posture-cv/server/models"
)

var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job will not change any more.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Analyzer is the part of Pipeline the tracker drives.
type Analyzer interface {
	AnalyzeFile(ctx context.Context, path string, progress ProgressFunc) *models.SessionResult
}

type Job struct {
	ID              string                `json:"id"`
	Filename        string                `json:"filename"`
	Path            string                `json:"-"`
	Status          JobStatus             `json:"status"`
	Progress        float64               `json:"progress"`
	FramesProcessed int                   `json:"frames_processed"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
	Result          *models.SessionResult `json:"result,omitempty"`
	Error           string                `json:"error,omitempty"`
}

type JobStats struct {
	Submitted       int64   `json:"submitted"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Cancelled       int64   `json:"cancelled"`
	Running         int     `json:"running"`
	AverageDuration float64 `json:"average_duration_ms"`
}

// JobTracker runs analyses in the background. Job records live in the cache
// and expire after ttl.
type JobTracker struct {
	analyzer Analyzer
	cache    cache.Cache
	ttl      time.Duration
	slots    chan struct{}
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// storeMu orders record writes against Delete.
	storeMu sync.Mutex
	removed map[string]struct{}

	mutex       sync.Mutex
	running     map[string]context.CancelFunc
	watchers    map[string]map[chan Job]struct{}
	avgDuration float64
}

func NewJobTracker(analyzer Analyzer, store cache.Cache, ttl time.Duration, maxConcurrent int, logger *zap.Logger) *JobTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobTracker{
		analyzer: analyzer,
		cache:    store,
		ttl:      ttl,
		slots:    make(chan struct{}, maxConcurrent),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		removed:  make(map[string]struct{}),
		running:  make(map[string]context.CancelFunc),
		watchers: make(map[string]map[chan Job]struct{}),
	}
}

func jobKey(id string) string {
	return cache.Key("job", id)
}

func statsKey(name string) string {
	return cache.Key("stats", "jobs", name)
}

// Submit records a queued job for the media at path and starts it as soon
// as a slot is free.
func (t *JobTracker) Submit(ctx context.Context, filename, path string) (*Job, error) {
	if t.ctx.Err() != nil {
		return nil, errors.New("job tracker is shut down")
	}

	job := &Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		Path:      path,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}
	t.increment(ctx, "submitted")

	jobCtx, cancel := context.WithCancel(t.ctx)
	t.mutex.Lock()
	t.running[job.ID] = cancel
	t.mutex.Unlock()

	t.wg.Add(1)
	go t.run(jobCtx, *job)

	t.logger.Info("Analysis job submitted",
		zap.String("job_id", job.ID),
		zap.String("filename", filename))
	return job, nil
}

func (t *JobTracker) run(ctx context.Context, job Job) {
	defer t.wg.Done()
	defer t.finish(job.ID)

	select {
	case t.slots <- struct{}{}:
		defer func() { <-t.slots }()
	case <-ctx.Done():
		t.complete(job, nil, ctx.Err())
		return
	}

	started := time.Now().UTC()
	job.Status = JobProcessing
	job.StartedAt = &started
	t.store(job)

	lastPercent := -1.0
	result := t.analyzer.AnalyzeFile(ctx, job.Path, func(processed, total int) {
		job.FramesProcessed = processed
		if total > 0 {
			job.Progress = min(float64(processed)/float64(total)*100, 99)
		}
		// Only persist whole-percent steps, or every 25 frames when the total
		// is unknown.
		if job.Progress-lastPercent >= 1 || (total <= 0 && processed%25 == 0) {
			lastPercent = job.Progress
			t.store(job)
		}
	})

	t.complete(job, result, ctx.Err())
}

func (t *JobTracker) complete(job Job, result *models.SessionResult, ctxErr error) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Result = result

	var outcome string
	switch {
	case ctxErr != nil:
		job.Status = JobCancelled
		job.Error = "analysis cancelled"
		outcome = "cancelled"
	case result == nil || isSourceFailure(result):
		job.Status = JobFailed
		if result != nil && len(result.Frames) > 0 {
			job.Error = result.Frames[0].Message
		}
		outcome = "failed"
	default:
		job.Status = JobCompleted
		job.Progress = 100
		outcome = "completed"
	}

	if job.StartedAt != nil {
		t.recordDuration(now.Sub(*job.StartedAt))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.save(ctx, &job); err != nil {
		t.logger.Error("Failed to store finished job", zap.String("job_id", job.ID), zap.Error(err))
	}
	t.increment(ctx, outcome)

	t.logger.Info("Analysis job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("frames", job.FramesProcessed))
}

func isSourceFailure(result *models.SessionResult) bool {
	return len(result.Frames) == 1 && result.Frames[0].RuleID == models.RuleSourceFailure
}

func (t *JobTracker) finish(id string) {
	t.storeMu.Lock()
	delete(t.removed, id)
	t.storeMu.Unlock()

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if cancel, ok := t.running[id]; ok {
		cancel()
		delete(t.running, id)
	}
	for ch := range t.watchers[id] {
		close(ch)
	}
	delete(t.watchers, id)
}

// store saves job from the worker goroutine, logging failures.
func (t *JobTracker) store(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.save(ctx, &job); err != nil {
		t.logger.Warn("Failed to store job progress", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (t *JobTracker) save(ctx context.Context, job *Job) error {
	t.storeMu.Lock()
	if _, gone := t.removed[job.ID]; gone {
		t.storeMu.Unlock()
		return nil
	}
	err := t.cache.SetWithTTL(ctx, jobKey(job.ID), job, t.ttl)
	t.storeMu.Unlock()
	if err != nil {
		return err
	}
	t.notify(*job)
	return nil
}

func (t *JobTracker) notify(job Job) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for ch := range t.watchers[job.ID] {
		// Watchers only need the latest state.
		select {
		case <-ch:
		default:
		}
		ch <- job
	}
}

func (t *JobTracker) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := t.cache.Get(ctx, jobKey(id), &job); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Watch returns a channel carrying the job's latest state on every change.
// The channel is closed when the job finishes; stop releases it early.
func (t *JobTracker) Watch(id string) (updates <-chan Job, stop func()) {
	ch := make(chan Job, 1)

	t.mutex.Lock()
	if _, ok := t.running[id]; !ok {
		t.mutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	if t.watchers[id] == nil {
		t.watchers[id] = make(map[chan Job]struct{})
	}
	t.watchers[id][ch] = struct{}{}
	t.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mutex.Lock()
			defer t.mutex.Unlock()
			if _, ok := t.watchers[id][ch]; ok {
				delete(t.watchers[id], ch)
				close(ch)
			}
		})
	}
}

// Cancel stops a queued or running job. Finished jobs are left alone.
func (t *JobTracker) Cancel(ctx context.Context, id string) error {
	t.mutex.Lock()
	cancel, ok := t.running[id]
	t.mutex.Unlock()

	if ok {
		cancel()
		return nil
	}
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// Delete cancels the job if it is still going and removes its record.
func (t *JobTracker) Delete(ctx context.Context, id string) error {
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}

	t.storeMu.Lock()
	t.mutex.Lock()
	cancel, running := t.running[id]
	t.mutex.Unlock()
	if running {
		t.removed[id] = struct{}{}
	}
	err := t.cache.Delete(ctx, jobKey(id))
	t.storeMu.Unlock()

	if running {
		cancel()
	}
	return err
}

func (t *JobTracker) increment(ctx context.Context, name string) {
	if _, err := t.cache.Increment(ctx, statsKey(name)); err != nil {
		t.logger.Warn("Failed to update job counter", zap.String("counter", name), zap.Error(err))
	}
}

func (t *JobTracker) recordDuration(d time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	current := float64(d.Milliseconds())
	if t.avgDuration == 0 {
		t.avgDuration = current
	} else {
		alpha := 0.1
		t.avgDuration = alpha*current + (1-alpha)*t.avgDuration
	}
}

func (t *JobTracker) counter(ctx context.Context, name string) int64 {
	var n int64
	if err := t.cache.Get(ctx, statsKey(name), &n); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		t.logger.Warn("Failed to read job counter", zap.String("counter", name), zap.Error(err))
	}
	return n
}

func (t *JobTracker) Stats(ctx context.Context) JobStats {
	t.mutex.Lock()
	running := len(t.running)
	avg := t.avgDuration
	t.mutex.Unlock()

	return JobStats{
		Submitted:       t.counter(ctx, "submitted"),
		Completed:       t.counter(ctx, "completed"),
		Failed:          t.counter(ctx, "failed"),
		Cancelled:       t.counter(ctx, "cancelled"),
		Running:         running,
		AverageDuration: avg,
	}
}

// Shutdown cancels every job and waits for them to record their final state.
func (t *JobTracker) Shutdown(timeout time.Duration) error {
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to stop")
	}
}
