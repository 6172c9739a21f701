package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/san-kum/posture-cv/server/media"
	"github.com/san-kum/posture-cv/server/models"
)

var ErrQueueClosed = errors.New("processing queue is shut down")

// ProcessingQueue is a bounded pool of workers running pose estimation for
// every analysis in flight.
type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	stopOnce   sync.Once
	isRunning  bool
	// mutex is held for reading across every send to items, so Shutdown's
	// drain sees all accepted items.
	mutex sync.RWMutex
}

type QueueItem struct {
	Ctx        context.Context
	Frame      media.Frame
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Landmarks *models.LandmarkSet
	Error     error
	Latency   time.Duration
}

// NewQueueItem returns an item whose result channel never blocks the worker.
func NewQueueItem(ctx context.Context, frame media.Frame) *QueueItem {
	return &QueueItem{
		Ctx:        ctx,
		Frame:      frame,
		ResultChan: make(chan *ProcessingResult, 1),
		StartTime:  time.Now(),
	}
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker(i)
	}

	return queue
}

func (pq *ProcessingQueue) worker(id int) {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case item.ResultChan <- &ProcessingResult{
				Error: fmt.Errorf("worker panic: %v", r),
			}:
			default:
			}
		}
	}()

	pq.workerFunc(item)
}

// Enqueue waits for room in the queue. It fails once the queue is shut down
// or ctx is done.
func (pq *ProcessingQueue) Enqueue(ctx context.Context, item *QueueItem) error {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return ErrQueueClosed
	}

	select {
	case pq.items <- item:
		return nil
	case <-pq.shutdown:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds item only if there is room right now.
func (pq *ProcessingQueue) TryEnqueue(item *QueueItem) bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return false
	}

	select {
	case pq.items <- item:
		return true
	default:
		return false
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

func (pq *ProcessingQueue) Workers() int {
	return pq.workers
}

// Shutdown stops the workers and fails whatever was still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	// Closing shutdown first releases Enqueue calls blocked on a full queue,
	// so the write lock below only waits for sends already in progress.
	pq.stopOnce.Do(func() { close(pq.shutdown) })

	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timeout exceeded")
	}
	pq.DrainQueue()
	return err
}

func (pq *ProcessingQueue) DrainQueue() int {
	drained := 0

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				select {
				case item.ResultChan <- &ProcessingResult{Error: ErrQueueClosed}:
				default:
				}
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	stats := QueueStats{
		CurrentSize:   pq.Size(),
		MaxCapacity:   pq.Capacity(),
		ActiveWorkers: pq.workers,
		IsRunning:     pq.IsRunning(),
	}
	if stats.MaxCapacity > 0 {
		stats.UtilizationPercent = float64(stats.CurrentSize) / float64(stats.MaxCapacity) * 100
	}
	return stats
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
