package workers

import (
	"sync"

	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"go.uber.org/zap"
)

// WorkerPool manages a pool of workers that execute jobs concurrently. It
// runs store I/O that must stay off the request path: sync flushes and
// denial audit writes.
type WorkerPool struct {
	name     string
	jobCh    chan func()
	wg       sync.WaitGroup // queued + running jobs
	workerWg sync.WaitGroup
	mu       sync.RWMutex // guards closed against AddJob racing Stop
	closed   bool
	stopOnce sync.Once
	log      *zap.Logger
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(name string, workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		name:  name,
		jobCh: make(chan func(), jobBufferSize),
		log:   logger.New("workers").With(zap.String("pool", name)),
	}
	wp.workerWg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workerWg.Done()
	for job := range wp.jobCh {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	defer wp.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("worker job panicked", zap.Any("panic", r), zap.Stack("stack"))
			metrics.IncrementErrorCount("internal")
		}
	}()
	job()
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full or the pool is stopped; the job is then dropped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		metrics.WorkerJobsDropped.WithLabelValues(wp.name).Inc()
		return false
	}
	wp.wg.Add(1)
	select {
	case wp.jobCh <- job:
		return true
	default:
		wp.wg.Done()
		metrics.WorkerJobsDropped.WithLabelValues(wp.name).Inc()
		wp.log.Warn("worker queue full, job dropped", zap.Int("queue_size", cap(wp.jobCh)))
		return false
	}
}

// QueueLen is the number of jobs waiting for a worker.
func (wp *WorkerPool) QueueLen() int {
	return len(wp.jobCh)
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop refuses new jobs, drains the queue and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.workerWg.Wait()
	})
}
