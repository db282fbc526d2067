package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name           string
	maxWorkers     int
	taskQueue      chan Task
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	activeWorkers  int32
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Debug("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return pool
}

// TrySubmit enqueues a task without blocking. Returns false when the queue
// is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	default:
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		p.logger.Warn("Task rejected, queue full",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID))
		return false
	}
}

// Stop stops accepting tasks and waits for workers to drain. Idempotent.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
		p.logger.Debug("Worker pool stopped",
			zap.String("name", p.name),
			zap.Uint64("completed", atomic.LoadUint64(&p.completedTasks)),
			zap.Uint64("failed", atomic.LoadUint64(&p.failedTasks)),
			zap.Uint64("rejected", atomic.LoadUint64(&p.rejectedTasks)))
	})
}

// ActiveWorkers returns the number of workers currently running a task.
func (p *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.activeWorkers))
}

// CompletedTasks returns the number of tasks that finished without error.
func (p *WorkerPool) CompletedTasks() uint64 {
	return atomic.LoadUint64(&p.completedTasks)
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// drain what is already queued before exiting
			for {
				select {
				case task := <-p.taskQueue:
					p.executeTask(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	atomic.AddUint64(&p.completedTasks, 1)
}

// safeExecute runs the task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}
