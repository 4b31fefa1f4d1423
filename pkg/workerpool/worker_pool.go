// Package workerpool runs a fixed number of reusable goroutines that build
// an analysis artifact's derived indices in parallel: the reverse-edge
// index, the type index, and the root bitmap are each independent of the
// others and can be built concurrently once the raw snapshot tables exist.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one index-build job submitted to the pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
	Created time.Time
}

// Worker is a single goroutine pulling tasks off its own channel.
type Worker struct {
	ID       int
	pool     *WorkerPool
	taskChan chan Task
	quit     chan bool
	active   int64
	logger   *logrus.Logger
}

// WorkerPool manages a fixed set of reusable workers building index-build
// tasks concurrently, with first-free dispatch and a bounded task queue.
type WorkerPool struct {
	workers   []*Worker
	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logrus.Logger
	config    Config

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64

	isRunning bool
	mutex     sync.RWMutex
}

// Config configures the worker pool.
type Config struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig sizes the pool to the host's CPU count, matching the
// indexer's expectation that it can build one index per core concurrently.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      runtime.NumCPU(),
		QueueSize:       0,
		WorkerTimeout:   5 * time.Minute,
		EnableMetrics:   true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// New creates a WorkerPool from config.
func New(config Config, logger *logrus.Logger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.WorkerTimeout == 0 {
		config.WorkerTimeout = 5 * time.Minute
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		config:    config,
		workers:   make([]*Worker, 0, config.MaxWorkers),
	}

	for i := 0; i < config.MaxWorkers; i++ {
		pool.workers = append(pool.workers, &Worker{
			ID:       i,
			pool:     pool,
			taskChan: make(chan Task, 1),
			quit:     make(chan bool),
			logger:   logger,
		})
	}

	return pool
}

// Start launches the worker goroutines, the dispatcher, and (if enabled)
// the metrics collector.
func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.isRunning {
		return nil
	}

	wp.logger.WithFields(logrus.Fields{
		"max_workers": wp.config.MaxWorkers,
		"queue_size":  wp.config.QueueSize,
	}).Info("starting index-build worker pool")

	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go worker.start()
	}

	wp.wg.Add(1)
	go wp.dispatcher()

	if wp.config.EnableMetrics {
		wp.wg.Add(1)
		go wp.metricsCollector()
	}

	wp.isRunning = true
	return nil
}

// Stop cancels in-flight work and waits for workers to exit, up to
// ShutdownTimeout.
func (wp *WorkerPool) Stop() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if !wp.isRunning {
		return nil
	}

	wp.logger.Info("stopping index-build worker pool")
	wp.cancel()

	for _, worker := range wp.workers {
		close(worker.quit)
	}

	done := make(chan bool)
	go func() {
		wp.wg.Wait()
		done <- true
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped gracefully")
	case <-time.After(wp.config.ShutdownTimeout):
		wp.logger.Warn("worker pool shutdown timed out")
	}

	wp.isRunning = false
	return nil
}

// Submit enqueues a task, returning ErrQueueFull if the queue is at
// capacity.
func (wp *WorkerPool) Submit(task Task) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrQueueFull
	}
}

// SubmitWithTimeout enqueues a task, giving up after timeout if the queue
// stays full.
func (wp *WorkerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrTimeout
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Stats reports the pool's current load.
type Stats struct {
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	QueueSize      int
	TotalTasks     int64
	ActiveTasks    int64
	CompletedTasks int64
	FailedTasks    int64
	IsRunning      bool
}

// Stats returns a snapshot of the pool's counters.
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		MaxWorkers:     wp.config.MaxWorkers,
		ActiveWorkers:  wp.activeWorkerCount(),
		QueuedTasks:    len(wp.taskQueue),
		QueueSize:      wp.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&wp.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&wp.activeTasks),
		CompletedTasks: atomic.LoadInt64(&wp.completedTasks),
		FailedTasks:    atomic.LoadInt64(&wp.failedTasks),
		IsRunning:      wp.isRunning,
	}
}

func (wp *WorkerPool) dispatcher() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			wp.assignTask(task)
		case <-wp.ctx.Done():
			wp.logger.Info("worker pool dispatcher stopping")
			return
		}
	}
}

// assignTask hands a task to the first worker, in worker order, with a free
// slot, falling back to blocking on worker 0 once every worker is busy.
func (wp *WorkerPool) assignTask(task Task) {
	for _, worker := range wp.workers {
		select {
		case worker.taskChan <- task:
			return
		default:
			continue
		}
	}

	select {
	case wp.workers[0].taskChan <- task:
		return
	case <-wp.ctx.Done():
		atomic.AddInt64(&wp.failedTasks, 1)
		return
	}
}

func (wp *WorkerPool) activeWorkerCount() int {
	active := 0
	for _, worker := range wp.workers {
		if atomic.LoadInt64(&worker.active) > 0 {
			active++
		}
	}
	return active
}

func (wp *WorkerPool) metricsCollector() {
	defer wp.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := wp.Stats()
			wp.logger.WithFields(logrus.Fields{
				"active_workers":  stats.ActiveWorkers,
				"queued_tasks":    stats.QueuedTasks,
				"total_tasks":     stats.TotalTasks,
				"completed_tasks": stats.CompletedTasks,
				"failed_tasks":    stats.FailedTasks,
			}).Debug("worker pool metrics")
		case <-wp.ctx.Done():
			return
		}
	}
}

func (w *Worker) start() {
	defer w.pool.wg.Done()

	w.pool.logger.WithField("worker_id", w.ID).Debug("worker started")

	for {
		select {
		case task := <-w.taskChan:
			w.run(task)
		case <-w.quit:
			w.pool.logger.WithField("worker_id", w.ID).Debug("worker stopping")
			return
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *Worker) run(task Task) {
	atomic.StoreInt64(&w.active, 1)
	atomic.AddInt64(&w.pool.activeTasks, 1)
	defer func() {
		atomic.StoreInt64(&w.active, 0)
		atomic.AddInt64(&w.pool.activeTasks, -1)
	}()

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.WorkerTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&w.pool.failedTasks, 1)
		w.logger.WithFields(logrus.Fields{
			"worker_id": w.ID,
			"task_id":   task.ID,
			"duration":  duration,
			"error":     err,
		}).Error("index-build task failed")
		return
	}

	atomic.AddInt64(&w.pool.completedTasks, 1)
	w.logger.WithFields(logrus.Fields{
		"worker_id": w.ID,
		"task_id":   task.ID,
		"duration":  duration,
	}).Debug("index-build task completed")
}

var (
	ErrPoolNotRunning = fmt.Errorf("worker pool is not running")
	ErrQueueFull      = fmt.Errorf("task queue is full")
	ErrTimeout        = fmt.Errorf("task submission timed out")
)
