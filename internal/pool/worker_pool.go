package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped 协程池已停止，不再接受任务
var ErrStopped = errors.New("worker pool stopped")

// Task 池中执行的任务，ctx 为池的运行上下文
type Task func(ctx context.Context)

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免慢速下游（如邮件服务器）拖住请求协程。
// Stop 会关闭队列并等待已入队的任务执行完毕。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	log        *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - log: 记录任务 panic，nil 时不输出
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Run 启动协程池并阻塞到 ctx 结束，随后排空队列，适合放进 errgroup
func (p *WorkerPool) Run(ctx context.Context) error {
	// 排空阶段 ctx 已取消，任务改用独立上下文
	p.Start(context.WithoutCancel(ctx))
	<-ctx.Done()
	p.Stop()
	return nil
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	p.taskQueue <- task
	return nil
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

// Stop 停止协程池，可重复调用
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程，队列关闭后处理完剩余任务再退出
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.execute(ctx, task)
	}
}

func (p *WorkerPool) execute(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}
