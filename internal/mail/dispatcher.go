package mail

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"waitlist/backend/internal/monitoring"
	"waitlist/backend/internal/pool"
)

const defaultSendTimeout = 30 * time.Second

// Dispatcher 异步投递邮件
//
// Dispatch 只把任务放进协程池队列，不等待发送结果；队列满时直接丢弃并记录。
// 发送失败只记日志，不重试。
type Dispatcher struct {
	transport   Transport
	pool        *pool.WorkerPool
	limiter     *rate.Limiter
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	sendTimeout time.Duration
}

// DispatcherOption 投递器选项
type DispatcherOption func(*Dispatcher)

// WithSendRate 限制每秒发送数，perSecond <= 0 表示不限速
func WithSendRate(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics 记录发送指标
func WithMetrics(m *monitoring.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSendTimeout 单封邮件（含限速等待）的超时
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// NewDispatcher 创建投递器，协程池由调用方启动和停止
func NewDispatcher(transport Transport, workers *pool.WorkerPool, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transport:   transport,
		pool:        workers,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transport 当前使用的发送通道
func (d *Dispatcher) Transport() Transport {
	return d.transport
}

// Dispatch 提交一封邮件，返回是否成功入队
func (d *Dispatcher) Dispatch(msg *Message) bool {
	if msg == nil {
		return false
	}
	ok := d.pool.TrySubmit(func(ctx context.Context) {
		d.send(ctx, msg)
	})
	if !ok {
		d.logger.Warn("Mail queue full, message dropped",
			zap.String("kind", string(msg.Kind)),
			zap.Strings("to", msg.To),
		)
		if d.metrics != nil {
			d.metrics.RecordMailDropped(string(msg.Kind))
		}
	}
	return ok
}

func (d *Dispatcher) send(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := d.deliver(ctx, msg)
	duration := time.Since(start)

	if d.metrics != nil {
		d.metrics.RecordMailSent(string(msg.Kind), d.transport.Name(), err, duration)
	}
	if err != nil {
		d.logger.Error("Failed to send mail",
			zap.String("kind", string(msg.Kind)),
			zap.String("transport", d.transport.Name()),
			zap.Strings("to", msg.To),
			zap.Error(err),
		)
		return
	}
	d.logger.Debug("Mail sent",
		zap.String("kind", string(msg.Kind)),
		zap.String("transport", d.transport.Name()),
		zap.Duration("duration", duration),
	)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *Message) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return d.transport.Send(ctx, msg)
}
