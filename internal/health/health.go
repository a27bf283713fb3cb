package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"waitlist/backend/internal/storage"
)

const (
	checkTimeout       = 3 * time.Second
	goroutineThreshold = 10000
)

// Pinger 可探活的外部依赖，例如 Redis 客户端
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.SubscriptionStore
	redis  Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，redis 为 nil 时不检查
func NewHealthChecker(store storage.SubscriptionStore, redis Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		redis:  redis,
		logger: logger,
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 存活检查只看进程本身，就绪检查覆盖存储与 Redis
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(goroutineThreshold))

	hc.health.AddReadinessCheck("storage", StoreHealthCheck(hc.store))
	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", PingCheck(hc.redis))
	}
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	// 检查存储
	if err := hc.store.Health(ctx); err != nil {
		hc.logger.Warn("Storage health check failed", zap.Error(err))
		results["storage"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["storage"] = "OK"
	}

	// 检查 Redis
	if hc.redis != nil {
		if err := hc.redis.Ping(ctx); err != nil {
			hc.logger.Warn("Redis health check failed", zap.Error(err))
			results["redis"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["redis"] = "OK"
		}
	} else {
		results["redis"] = "NOT_CONFIGURED"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	return results
}

// StoreHealthCheck 存储健康检查
func StoreHealthCheck(store storage.SubscriptionStore) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		return store.Health(ctx)
	}
}

// PingCheck 外部依赖探活
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		return p.Ping(ctx)
	}
}
