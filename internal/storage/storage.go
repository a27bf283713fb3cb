package storage

import (
	"context"
	"errors"
	"time"

	"waitlist/backend/internal/domain"
)

var (
	// ErrNotFound 订阅记录不存在，或条件更新时邮箱与令牌已不匹配
	ErrNotFound = errors.New("subscription not found")
	// ErrTokenConflict 令牌已被另一条记录占用
	ErrTokenConflict = errors.New("token already in use")
)

// SubscriptionStore 定义订阅记录的存取操作。
//
// UpsertByEmail 与 MarkVerified 必须对同一邮箱原子执行：
// 并发的重新订阅与验证之间不会丢失更新。
type SubscriptionStore interface {
	// UpsertByEmail 按邮箱插入或刷新记录，created 表示是否为新记录
	UpsertByEmail(ctx context.Context, in domain.UpsertInput) (sub *domain.Subscriber, created bool, err error)
	GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	GetByToken(ctx context.Context, token string) (*domain.Subscriber, error)
	// MarkVerified 仅当 email 的当前令牌仍为 token 时才更新，
	// changed 表示本次是否发生了未验证到已验证的转换
	MarkVerified(ctx context.Context, email, token string, at time.Time) (sub *domain.Subscriber, changed bool, err error)
	List(ctx context.Context) ([]domain.Subscriber, error)
	Stats(ctx context.Context) (domain.SubscriptionStats, error)
	Health(ctx context.Context) error
	Close() error
}
