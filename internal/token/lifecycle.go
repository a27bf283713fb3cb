// Package token 负责验证令牌的签发、校验与过期判断。
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
)

// DefaultTTL 验证链接默认有效期
const DefaultTTL = 24 * time.Hour

// 生成的令牌与现有记录撞车时的最大重试次数
const maxIssueAttempts = 3

// ErrExhausted 连续生成的令牌都已被占用
var ErrExhausted = errors.New("could not issue a unique token")

// Finder 按令牌查找订阅记录，找不到时返回 storage.ErrNotFound
type Finder interface {
	GetByToken(ctx context.Context, token string) (*domain.Subscriber, error)
}

// Lifecycle 令牌生命周期管理
type Lifecycle struct {
	finder   Finder
	ttl      time.Duration
	generate func() string
}

// Option Lifecycle 可选项
type Option func(*Lifecycle)

// WithGenerator 替换令牌生成函数，测试中用于构造碰撞
func WithGenerator(fn func() string) Option {
	return func(l *Lifecycle) { l.generate = fn }
}

// NewLifecycle 创建令牌生命周期管理器，ttl 非正时使用 DefaultTTL
func NewLifecycle(finder Finder, ttl time.Duration, opts ...Option) *Lifecycle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := &Lifecycle{
		finder:   finder,
		ttl:      ttl,
		generate: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL 令牌有效期
func (l *Lifecycle) TTL() time.Duration {
	return l.ttl
}

// Issue 生成一个未被任何记录占用的新令牌，过期时间为 now + TTL
func (l *Lifecycle) Issue(ctx context.Context, now time.Time) (string, time.Time, error) {
	for i := 0; i < maxIssueAttempts; i++ {
		tok := l.generate()

		_, err := l.finder.GetByToken(ctx, tok)
		if errors.Is(err, storage.ErrNotFound) {
			return tok, now.Add(l.ttl), nil
		}
		if err != nil {
			return "", time.Time{}, fmt.Errorf("check token uniqueness: %w", err)
		}
	}
	return "", time.Time{}, ErrExhausted
}

// Validate 查找令牌对应的记录并检查是否过期
//
// 已验证的记录不受过期限制，重复点击链接仍然成功。
// 过期时同时返回记录，便于调用方记录日志。
func (l *Lifecycle) Validate(ctx context.Context, tok string, now time.Time) (*domain.Subscriber, error) {
	if tok == "" {
		return nil, domain.ErrMissingToken
	}

	sub, err := l.finder.GetByToken(ctx, tok)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if !sub.Verified && sub.TokenExpired(now) {
		return sub, domain.ErrTokenExpired
	}
	return sub, nil
}
