// Package ratelimit 提供按客户端标识计数的滑动窗口限流。
package ratelimit

import (
	"context"
	"time"
)

// 默认窗口参数：每个客户端 60 分钟内最多 5 次
const (
	DefaultLimit  = 5
	DefaultWindow = time.Hour
)

// Limiter 滑动窗口限流接口。
//
// Admit 在放行时记录本次请求并返回 true；拒绝时不产生任何副作用。
type Limiter interface {
	Admit(ctx context.Context, clientID string) (bool, error)
}

// Clock 时间源，测试中可替换
type Clock func() time.Time

func normalize(limit int, window time.Duration, clock Clock) (int, time.Duration, Clock) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return limit, window, clock
}
