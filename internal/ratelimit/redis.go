package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// 有序集合实现的滑动窗口：score 为毫秒时间戳，检查与写入在同一脚本内原子完成
const slidingWindowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= limit then
    return 0
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return 1
`

// Redis 多实例共享的滑动窗口限流器
type Redis struct {
	client goredis.Scripter
	script *goredis.Script
	prefix string
	limit  int
	window time.Duration
	now    Clock
}

// NewRedis 创建 Redis 限流器，prefix 为空时使用 "waitlist:ratelimit:"
func NewRedis(client goredis.Scripter, prefix string, limit int, window time.Duration, clock Clock) *Redis {
	limit, window, clock = normalize(limit, window, clock)
	if prefix == "" {
		prefix = "waitlist:ratelimit:"
	}
	return &Redis{
		client: client,
		script: goredis.NewScript(slidingWindowLuaScript),
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    clock,
	}
}

// Admit 执行滑动窗口脚本
func (r *Redis) Admit(ctx context.Context, clientID string) (bool, error) {
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := r.script.Run(ctx, r.client,
		[]string{r.prefix + clientID},
		now, r.window.Milliseconds(), r.limit, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
