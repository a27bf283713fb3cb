package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedis_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("第6次请求被拒绝", func(t *testing.T) {
		_, client := setupMiniredis(t)
		clock := newFakeClock()
		l := NewRedis(client, "test:", 5, time.Hour, clock.Now)

		for i := 0; i < 5; i++ {
			ok, err := l.Admit(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.True(t, ok)
			clock.Advance(time.Second)
		}

		ok, err := l.Admit(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("窗口过后恢复放行", func(t *testing.T) {
		_, client := setupMiniredis(t)
		clock := newFakeClock()
		l := NewRedis(client, "test:", 2, time.Hour, clock.Now)

		l.Admit(ctx, "ip")
		l.Admit(ctx, "ip")
		ok, _ := l.Admit(ctx, "ip")
		require.False(t, ok)

		clock.Advance(time.Hour + time.Millisecond)
		ok, err := l.Admit(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("键带前缀并设置过期", func(t *testing.T) {
		mr, client := setupMiniredis(t)
		l := NewRedis(client, "", 5, time.Hour, newFakeClock().Now)

		_, err := l.Admit(ctx, "ip")
		require.NoError(t, err)

		assert.True(t, mr.Exists("waitlist:ratelimit:ip"))
		assert.Greater(t, mr.TTL("waitlist:ratelimit:ip"), time.Duration(0))
	})

	t.Run("Redis 不可用返回错误", func(t *testing.T) {
		mr, client := setupMiniredis(t)
		l := NewRedis(client, "", 5, time.Hour, nil)
		mr.Close()

		ok, err := l.Admit(ctx, "ip")
		assert.Error(t, err)
		assert.False(t, ok)
	})
}
