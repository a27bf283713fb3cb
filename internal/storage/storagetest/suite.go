// Package storagetest 提供各存储实现共用的行为测试。
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func input(email, token string, now time.Time) domain.UpsertInput {
	return domain.UpsertInput{
		Email:       email,
		Token:       token,
		TokenExpiry: now.Add(24 * time.Hour),
		Now:         now,
	}
}

// Run 对 newStore 返回的存储执行完整的行为测试，每个子测试使用全新实例。
func Run(t *testing.T, newStore func(t *testing.T) storage.SubscriptionStore) {
	ctx := context.Background()

	t.Run("新建记录", func(t *testing.T) {
		s := newStore(t)

		sub, created, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "a@example.com", sub.Email)
		assert.False(t, sub.Verified)
		assert.True(t, sub.FirstSubscribedAt.Equal(base))
		assert.True(t, sub.TokenExpiry.Equal(base.Add(24*time.Hour)))

		got, err := s.GetByToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", got.Email)
	})

	t.Run("重新订阅刷新令牌并保留首次订阅时间", func(t *testing.T) {
		s := newStore(t)
		later := base.Add(2 * time.Hour)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		sub, created, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-2", later))
		require.NoError(t, err)

		assert.False(t, created)
		assert.Equal(t, "tok-2", sub.Token)
		assert.True(t, sub.FirstSubscribedAt.Equal(base))
		assert.True(t, sub.LastAttemptAt.Equal(later))

		_, err = s.GetByToken(ctx, "tok-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("旧令牌无法验证", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		_, _, err = s.UpsertByEmail(ctx, input("a@example.com", "tok-2", base.Add(time.Minute)))
		require.NoError(t, err)

		_, _, err = s.MarkVerified(ctx, "a@example.com", "tok-1", base.Add(2*time.Minute))
		assert.ErrorIs(t, err, storage.ErrNotFound)

		sub, changed, err := s.MarkVerified(ctx, "a@example.com", "tok-2", base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, sub.Verified)
	})

	t.Run("重复验证保留首次验证时间", func(t *testing.T) {
		s := newStore(t)
		first := base.Add(time.Minute)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		_, changed, err := s.MarkVerified(ctx, "a@example.com", "tok-1", first)
		require.NoError(t, err)
		assert.True(t, changed)

		sub, changed, err := s.MarkVerified(ctx, "a@example.com", "tok-1", base.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, changed)
		require.NotNil(t, sub.VerifiedAt)
		assert.True(t, sub.VerifiedAt.Equal(first))
	})

	t.Run("重新订阅默认保留验证状态", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		_, _, err = s.MarkVerified(ctx, "a@example.com", "tok-1", base.Add(time.Minute))
		require.NoError(t, err)

		sub, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-2", base.Add(time.Hour)))
		require.NoError(t, err)
		assert.True(t, sub.Verified)
		assert.NotNil(t, sub.VerifiedAt)
	})

	t.Run("配置后重新订阅重置验证状态", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		_, _, err = s.MarkVerified(ctx, "a@example.com", "tok-1", base.Add(time.Minute))
		require.NoError(t, err)

		in := input("a@example.com", "tok-2", base.Add(time.Hour))
		in.ResetVerified = true
		sub, _, err := s.UpsertByEmail(ctx, in)
		require.NoError(t, err)
		assert.False(t, sub.Verified)
		assert.Nil(t, sub.VerifiedAt)
	})

	t.Run("令牌冲突", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		_, _, err = s.UpsertByEmail(ctx, input("b@example.com", "tok-1", base))
		assert.ErrorIs(t, err, storage.ErrTokenConflict)

		_, err = s.GetByEmail(ctx, "b@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("列表与统计", func(t *testing.T) {
		s := newStore(t)

		for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
			_, _, err := s.UpsertByEmail(ctx, input(email, "tok-"+email, base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
		_, _, err := s.MarkVerified(ctx, "b@example.com", "tok-b@example.com", base.Add(time.Hour))
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a@example.com", list[0].Email)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStats{Total: 3, Verified: 1, Unverified: 2}, stats)
		assert.Equal(t, domain.Summarize(list), stats)
	})

	t.Run("返回值修改不影响存储", func(t *testing.T) {
		s := newStore(t)

		sub, _, err := s.UpsertByEmail(ctx, input("a@example.com", "tok-1", base))
		require.NoError(t, err)
		sub.Verified = true

		got, err := s.GetByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.False(t, got.Verified)
	})

	t.Run("同一邮箱并发重新订阅只保留一条记录", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tok := "tok-" + string(rune('a'+i))
				_, _, _ = s.UpsertByEmail(ctx, input("a@example.com", tok, base.Add(time.Duration(i)*time.Second)))
			}(i)
		}
		wg.Wait()

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total)

		sub, err := s.GetByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		got, err := s.GetByToken(ctx, sub.Token)
		require.NoError(t, err)
		assert.Equal(t, sub.Email, got.Email)
	})

	t.Run("健康检查", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Health(ctx))
	})
}
