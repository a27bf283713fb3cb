package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/mail"
	"waitlist/backend/internal/monitoring"
	"waitlist/backend/internal/ratelimit"
	"waitlist/backend/internal/storage"
	"waitlist/backend/internal/storage/memory"
	"waitlist/backend/internal/token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingMailer 记录入队的邮件
type recordingMailer struct {
	mu   sync.Mutex
	msgs []*mail.Message
}

func (m *recordingMailer) Dispatch(msg *mail.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return true
}

func (m *recordingMailer) kinds() []mail.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Kind, 0, len(m.msgs))
	for _, msg := range m.msgs {
		out = append(out, msg.Kind)
	}
	return out
}

func (m *recordingMailer) last() *mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return nil
	}
	return m.msgs[len(m.msgs)-1]
}

type fixture struct {
	svc     *SubscriptionService
	store   *memory.Store
	mailer  *recordingMailer
	clock   *testClock
	metrics *monitoring.Metrics
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{PublicURL: "https://acme.test"},
		Admin:  config.AdminConfig{Token: "s3cret", ExposeRecords: true},
		Mail: config.MailConfig{
			From:        "noreply@acme.test",
			NotifyEmail: "owner@acme.test",
			SiteName:    "Acme",
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	renderer, err := mail.NewRenderer(cfg.Mail.From, cfg.Mail.SiteName)
	require.NoError(t, err)

	mailer := &recordingMailer{}
	metrics := monitoring.NewMetrics()
	limiter := ratelimit.NewSlidingWindow(5, time.Hour, clock.Now)

	svc := NewSubscriptionService(
		store,
		limiter,
		token.NewLifecycle(store, 24*time.Hour),
		renderer,
		mailer,
		cfg,
		zap.NewNop(),
		WithClock(clock.Now),
		WithMetrics(metrics),
	)
	return &fixture{svc: svc, store: store, mailer: mailer, clock: clock, metrics: metrics}
}

func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestSubscribe_TestModeReturnsURL(t *testing.T) {
	f := newFixture(t, testConfig())

	res, err := f.svc.Subscribe(context.Background(), SubscribeInput{Email: "  User@Example.COM ", ClientID: "1.1.1.1"})
	require.NoError(t, err)

	assert.True(t, f.svc.TestMode())
	assert.True(t, res.Created)
	assert.Equal(t, "user@example.com", res.Subscriber.Email)
	assert.False(t, res.Subscriber.Verified)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), res.Subscriber.TokenExpiry)
	assert.True(t, strings.HasPrefix(res.VerificationURL, "https://acme.test/api/verify?token="))
	assert.Equal(t, res.Subscriber.Token, tokenFromURL(t, res.VerificationURL))

	assert.Equal(t, []mail.Kind{mail.KindVerification, mail.KindOwnerNew}, f.mailer.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SubscriptionsTotal.WithLabelValues("created")))
}

func TestSubscribe_LiveModeHidesURL(t *testing.T) {
	cfg := testConfig()
	cfg.Mail.Provider = config.MailProviderSMTP
	cfg.Mail.SMTP.Host = "smtp.acme.test"
	cfg.Server.PublicURL = ""
	f := newFixture(t, cfg)

	res, err := f.svc.Subscribe(context.Background(), SubscribeInput{Email: "a@example.com", ClientID: "ip", BaseURL: "http://localhost:3000/"})
	require.NoError(t, err)

	assert.Empty(t, res.VerificationURL)
	msg := f.mailer.msgs[0]
	assert.Equal(t, mail.KindVerification, msg.Kind)
	assert.Contains(t, msg.Text, "http://localhost:3000/api/verify?token="+res.Subscriber.Token)
}

func TestSubscribe_InvalidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  error
	}{
		{"缺少顶级域", "a@b", domain.ErrInvalidEmail},
		{"缺少@", "noatsign.com", domain.ErrInvalidEmail},
		{"空字符串", "", domain.ErrInvalidEmail},
		{"本地部分300字符", strings.Repeat("a", 300) + "@example.com", domain.ErrEmailTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())

			_, err := f.svc.Subscribe(context.Background(), SubscribeInput{Email: tt.email, ClientID: "ip"})

			assert.ErrorIs(t, err, tt.want)
			stats, err := f.store.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Total)
			assert.Empty(t, f.mailer.kinds())
		})
	}
}

func TestSubscribe_RateLimit(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "9.9.9.9"})
		require.NoError(t, err)
	}

	_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "9.9.9.9"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimitBlocks.WithLabelValues("subscribe")))

	// 其他客户端不受影响
	_, err = f.svc.Subscribe(ctx, SubscribeInput{Email: "b@example.com", ClientID: "8.8.8.8"})
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "9.9.9.9"})
	assert.NoError(t, err)
}

func TestSubscribe_RateLimitCheckedBeforeValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "bad", ClientID: "ip"})
		require.ErrorIs(t, err, domain.ErrInvalidEmail)
	}
	_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubscribe_ResubscribeSupersedesToken(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	first, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "A@example.com", ClientID: "ip"})
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.NotEqual(t, first.Subscriber.Token, second.Subscriber.Token)
	assert.Equal(t, first.Subscriber.FirstSubscribedAt, second.Subscriber.FirstSubscribedAt)
	assert.Equal(t, f.clock.Now(), second.Subscriber.LastAttemptAt)
	// 重新订阅不再通知运营者
	assert.Equal(t, []mail.Kind{mail.KindVerification, mail.KindOwnerNew, mail.KindVerification}, f.mailer.kinds())

	_, err = f.svc.Verify(ctx, first.Subscriber.Token)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)

	res, err := f.svc.Verify(ctx, second.Subscriber.Token)
	require.NoError(t, err)
	assert.True(t, res.Subscriber.Verified)
}

func TestSubscribe_ResubscribeVerifiedPolicy(t *testing.T) {
	t.Run("默认保留验证状态", func(t *testing.T) {
		f := newFixture(t, testConfig())
		ctx := context.Background()

		res, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, res.Subscriber.Token)
		require.NoError(t, err)

		again, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		assert.True(t, again.Subscriber.Verified)

		v, err := f.svc.Verify(ctx, again.Subscriber.Token)
		require.NoError(t, err)
		assert.True(t, v.AlreadyVerified)
	})

	t.Run("配置为重置", func(t *testing.T) {
		cfg := testConfig()
		cfg.Subscription.ResetVerifiedOnResubscribe = true
		f := newFixture(t, cfg)
		ctx := context.Background()

		res, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, res.Subscriber.Token)
		require.NoError(t, err)

		again, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		assert.False(t, again.Subscriber.Verified)
		assert.Nil(t, again.Subscriber.VerifiedAt)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少令牌", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.svc.Verify(ctx, "  ")
		assert.ErrorIs(t, err, domain.ErrMissingToken)
	})

	t.Run("从未签发的令牌", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.svc.Verify(ctx, "never-issued")
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.VerificationsTotal.WithLabelValues("not_found")))
	})

	t.Run("重复验证幂等且只通知一次", func(t *testing.T) {
		f := newFixture(t, testConfig())
		res, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		tok := tokenFromURL(t, res.VerificationURL)

		f.clock.Advance(time.Hour)
		first, err := f.svc.Verify(ctx, tok)
		require.NoError(t, err)
		assert.False(t, first.AlreadyVerified)
		require.NotNil(t, first.Subscriber.VerifiedAt)
		verifiedAt := *first.Subscriber.VerifiedAt

		f.clock.Advance(time.Hour)
		second, err := f.svc.Verify(ctx, tok)
		require.NoError(t, err)
		assert.True(t, second.AlreadyVerified)
		assert.Equal(t, "a@example.com", second.Subscriber.Email)
		assert.Equal(t, verifiedAt, *second.Subscriber.VerifiedAt)

		assert.Equal(t, []mail.Kind{mail.KindVerification, mail.KindOwnerNew, mail.KindOwnerVerified}, f.mailer.kinds())
	})
}

func TestVerify_ExpiredThenResubscribe(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	res, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "late@example.com", ClientID: "ip"})
	require.NoError(t, err)

	f.clock.Advance(24*time.Hour + time.Second)
	_, err = f.svc.Verify(ctx, res.Subscriber.Token)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	// 记录保留，仍为未验证
	kept, err := f.store.GetByEmail(ctx, "late@example.com")
	require.NoError(t, err)
	assert.False(t, kept.Verified)

	again, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "late@example.com", ClientID: "ip"})
	require.NoError(t, err)
	assert.NotEqual(t, res.Subscriber.Token, again.Subscriber.Token)

	v, err := f.svc.Verify(ctx, again.Subscriber.Token)
	require.NoError(t, err)
	assert.True(t, v.Subscriber.Verified)
}

func TestAdminSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("密钥错误", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.svc.AdminSummary(ctx, "wrong")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = f.svc.AdminSummary(ctx, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("未配置密钥时一律拒绝", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.Token = ""
		f := newFixture(t, cfg)
		_, err := f.svc.AdminSummary(ctx, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("计数正确", func(t *testing.T) {
		f := newFixture(t, testConfig())
		for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
			_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: email, ClientID: email})
			require.NoError(t, err)
		}
		sub, err := f.store.GetByEmail(ctx, "b@example.com")
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, sub.Token)
		require.NoError(t, err)

		summary, err := f.svc.AdminSummary(ctx, "s3cret")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStats{Total: 3, Verified: 1, Unverified: 2}, summary.SubscriptionStats)
		assert.Len(t, summary.Subscriptions, 3)
	})

	t.Run("不暴露明细", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.ExposeRecords = false
		f := newFixture(t, cfg)
		_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)

		summary, err := f.svc.AdminSummary(ctx, "s3cret")
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Total)
		assert.Nil(t, summary.Subscriptions)
	})

	t.Run("空库时明细为空数组", func(t *testing.T) {
		f := newFixture(t, testConfig())

		summary, err := f.svc.AdminSummary(ctx, "s3cret")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStats{}, summary.SubscriptionStats)
		require.NotNil(t, summary.Subscriptions)
		assert.Empty(t, summary.Subscriptions)

		raw, err := json.Marshal(summary)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"subscriptions":[]`)
	})
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少邮箱", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.svc.Notify(ctx, NotifyInput{Email: " ", ClientID: "ip"})
		assert.ErrorIs(t, err, domain.ErrMissingEmail)
	})

	t.Run("留言过长", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.svc.Notify(ctx, NotifyInput{Email: "a@example.com", Message: strings.Repeat("x", domain.MaxNotifyMessageLength+1), ClientID: "ip"})
		assert.ErrorIs(t, err, domain.ErrMessageTooLong)
	})

	t.Run("测试模式只记录日志", func(t *testing.T) {
		f := newFixture(t, testConfig())
		res, err := f.svc.Notify(ctx, NotifyInput{Email: "a@example.com", Message: "hi", ClientID: "ip"})
		require.NoError(t, err)
		assert.False(t, res.Mailed)

		msg := f.mailer.last()
		require.NotNil(t, msg)
		assert.Equal(t, mail.KindOwnerNotify, msg.Kind)
		assert.Equal(t, []string{"owner@acme.test"}, msg.To)
		assert.Equal(t, "New interest: a@example.com", msg.Subject)
	})

	t.Run("运营者地址回退到发件人", func(t *testing.T) {
		cfg := testConfig()
		cfg.Mail.NotifyEmail = ""
		cfg.Mail.Provider = config.MailProviderSES
		f := newFixture(t, cfg)

		res, err := f.svc.Notify(ctx, NotifyInput{Email: "a@example.com", ClientID: "ip"})
		require.NoError(t, err)
		assert.True(t, res.Mailed)
		assert.Equal(t, []string{"noreply@acme.test"}, f.mailer.last().To)
	})

	t.Run("与订阅共用限流", func(t *testing.T) {
		f := newFixture(t, testConfig())
		for i := 0; i < 5; i++ {
			_, err := f.svc.Notify(ctx, NotifyInput{Email: "a@example.com", ClientID: "ip"})
			require.NoError(t, err)
		}
		_, err := f.svc.Subscribe(ctx, SubscribeInput{Email: "a@example.com", ClientID: "ip"})
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})
}

// failingLimiter 模拟限流后端不可用
type failingLimiter struct{}

func (failingLimiter) Admit(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSubscribe_LimiterFailureAdmits(t *testing.T) {
	cfg := testConfig()
	store := memory.NewStore()
	renderer, err := mail.NewRenderer(cfg.Mail.From, cfg.Mail.SiteName)
	require.NoError(t, err)

	svc := NewSubscriptionService(store, failingLimiter{}, token.NewLifecycle(store, 0), renderer, &recordingMailer{}, cfg, nil)

	_, err = svc.Subscribe(context.Background(), SubscribeInput{Email: "a@example.com", ClientID: "ip"})
	assert.NoError(t, err)
}

// conflictOnceStore 第一次写入返回令牌冲突
type conflictOnceStore struct {
	storage.SubscriptionStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictOnceStore) UpsertByEmail(ctx context.Context, in domain.UpsertInput) (*domain.Subscriber, bool, error) {
	s.mu.Lock()
	if s.conflicts == 0 {
		s.conflicts++
		s.mu.Unlock()
		return nil, false, storage.ErrTokenConflict
	}
	s.mu.Unlock()
	return s.SubscriptionStore.UpsertByEmail(ctx, in)
}

func TestSubscribe_RetriesTokenConflict(t *testing.T) {
	cfg := testConfig()
	store := &conflictOnceStore{SubscriptionStore: memory.NewStore()}
	renderer, err := mail.NewRenderer(cfg.Mail.From, cfg.Mail.SiteName)
	require.NoError(t, err)
	limiter := ratelimit.NewSlidingWindow(5, time.Hour, nil)

	svc := NewSubscriptionService(store, limiter, token.NewLifecycle(store, 0), renderer, &recordingMailer{}, cfg, zap.NewNop())

	res, err := svc.Subscribe(context.Background(), SubscribeInput{Email: "a@example.com", ClientID: "ip"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, store.conflicts)
}
