package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/mail"
	"waitlist/backend/internal/monitoring"
	"waitlist/backend/internal/ratelimit"
	"waitlist/backend/internal/storage"
	"waitlist/backend/internal/token"
)

// 令牌与其他记录冲突时的最大重试次数
const maxUpsertAttempts = 3

// VerifyPath 验证链接路径
const VerifyPath = "/api/verify"

// Mailer 异步投递邮件，返回是否入队
type Mailer interface {
	Dispatch(msg *mail.Message) bool
}

// SubscriptionService 封装订阅、验证、管理汇总与留言通知。
type SubscriptionService struct {
	store    storage.SubscriptionStore
	limiter  ratelimit.Limiter
	tokens   *token.Lifecycle
	renderer *mail.Renderer
	mailer   Mailer
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	publicURL     string
	ownerEmail    string
	testMode      bool
	resetVerified bool
	exposeRecords bool

	adminConfigured bool
	adminDigest     [sha256.Size]byte
}

// Option SubscriptionService 可选项
type Option func(*SubscriptionService)

// WithClock 注入时钟，测试中用于模拟时间流逝
func WithClock(clock func() time.Time) Option {
	return func(s *SubscriptionService) { s.clock = clock }
}

// WithMetrics 记录业务指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *SubscriptionService) { s.metrics = m }
}

// NewSubscriptionService 创建订阅业务服务。
func NewSubscriptionService(
	store storage.SubscriptionStore,
	limiter ratelimit.Limiter,
	tokens *token.Lifecycle,
	renderer *mail.Renderer,
	mailer Mailer,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *SubscriptionService {
	if logger == nil {
		logger = zap.NewNop()
	}

	owner := cfg.Mail.NotifyEmail
	if owner == "" {
		owner = cfg.Mail.From
	}

	s := &SubscriptionService{
		store:         store,
		limiter:       limiter,
		tokens:        tokens,
		renderer:      renderer,
		mailer:        mailer,
		logger:        logger,
		clock:         time.Now,
		publicURL:     strings.TrimRight(cfg.Server.PublicURL, "/"),
		ownerEmail:    owner,
		testMode:      !cfg.MailConfigured(),
		resetVerified: cfg.Subscription.ResetVerifiedOnResubscribe,
		exposeRecords: cfg.Admin.ExposeRecords,
	}
	if cfg.Admin.Token != "" {
		s.adminConfigured = true
		s.adminDigest = sha256.Sum256([]byte(cfg.Admin.Token))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TestMode 未配置邮件通道时为 true，订阅结果中会带上验证链接
func (s *SubscriptionService) TestMode() bool {
	return s.testMode
}

// SubscribeInput 订阅请求
type SubscribeInput struct {
	Email    string
	ClientID string
	// BaseURL 未配置 server.public_url 时，用请求推导出的站点地址拼接验证链接
	BaseURL string
}

// SubscribeResult 订阅结果
type SubscribeResult struct {
	Subscriber *domain.Subscriber
	Created    bool
	// VerificationURL 仅在测试模式下返回
	VerificationURL string
}

// Subscribe 订阅或重新订阅
func (s *SubscriptionService) Subscribe(ctx context.Context, input SubscribeInput) (*SubscribeResult, error) {
	if !s.admit(ctx, "subscribe", input.ClientID) {
		s.record("subscribe", "rate_limited")
		return nil, domain.ErrRateLimited
	}

	email := domain.NormalizeEmail(input.Email)
	if err := domain.NewEmailValidator().ValidateEmail(email); err != nil {
		s.record("subscribe", "invalid")
		return nil, err
	}

	now := s.clock()
	sub, created, err := s.upsert(ctx, email, now)
	if err != nil {
		s.record("subscribe", "error")
		return nil, err
	}

	verifyURL := s.verificationURL(input.BaseURL, sub.Token)
	s.sendVerification(sub.Email, verifyURL)
	if created {
		s.notifyOwner(func(owner string) (*mail.Message, error) {
			return s.renderer.OwnerNew(owner, sub.Email, now)
		})
	}

	if created {
		s.record("subscribe", "created")
	} else {
		s.record("subscribe", "refreshed")
	}
	s.logger.Info("Subscription recorded",
		zap.String("email", sub.Email),
		zap.Bool("created", created),
		zap.Bool("verified", sub.Verified),
	)

	result := &SubscribeResult{Subscriber: sub, Created: created}
	if s.testMode {
		result.VerificationURL = verifyURL
	}
	return result, nil
}

// upsert 签发新令牌并写入，令牌撞车时重新签发
func (s *SubscriptionService) upsert(ctx context.Context, email string, now time.Time) (*domain.Subscriber, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		tok, expiry, err := s.tokens.Issue(ctx, now)
		if err != nil {
			return nil, false, fmt.Errorf("issue token: %w", err)
		}

		sub, created, err := s.store.UpsertByEmail(ctx, domain.UpsertInput{
			Email:         email,
			Token:         tok,
			TokenExpiry:   expiry,
			Now:           now,
			ResetVerified: s.resetVerified,
		})
		if errors.Is(err, storage.ErrTokenConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("upsert subscription: %w", err)
		}
		return sub, created, nil
	}
	return nil, false, fmt.Errorf("upsert subscription: %w", lastErr)
}

// VerifyResult 验证结果
type VerifyResult struct {
	Subscriber      *domain.Subscriber
	AlreadyVerified bool
}

// Verify 按令牌确认邮箱，重复验证同样成功但不再触发通知
func (s *SubscriptionService) Verify(ctx context.Context, tok string) (*VerifyResult, error) {
	now := s.clock()

	sub, err := s.tokens.Validate(ctx, strings.TrimSpace(tok), now)
	if err != nil {
		s.recordVerifyError(err)
		if errors.Is(err, domain.ErrTokenExpired) && sub != nil {
			s.logger.Info("Verification link expired",
				zap.String("email", sub.Email),
				zap.Time("token_expiry", sub.TokenExpiry),
			)
		}
		return nil, err
	}

	if sub.Verified {
		s.record("verify", "already_verified")
		return &VerifyResult{Subscriber: sub, AlreadyVerified: true}, nil
	}

	updated, changed, err := s.store.MarkVerified(ctx, sub.Email, sub.Token, now)
	if errors.Is(err, storage.ErrNotFound) {
		// 查询与更新之间令牌被重新订阅替换
		s.record("verify", "not_found")
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		s.record("verify", "error")
		return nil, fmt.Errorf("mark verified: %w", err)
	}

	if !changed {
		s.record("verify", "already_verified")
		return &VerifyResult{Subscriber: updated, AlreadyVerified: true}, nil
	}

	s.record("verify", "verified")
	s.logger.Info("Subscription verified", zap.String("email", updated.Email))
	s.notifyOwner(func(owner string) (*mail.Message, error) {
		return s.renderer.OwnerVerified(owner, updated.Email, now)
	})
	return &VerifyResult{Subscriber: updated}, nil
}

func (s *SubscriptionService) recordVerifyError(err error) {
	switch {
	case errors.Is(err, domain.ErrMissingToken):
		s.record("verify", "missing")
	case errors.Is(err, domain.ErrTokenNotFound):
		s.record("verify", "not_found")
	case errors.Is(err, domain.ErrTokenExpired):
		s.record("verify", "expired")
	default:
		s.record("verify", "error")
	}
}

// Summary 管理端汇总
//
// 暴露明细时 Subscriptions 至少为空数组；不暴露时为 nil，序列化为 null。
type Summary struct {
	domain.SubscriptionStats
	Subscriptions []domain.Subscriber `json:"subscriptions"`
}

// AdminSummary 校验管理密钥后返回汇总；未配置密钥时一律拒绝
func (s *SubscriptionService) AdminSummary(ctx context.Context, presented string) (*Summary, error) {
	if !s.authorized(presented) {
		s.record("admin", "unauthorized")
		return nil, domain.ErrUnauthorized
	}

	summary := &Summary{}
	if s.exposeRecords {
		subs, err := s.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		if subs == nil {
			subs = []domain.Subscriber{}
		}
		summary.SubscriptionStats = domain.Summarize(subs)
		summary.Subscriptions = subs
	} else {
		stats, err := s.store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription stats: %w", err)
		}
		summary.SubscriptionStats = stats
	}

	s.record("admin", "ok")
	return summary, nil
}

func (s *SubscriptionService) authorized(presented string) bool {
	if !s.adminConfigured || presented == "" {
		return false
	}
	digest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(digest[:], s.adminDigest[:]) == 1
}

// NotifyInput 访客留言
type NotifyInput struct {
	Email    string
	Message  string
	ClientID string
}

// NotifyResult 留言结果；Mailed 为 false 表示只写入了日志
type NotifyResult struct {
	Mailed bool
}

// Notify 把访客留言转发给站点运营者，入队即视为成功
func (s *SubscriptionService) Notify(ctx context.Context, input NotifyInput) (*NotifyResult, error) {
	if !s.admit(ctx, "notify", input.ClientID) {
		s.record("notify", "rate_limited")
		return nil, domain.ErrRateLimited
	}

	email := domain.NormalizeEmail(input.Email)
	if email == "" {
		s.record("notify", "invalid")
		return nil, domain.ErrMissingEmail
	}
	message := strings.TrimSpace(input.Message)
	if err := domain.ValidateNotifyMessage(message); err != nil {
		s.record("notify", "invalid")
		return nil, err
	}

	s.notifyOwner(func(owner string) (*mail.Message, error) {
		return s.renderer.OwnerNotify(owner, email, message)
	})
	s.record("notify", "accepted")
	s.logger.Info("Owner notification queued", zap.String("email", email))

	return &NotifyResult{Mailed: !s.testMode}, nil
}

// admit 限流检查；限流后端故障时放行并告警
func (s *SubscriptionService) admit(ctx context.Context, endpoint, clientID string) bool {
	ok, err := s.limiter.Admit(ctx, clientID)
	if err != nil {
		s.logger.Warn("Rate limiter unavailable, admitting request",
			zap.String("endpoint", endpoint),
			zap.String("client", clientID),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		s.logger.Warn("Rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.String("client", clientID),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimitBlock(endpoint)
		}
	}
	return ok
}

// verificationURL 拼接验证链接，优先使用配置的公开地址
func (s *SubscriptionService) verificationURL(baseURL, tok string) string {
	base := s.publicURL
	if base == "" {
		base = strings.TrimRight(baseURL, "/")
	}
	return base + VerifyPath + "?token=" + url.QueryEscape(tok)
}

func (s *SubscriptionService) sendVerification(email, verifyURL string) {
	msg, err := s.renderer.Verification(email, verifyURL, s.tokens.TTL())
	if err != nil {
		s.logger.Error("Failed to render verification email", zap.String("email", email), zap.Error(err))
		return
	}
	s.mailer.Dispatch(msg)
}

func (s *SubscriptionService) notifyOwner(build func(owner string) (*mail.Message, error)) {
	if s.ownerEmail == "" {
		return
	}
	msg, err := build(s.ownerEmail)
	if err != nil {
		s.logger.Error("Failed to render owner notification", zap.Error(err))
		return
	}
	s.mailer.Dispatch(msg)
}

func (s *SubscriptionService) record(operation, result string) {
	if s.metrics == nil {
		return
	}
	switch operation {
	case "subscribe":
		s.metrics.RecordSubscription(result)
	case "verify":
		s.metrics.RecordVerification(result)
	case "notify":
		s.metrics.RecordNotification(result)
	case "admin":
		s.metrics.RecordAdminRequest(result)
	}
}
