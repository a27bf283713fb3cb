package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/storage"
)

// Store 使用内存保存订阅记录，主要用于开发验证和测试。
type Store struct {
	mu      sync.RWMutex
	byEmail map[string]*domain.Subscriber
	byToken map[string]string // token -> email
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		byEmail: make(map[string]*domain.Subscriber),
		byToken: make(map[string]string),
	}
}

// Load 用已有记录初始化存储，文件存储启动时调用。
func (s *Store) Load(subs []domain.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byEmail = make(map[string]*domain.Subscriber, len(subs))
	s.byToken = make(map[string]string, len(subs))
	for i := range subs {
		sub := subs[i].Clone()
		s.byEmail[sub.Email] = sub
		s.byToken[sub.Token] = sub.Email
	}
}

// UpsertByEmail 按邮箱插入或刷新记录
func (s *Store) UpsertByEmail(_ context.Context, in domain.UpsertInput) (*domain.Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byToken[in.Token]; ok && owner != in.Email {
		return nil, false, storage.ErrTokenConflict
	}

	existing, ok := s.byEmail[in.Email]
	if !ok {
		sub := domain.NewSubscriber(in)
		s.byEmail[sub.Email] = sub
		s.byToken[sub.Token] = sub.Email
		return sub.Clone(), true, nil
	}

	delete(s.byToken, existing.Token)
	existing.Refresh(in)
	s.byToken[existing.Token] = existing.Email
	return existing.Clone(), false, nil
}

// GetByEmail 按邮箱查询
func (s *Store) GetByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byEmail[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sub.Clone(), nil
}

// GetByToken 按令牌查询
func (s *Store) GetByToken(_ context.Context, token string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.byToken[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.byEmail[email].Clone(), nil
}

// MarkVerified 条件更新验证状态
func (s *Store) MarkVerified(_ context.Context, email, token string, at time.Time) (*domain.Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.byEmail[email]
	if !ok || sub.Token != token {
		return nil, false, storage.ErrNotFound
	}

	changed := !sub.Verified
	sub.MarkVerified(at)
	return sub.Clone(), changed, nil
}

// List 按首次订阅时间升序返回全部记录
func (s *Store) List(_ context.Context) ([]domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Subscriber, 0, len(s.byEmail))
	for _, sub := range s.byEmail {
		out = append(out, *sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSubscribedAt.Equal(out[j].FirstSubscribedAt) {
			return out[i].Email < out[j].Email
		}
		return out[i].FirstSubscribedAt.Before(out[j].FirstSubscribedAt)
	})
	return out, nil
}

// Stats 汇总计数
func (s *Store) Stats(_ context.Context) (domain.SubscriptionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.SubscriptionStats{Total: len(s.byEmail)}
	for _, sub := range s.byEmail {
		if sub.Verified {
			stats.Verified++
		}
	}
	stats.Unverified = stats.Total - stats.Verified
	return stats, nil
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error { return nil }

// Close 无需释放资源
func (s *Store) Close() error { return nil }

var _ storage.SubscriptionStore = (*Store)(nil)
