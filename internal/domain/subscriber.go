package domain

import (
	"errors"
	"time"
)

// 订阅业务错误定义
var (
	ErrMissingToken  = errors.New("missing verification token")
	ErrMissingEmail  = errors.New("missing email")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrTokenNotFound = errors.New("verification token not found")
	ErrTokenExpired  = errors.New("verification token expired")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Subscriber 表示意向名单中的一条订阅记录，每个规范化邮箱只有一条。
type Subscriber struct {
	Email             string     `json:"email" gorm:"primaryKey;type:varchar(254)"`
	Token             string     `json:"token" gorm:"type:varchar(64);uniqueIndex;not null"`
	TokenExpiry       time.Time  `json:"tokenExpiry" gorm:"not null"`
	Verified          bool       `json:"verified" gorm:"not null;index"`
	FirstSubscribedAt time.Time  `json:"firstSubscribedAt" gorm:"not null"`
	LastAttemptAt     time.Time  `json:"lastAttemptAt" gorm:"not null"`
	VerifiedAt        *time.Time `json:"verifiedAt,omitempty"`
}

// TableName 固定表名，迁移脚本与 GORM 共用。
func (Subscriber) TableName() string {
	return "subscriptions"
}

// TokenExpired 判断当前令牌在 now 时刻是否已过期。
func (s *Subscriber) TokenExpired(now time.Time) bool {
	return now.After(s.TokenExpiry)
}

// Clone 返回记录的深拷贝，存储层用它避免外部修改内部状态。
func (s *Subscriber) Clone() *Subscriber {
	if s == nil {
		return nil
	}
	out := *s
	if s.VerifiedAt != nil {
		at := *s.VerifiedAt
		out.VerifiedAt = &at
	}
	return &out
}

// UpsertInput 描述一次按邮箱的插入或刷新。
//
// 已存在的记录只刷新 Token / TokenExpiry / LastAttemptAt，
// FirstSubscribedAt 永远保留；Verified 仅在 ResetVerified 为 true 时清零。
type UpsertInput struct {
	Email         string
	Token         string
	TokenExpiry   time.Time
	Now           time.Time
	ResetVerified bool
}

// NewSubscriber 按 UpsertInput 构造一条全新的记录。
func NewSubscriber(in UpsertInput) *Subscriber {
	return &Subscriber{
		Email:             in.Email,
		Token:             in.Token,
		TokenExpiry:       in.TokenExpiry,
		Verified:          false,
		FirstSubscribedAt: in.Now,
		LastAttemptAt:     in.Now,
	}
}

// Refresh 把 UpsertInput 应用到已有记录上。
func (s *Subscriber) Refresh(in UpsertInput) {
	s.Token = in.Token
	s.TokenExpiry = in.TokenExpiry
	s.LastAttemptAt = in.Now
	if in.ResetVerified {
		s.Verified = false
		s.VerifiedAt = nil
	}
}

// MarkVerified 标记为已验证；重复调用保留首次验证时间。
func (s *Subscriber) MarkVerified(at time.Time) {
	if s.Verified && s.VerifiedAt != nil {
		return
	}
	s.Verified = true
	s.VerifiedAt = &at
}

// SubscriptionStats 管理端汇总数据
type SubscriptionStats struct {
	Total      int `json:"total"`
	Verified   int `json:"verified"`
	Unverified int `json:"unverified"`
}

// Summarize 从记录列表计算汇总数据。
func Summarize(subs []Subscriber) SubscriptionStats {
	stats := SubscriptionStats{Total: len(subs)}
	for i := range subs {
		if subs[i].Verified {
			stats.Verified++
		}
	}
	stats.Unverified = stats.Total - stats.Verified
	return stats
}
