package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail   = errors.New("invalid email format")
	ErrEmailTooLong   = errors.New("email address too long")
	ErrMessageTooLong = errors.New("message too long")
)

// 验证常量
const (
	// RFC 5321 邮箱地址长度限制
	MaxEmailLength = 254

	// 通知留言最大长度
	MaxNotifyMessageLength = 2000
)

// 结构检查：local@domain.tld，任何部分都不能含空白或多余的 @
var emailShapeRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// EmailValidator 邮箱验证器
type EmailValidator struct {
	maxLength int
}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{maxLength: MaxEmailLength}
}

// ValidateEmail 对邮箱做基础结构检查。
//
// 只校验形状与长度，不做 DNS 或投递性检查。
func (v *EmailValidator) ValidateEmail(email string) error {
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > v.maxLength {
		return ErrEmailTooLong
	}
	if !emailShapeRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail 去除首尾空白并转为小写，作为订阅记录的唯一键。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 简化的验证函数，返回 bool
func ValidateEmail(email string) bool {
	return NewEmailValidator().ValidateEmail(email) == nil
}

// ValidateNotifyMessage 校验通知留言长度
func ValidateNotifyMessage(message string) error {
	if len(message) > MaxNotifyMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
