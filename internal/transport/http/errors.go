package httptransport

import (
	"errors"
	"net/http"

	"waitlist/backend/internal/domain"
)

// 面向用户的提示文案
const (
	MsgTooManyRequests    = "Too many requests. Try again later."
	MsgInvalidEmail       = "Please enter a valid email address."
	MsgUnexpected         = "An unexpected error occurred. Please try again."
	MsgVerificationSent   = "Verification email sent! Check your inbox."
	MsgVerificationTest   = "SMTP not configured. Use the verification URL below to simulate email verification."
	MsgUnauthorized       = "Unauthorized"
	MsgStatsFailed        = "Failed to retrieve stats"
	MsgMissingEmail       = "Missing email"
	MsgMessageTooLong     = "Message is too long."
	MsgOwnerNotified      = "Owner notified"
	MsgOwnerNotifyLogged  = "Owner notification logged (no SMTP)"
	MsgEndpointNotFound   = "Endpoint not found"
	MsgRequestBodyInvalid = "Invalid request body."
)

// 业务错误到 HTTP 状态码的映射，按顺序匹配
var errorStatuses = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidEmail, http.StatusBadRequest},
	{domain.ErrEmailTooLong, http.StatusBadRequest},
	{domain.ErrMissingEmail, http.StatusBadRequest},
	{domain.ErrMessageTooLong, http.StatusBadRequest},
	{domain.ErrMissingToken, http.StatusBadRequest},
	{domain.ErrUnauthorized, http.StatusUnauthorized},
	{domain.ErrTokenNotFound, http.StatusNotFound},
	{domain.ErrTokenExpired, http.StatusGone},
	{domain.ErrRateLimited, http.StatusTooManyRequests},
}

// StatusFor 返回错误对应的状态码，未知错误一律 500
func StatusFor(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}
