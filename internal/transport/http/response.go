package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OKResponse 成功响应
type OKResponse struct {
	OK              bool   `json:"ok"`
	Message         string `json:"message"`
	VerificationURL string `json:"verificationUrl,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// Success 成功响应（200）
func Success(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, OKResponse{OK: true, Message: msg})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Unauthorized 未认证错误（401）
func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, MsgUnauthorized)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// TooManyRequests 限流（429）
func TooManyRequests(c *gin.Context) {
	Error(c, http.StatusTooManyRequests, MsgTooManyRequests)
}

// InternalError 服务器内部错误（500），原因写入 c.Errors 供日志中间件记录
func InternalError(c *gin.Context, err error, msg string) {
	if err != nil {
		_ = c.Error(err)
	}
	Error(c, http.StatusInternalServerError, msg)
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, ErrorResponse{Error: msg})
}
