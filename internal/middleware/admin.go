package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminToken 从请求中提取管理密钥
//
// 优先读取 ?token= 查询参数，其次是 Authorization: Bearer。
// 这里只负责提取，比对在服务层以常量时间完成。
func AdminToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
