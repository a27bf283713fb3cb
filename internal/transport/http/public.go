package httptransport

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// PublicHandler 健康状态、静态资源与 404
type PublicHandler struct {
	mailConfigured bool
	staticDir      string
	now            func() time.Time
}

// NewPublicHandler 创建公开接口处理器
func NewPublicHandler(mailConfigured bool, staticDir string) *PublicHandler {
	return &PublicHandler{
		mailConfigured: mailConfigured,
		staticDir:      staticDir,
		now:            time.Now,
	}
}

// Health 简单健康状态，兼容旧版 /api/health
func (h *PublicHandler) Health(c *gin.Context) {
	mode := "test"
	if h.mailConfigured {
		mode = "live"
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"timestamp":      h.now().UTC().Format(time.RFC3339),
		"smtpConfigured": h.mailConfigured,
		"mode":           mode,
	})
}

// NotFound 未匹配的路由：配置了静态目录时尝试返回文件，否则 JSON 404
func (h *PublicHandler) NotFound(c *gin.Context) {
	if file, ok := h.staticFile(c.Request); ok {
		c.File(file)
		return
	}
	NotFound(c, MsgEndpointNotFound)
}

// staticFile 把请求路径映射到静态目录内的文件，目录请求回退到 index.html
func (h *PublicHandler) staticFile(r *http.Request) (string, bool) {
	if h.staticDir == "" {
		return "", false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return "", false
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return "", false
	}

	// path.Clean 以 / 开头时会消除所有 ..
	clean := path.Clean("/" + r.URL.Path)
	file := filepath.Join(h.staticDir, filepath.FromSlash(clean))

	info, err := os.Stat(file)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		file = filepath.Join(file, "index.html")
		if info, err = os.Stat(file); err != nil || info.IsDir() {
			return "", false
		}
	}
	return file, true
}
