package httptransport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"waitlist/backend/internal/domain"
	"waitlist/backend/internal/middleware"
	"waitlist/backend/internal/service"
)

// SubscriptionHandler 订阅相关接口
type SubscriptionHandler struct {
	svc      *service.SubscriptionService
	siteName string
	logger   *zap.Logger
}

// NewSubscriptionHandler 创建订阅处理器
func NewSubscriptionHandler(svc *service.SubscriptionService, siteName string, logger *zap.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionHandler{svc: svc, siteName: siteName, logger: logger}
}

type subscribeRequest struct {
	Email string `json:"email" form:"email"`
}

// Subscribe 订阅或重新订阅
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Debug("Failed to bind subscribe request", zap.Error(err))
	}

	res, err := h.svc.Subscribe(c.Request.Context(), service.SubscribeInput{
		Email:    req.Email,
		ClientID: c.ClientIP(),
		BaseURL:  requestBaseURL(c),
	})
	if err != nil {
		switch StatusFor(err) {
		case http.StatusTooManyRequests:
			TooManyRequests(c)
		case http.StatusBadRequest:
			BadRequest(c, MsgInvalidEmail)
		default:
			h.logger.Error("Subscribe failed", zap.Error(err))
			InternalError(c, err, MsgUnexpected)
		}
		return
	}

	if res.VerificationURL != "" {
		h.logger.Warn("Mail transport not configured, returning verification URL", zap.String("email", res.Subscriber.Email))
		c.JSON(http.StatusOK, OKResponse{OK: true, Message: MsgVerificationTest, VerificationURL: res.VerificationURL})
		return
	}
	Success(c, MsgVerificationSent)
}

// Verify 处理验证链接，返回 HTML 页面
func (h *SubscriptionHandler) Verify(c *gin.Context) {
	res, err := h.svc.Verify(c.Request.Context(), c.Query("token"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingToken):
			renderView(c, http.StatusBadRequest, h.view(viewMissingToken))
		case errors.Is(err, domain.ErrTokenNotFound):
			h.logger.Warn("Invalid verification token")
			renderView(c, http.StatusNotFound, h.view(viewNotFound))
		case errors.Is(err, domain.ErrTokenExpired):
			renderView(c, http.StatusGone, h.view(viewExpired))
		default:
			h.logger.Error("Verify failed", zap.Error(err))
			_ = c.Error(err)
			renderView(c, http.StatusInternalServerError, h.view(viewError))
		}
		return
	}

	renderView(c, http.StatusOK, verifiedView(res.Subscriber.Email, h.siteName, res.AlreadyVerified))
}

func (h *SubscriptionHandler) view(v verifyView) verifyView {
	v.SiteName = h.siteName
	return v
}

// AdminSubscriptions 管理端汇总
func (h *SubscriptionHandler) AdminSubscriptions(c *gin.Context) {
	summary, err := h.svc.AdminSummary(c.Request.Context(), middleware.AdminToken(c))
	if errors.Is(err, domain.ErrUnauthorized) {
		h.logger.Warn("Unauthorized admin access attempt", zap.String("ip", c.ClientIP()))
		Unauthorized(c)
		return
	}
	if err != nil {
		h.logger.Error("Admin stats failed", zap.Error(err))
		InternalError(c, err, MsgStatsFailed)
		return
	}

	c.JSON(http.StatusOK, summary)
}

type notifyRequest struct {
	Email   string `json:"email" form:"email"`
	Message string `json:"message" form:"message"`
}

// Notify 访客留言转发给运营者
func (h *SubscriptionHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Debug("Failed to bind notify request", zap.Error(err))
	}

	res, err := h.svc.Notify(c.Request.Context(), service.NotifyInput{
		Email:    req.Email,
		Message:  req.Message,
		ClientID: c.ClientIP(),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			TooManyRequests(c)
		case errors.Is(err, domain.ErrMissingEmail):
			BadRequest(c, MsgMissingEmail)
		case errors.Is(err, domain.ErrMessageTooLong):
			BadRequest(c, MsgMessageTooLong)
		default:
			h.logger.Error("Notify failed", zap.Error(err))
			InternalError(c, err, MsgUnexpected)
		}
		return
	}

	if res.Mailed {
		Success(c, MsgOwnerNotified)
		return
	}
	Success(c, MsgOwnerNotifyLogged)
}

// requestBaseURL 从请求推导站点地址，兼容反向代理头
func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := c.Request.Host
	if fwd := c.GetHeader("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}
