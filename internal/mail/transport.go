package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"waitlist/backend/internal/config"
)

// Transport 邮件发送通道
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

// LogTransport 未配置真实通道时使用：只把邮件写进日志
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport 创建日志通道
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	t.logger.Info("Mail transport not configured, message logged",
		zap.String("kind", string(msg.Kind)),
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
	)
	return nil
}

// NewTransport 按配置选择发送通道，未配置时退回日志通道
func NewTransport(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Provider {
	case config.MailProviderSMTP:
		return NewSMTPTransport(cfg.SMTP), nil
	case config.MailProviderSES:
		t, err := NewSESTransport(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.MailProviderNone:
		return NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unsupported mail provider %q", cfg.Provider)
	}
}
