package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"waitlist/backend/internal/config"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// SMTPTransport 通过外部 SMTP 服务器投递
//
// Secure=true 时直接建立 TLS 连接（465 端口），否则在服务器支持时升级 STARTTLS。
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	secure   bool

	dialTimeout    time.Duration
	commandTimeout time.Duration
	tlsConfig      *tls.Config
	now            func() time.Time
}

// SMTPOption SMTP 通道选项
type SMTPOption func(*SMTPTransport)

// WithTLSConfig 覆盖 TLS 配置（测试中用于信任自签证书）
func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) { t.tlsConfig = cfg }
}

// WithTimeouts 设置拨号与命令超时
func WithTimeouts(dial, command time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if dial > 0 {
			t.dialTimeout = dial
		}
		if command > 0 {
			t.commandTimeout = command
		}
	}
}

// NewSMTPTransport 创建 SMTP 通道
func NewSMTPTransport(cfg config.SMTPConfig, opts ...SMTPOption) *SMTPTransport {
	t := &SMTPTransport{
		host:           cfg.Host,
		port:           cfg.Port,
		username:       cfg.Username,
		password:       cfg.Password,
		secure:         cfg.Secure,
		dialTimeout:    defaultDialTimeout,
		commandTimeout: defaultCommandTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tlsConfig == nil {
		t.tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return t
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// Send 建立一次连接发送一封邮件
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	raw, err := msg.Bytes(t.now())
	if err != nil {
		return err
	}

	c, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if t.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	to := make([]string, 0, len(msg.To))
	for _, rcpt := range msg.To {
		to = append(to, envelopeAddress(rcpt))
	}
	if err := c.SendMail(envelopeAddress(msg.From), to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}

// connect 建立会话：Secure 时走隐式 TLS；否则先用明文连接检查 EHLO 扩展，
// 服务器声明 STARTTLS 时重新连接并在认证前完成升级
func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	if t.secure {
		return t.client(smtp.NewClient(tls.Client(conn, t.tlsConfig))), nil
	}

	c := t.client(smtp.NewClient(conn))
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return c, nil
	}
	_ = c.Close()

	if conn, err = t.dial(ctx); err != nil {
		return nil, err
	}
	c, err = smtp.NewClientStartTLS(conn, t.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("smtp starttls: %w", err)
	}
	return t.client(c), nil
}

func (t *SMTPTransport) client(c *smtp.Client) *smtp.Client {
	c.CommandTimeout = t.commandTimeout
	c.SubmissionTimeout = t.commandTimeout
	return c
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", t.addr(), err)
	}
	// 上下文截止时间同时约束整个会话
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}
