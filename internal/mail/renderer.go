package mail

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// 主题模板
var subjectSources = map[Kind]string{
	KindVerification:  "Verify Your Email",
	KindOwnerNew:      "New subscriber: {{ email }}",
	KindOwnerVerified: "Subscriber verified: {{ email }}",
	KindOwnerNotify:   "New interest: {{ email }}",
}

// 正文模板文件
const (
	tplLayout            = "layout.html.liquid"
	tplVerificationMD    = "verification.md.liquid"
	tplVerificationText  = "verification.txt.liquid"
	tplOwnerNewText      = "owner_new.txt.liquid"
	tplOwnerVerifiedText = "owner_verified.txt.liquid"
	tplOwnerNotifyText   = "owner_notify.txt.liquid"
)

const emptyNotifyMessage = "(no message)"

// Renderer 把业务数据渲染成邮件
//
// 模板使用 Liquid 占位符；验证邮件的 HTML 正文先按 Markdown 写，
// 再经 goldmark 转成 HTML 并套入统一布局。
type Renderer struct {
	from     string
	siteName string
	md       goldmark.Markdown
	subjects map[Kind]*liquid.Template
	bodies   map[string]*liquid.Template
}

// NewRenderer 解析全部内置模板
func NewRenderer(from, siteName string) (*Renderer, error) {
	engine := liquid.NewEngine()
	r := &Renderer{
		from:     from,
		siteName: siteName,
		md: goldmark.New(
			// 不启用 Linkify，避免正文中的邮箱地址被自动转成链接
			goldmark.WithExtensions(extension.Table, extension.Strikethrough),
			goldmark.WithRendererOptions(htmlrenderer.WithHardWraps()),
		),
		subjects: make(map[Kind]*liquid.Template, len(subjectSources)),
		bodies:   make(map[string]*liquid.Template),
	}

	for kind, src := range subjectSources {
		tpl, err := engine.ParseString(src)
		if err != nil {
			return nil, fmt.Errorf("parse subject %s: %w", kind, err)
		}
		r.subjects[kind] = tpl
	}

	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	for _, entry := range entries {
		src, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		tpl, err := engine.ParseString(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", entry.Name(), err)
		}
		r.bodies[entry.Name()] = tpl
	}
	return r, nil
}

// Verification 发给订阅者的验证邮件
func (r *Renderer) Verification(to, verifyURL string, ttl time.Duration) (*Message, error) {
	bindings := r.bindings(map[string]any{
		"email":      to,
		"verify_url": verifyURL,
		"ttl":        HumanizeTTL(ttl),
	})

	text, err := r.render(tplVerificationText, bindings)
	if err != nil {
		return nil, err
	}
	md, err := r.render(tplVerificationMD, bindings)
	if err != nil {
		return nil, err
	}
	html, err := r.html(md)
	if err != nil {
		return nil, err
	}
	return r.message(KindVerification, to, bindings, text, html)
}

// OwnerNew 新订阅提醒
func (r *Renderer) OwnerNew(owner, email string, at time.Time) (*Message, error) {
	bindings := r.bindings(map[string]any{"email": email, "at": at.UTC().Format(time.RFC3339)})
	text, err := r.render(tplOwnerNewText, bindings)
	if err != nil {
		return nil, err
	}
	return r.message(KindOwnerNew, owner, bindings, text, "")
}

// OwnerVerified 订阅者完成验证提醒
func (r *Renderer) OwnerVerified(owner, email string, at time.Time) (*Message, error) {
	bindings := r.bindings(map[string]any{"email": email, "at": at.UTC().Format(time.RFC3339)})
	text, err := r.render(tplOwnerVerifiedText, bindings)
	if err != nil {
		return nil, err
	}
	return r.message(KindOwnerVerified, owner, bindings, text, "")
}

// OwnerNotify 访客主动留言
func (r *Renderer) OwnerNotify(owner, email, message string) (*Message, error) {
	if strings.TrimSpace(message) == "" {
		message = emptyNotifyMessage
	}
	bindings := r.bindings(map[string]any{"email": email, "message": message})
	text, err := r.render(tplOwnerNotifyText, bindings)
	if err != nil {
		return nil, err
	}
	msg, err := r.message(KindOwnerNotify, owner, bindings, text, "")
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = singleLine(email)
	return msg, nil
}

func (r *Renderer) bindings(values map[string]any) map[string]any {
	values["site_name"] = r.siteName
	return values
}

func (r *Renderer) render(name string, bindings map[string]any) (string, error) {
	tpl, ok := r.bodies[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

func (r *Renderer) html(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	// content 已是可信 HTML，布局里不再转义
	return r.render(tplLayout, map[string]any{
		"site_name": r.siteName,
		"content":   buf.String(),
	})
}

func (r *Renderer) message(kind Kind, to string, bindings map[string]any, text, html string) (*Message, error) {
	subject, err := r.subjects[kind].RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject %s: %w", kind, err)
	}
	return &Message{
		Kind:    kind,
		From:    r.from,
		To:      []string{to},
		Subject: singleLine(subject),
		Text:    text,
		HTML:    html,
	}, nil
}

// HumanizeTTL 把有效期格式化为 "24 hours" 这类文字
func HumanizeTTL(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// singleLine 去掉换行，防止用户输入进入邮件头后折行
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
