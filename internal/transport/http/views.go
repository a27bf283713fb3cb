package httptransport

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 验证结果页
var verifyPage = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} | {{.SiteName}}</title>
<style>
body { font-family: system-ui, 'Segoe UI', Roboto, sans-serif; color: #333; margin: 40px; }
.container { max-width: 500px; margin: 0 auto; text-align: center; }
h2 { font-size: 28px; }
h2.ok { color: #2e7d32; }
h2.err { color: #c62828; }
p { line-height: 1.6; color: #666; }
a.button { display: inline-block; padding: 12px 24px; background: #333; color: #fff; text-decoration: none; border-radius: 8px; margin-top: 20px; }
</style>
</head>
<body>
<div class="container">
<h2 class="{{if .Success}}ok{{else}}err{{end}}">{{.Title}}</h2>
{{- if .Email}}
<p><strong>{{.Email}}</strong> is now verified.</p>
{{- end}}
{{- range .Lines}}
<p>{{.}}</p>
{{- end}}
{{- if .HomeURL}}
<a class="button" href="{{.HomeURL}}">Back to home</a>
{{- end}}
</div>
</body>
</html>
`))

type verifyView struct {
	Title    string
	SiteName string
	Success  bool
	Email    string
	Lines    []string
	HomeURL  string
}

// 各种验证结果对应的页面
var (
	viewMissingToken = verifyView{Title: "Error", Lines: []string{"Missing verification token."}}
	viewNotFound     = verifyView{Title: "Token Not Found", Lines: []string{"This verification link is invalid."}, HomeURL: "/"}
	viewExpired      = verifyView{Title: "Link Expired", Lines: []string{"This verification link has expired. Please subscribe again."}, HomeURL: "/"}
	viewError        = verifyView{Title: "Error", Lines: []string{"An error occurred. Please try again."}}
)

func verifiedView(email, siteName string, already bool) verifyView {
	lines := []string{"Thanks for joining the " + siteName + " waitlist. We'll let you know when we launch."}
	if already {
		lines = []string{"This address was already confirmed. No further action is needed."}
	}
	return verifyView{Title: "Email Verified!", Success: true, Email: email, Lines: lines, HomeURL: "/"}
}

// renderView 输出 HTML 页面；模板出错时退回纯文本
func renderView(c *gin.Context, status int, view verifyView) {
	var buf bytes.Buffer
	if err := verifyPage.Execute(&buf, view); err != nil {
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, "An error occurred. Please try again.")
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}
