package utils

import (
	"html"
	"strings"

	"github.com/example/rzshop/internal/services"
)

// BuildAutoSubmitForm renders the self-submitting document that carries
// the signed envelope to the gateway. No business logic lives here.
func BuildAutoSubmitForm(action string, fields []services.FormField) string {
	var inputs strings.Builder
	for _, field := range fields {
		if field.Value == "" {
			continue
		}
		inputs.WriteString(`        <input type="hidden" name="`)
		inputs.WriteString(html.EscapeString(field.Key))
		inputs.WriteString(`" value="`)
		inputs.WriteString(html.EscapeString(field.Value))
		inputs.WriteString("\" />\n")
	}

	return `<!doctype html>
<html lang="zh-Hant">
<head>
  <meta charset="utf-8">
  <title>Redirecting...</title>
</head>
<body>
  <form id="pay" method="post" action="` + html.EscapeString(action) + `">
` + inputs.String() + `    <noscript>
      <p>系統將帶您前往藍新金流完成付款，若未自動跳轉請按下方按鈕。</p>
      <button type="submit">前往付款</button>
    </noscript>
  </form>
  <script>document.getElementById('pay').submit();</script>
</body>
</html>`
}

// BuildRedirectPage renders the meta-refresh document that returns the
// payer's browser to the storefront after the gateway return callback.
func BuildRedirectPage(redirectURL string) string {
	escaped := html.EscapeString(redirectURL)
	return `<!doctype html>
<html lang="zh-Hant">
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="0;url=` + escaped + `">
  <title>付款結果處理中</title>
</head>
<body>
  <p>付款結果處理中，若未自動跳轉請 <a href="` + escaped + `">點此回到商店</a>。</p>
</body>
</html>`
}
