package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// DefaultPreviewLength はプレビュー文字列の最大文字数。
const DefaultPreviewLength = 200

// EventSanitizerService は予定の説明文（HTML）を安全に扱うためのインターフェース。
// Googleは説明文をHTMLで、MicrosoftはbodyPreviewをプレーンテキストで返すため、
// 両方を同じ形に正規化する。
type EventSanitizerService interface {
	// Sanitize は許可リスト外のタグと属性を除去したHTMLを返す。
	Sanitize(rawHTML string) string

	// Preview はHTMLからテキストを抽出し、空白を詰めてmaxRunes文字に切り詰める。
	Preview(rawHTML string, maxRunes int) string
}

type eventSanitizer struct {
	policy *bluemonday.Policy
}

// NewEventSanitizer はEventSanitizerServiceを生成する。
// 許可タグ: p, br, div, span, ul, ol, li, b, i, u, strong, em, a
func NewEventSanitizer() *eventSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "div", "span",
		"ul", "ol", "li",
		"b", "i", "u", "strong", "em",
	)

	// 会議URLなどのリンクは残し、別タブで開かせる
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "http", "mailto", "tel")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &eventSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズする。
func (s *eventSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}

// blockTags はテキスト抽出時に区切りとして扱うタグ。
var blockTags = map[string]bool{
	"p": true, "br": true, "div": true, "li": true, "tr": true,
}

// Preview はHTMLのテキストノードのみを連結したプレビューを返す。
// script/style内のテキストは無視する。
func (s *eventSanitizer) Preview(rawHTML string, maxRunes int) string {
	if rawHTML == "" {
		return ""
	}

	var b strings.Builder
	skip := 0
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))

loop:
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			break loop
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}

	text := strings.Join(strings.Fields(b.String()), " ")
	return truncateRunes(text, maxRunes)
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
