package records

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkRemoved は、URLを置き換える文字列です。
const LinkRemoved = "(link removed)"

var (
	// ![alt](url) と [text](url "title") の両方に一致
	markdownLinkPattern = regexp.MustCompile(`!?\[([^\]]*)\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	// <https://...> 形式の自動リンク
	autoLinkPattern = regexp.MustCompile(`(?i)<(?:https?://|www\.)[^>\s]*>`)
	bareURLPattern  = regexp.MustCompile(`(?i)(?:https?://|www\.)[^\s<>()\[\]]+`)

	// goquery で平坦化する対象のインラインHTMLタグ
	htmlTagPattern = regexp.MustCompile(`(?i)</?(?:a|b|i|u|s|em|strong|p|br|div|span|ul|ol|li|code|pre|h[1-6])(?:\s[^>]*)?/?>`)
)

// StripLinks は、Markdownリンクを "<text> (link removed)" に、
// 裸のURLを "(link removed)" に書き換えます。
func StripLinks(s string) string {
	s = markdownLinkPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := markdownLinkPattern.FindStringSubmatch(m)
		text := strings.TrimSpace(sub[1])
		if text == "" {
			return LinkRemoved
		}
		return text + " " + LinkRemoved
	})
	s = autoLinkPattern.ReplaceAllString(s, LinkRemoved)
	s = bareURLPattern.ReplaceAllString(s, LinkRemoved)
	return s
}

// flattenHTML は、インラインHTMLを含む文字列をプレーンテキストに変換します。
// アンカーはMarkdownリンクに置き換え、後段の StripLinks で除去させます。
func flattenHTML(s string) string {
	if !htmlTagPattern.MatchString(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}

	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		text := strings.TrimSpace(a.Text())
		href, _ := a.Attr("href")
		if href == "" {
			a.ReplaceWithHtml(html.EscapeString(text))
			return
		}
		a.ReplaceWithHtml(html.EscapeString("[" + text + "](" + href + ")"))
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	return strings.TrimSpace(doc.Find("body").Text())
}

// cleanText は、描画されるテキストからHTMLとURLを取り除きます。
func cleanText(s string) string {
	return strings.TrimSpace(StripLinks(flattenHTML(s)))
}
