package records

import (
	"strings"
	"unicode/utf8"

	"GoArchiveMirror/internal/model"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultDepth は、スタイル指定がない場合の見出しの深さです。
const DefaultDepth = 2

// ResolvedStyle は、全ての上書きを適用した後の実効スタイルです。
type ResolvedStyle struct {
	Depth      int
	HeaderText string
	IsOrdered  bool
}

// ResolveStyle は、キーの実効スタイルを求めます。
// 優先順位: エントリ側の上書き > スキーマの既定値 > 組み込みの既定値。
func ResolveStyle(key string, schemaStyles, entryStyles map[string]model.StyleInfo) ResolvedStyle {
	style := ResolvedStyle{
		Depth:      DefaultDepth,
		HeaderText: defaultHeader(key),
		IsOrdered:  false,
	}
	if s, ok := schemaStyles[key]; ok {
		style = mergeStyle(style, s)
	}
	if s, ok := entryStyles[key]; ok {
		style = mergeStyle(style, s)
	}
	return style
}

func mergeStyle(base ResolvedStyle, override model.StyleInfo) ResolvedStyle {
	if override.Depth != nil {
		base.Depth = *override.Depth
	}
	if override.HeaderText != nil {
		base.HeaderText = *override.HeaderText
	}
	if override.IsOrdered != nil {
		base.IsOrdered = *override.IsOrdered
	}
	return base
}

// defaultHeader は、コロン区切りキーの最後のセグメントの先頭文字を大文字にします。
func defaultHeader(key string) string {
	segment := key
	if i := strings.LastIndex(key, ":"); i >= 0 {
		segment = key[i+1:]
	}
	if segment == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(segment)
	return cases.Upper(language.Und).String(string(r)) + segment[size:]
}
