package records

import (
	"fmt"
	"strconv"
	"strings"

	"GoArchiveMirror/internal/model"
)

// DescriptionHeader は、先頭セクションの見出しが空の場合に使う既定の見出しです。
const DescriptionHeader = "Description"

// RenderJSON は、recordsドキュメントのJSONを解析して描画します。
func RenderJSON(recordsJSON []byte, schemaStyles, entryStyles map[string]model.StyleInfo) ([]model.RecordSection, error) {
	if len(strings.TrimSpace(string(recordsJSON))) == 0 {
		return nil, nil
	}
	v, err := ParseValue(recordsJSON)
	if err != nil {
		return nil, fmt.Errorf("recordsドキュメントの解析に失敗しました: %w", err)
	}
	return Render(v, schemaStyles, entryStyles), nil
}

// Render は、recordsオブジェクトの各キーをドキュメント順に描画し、セクションの列を返します。
// "a:b:c" のような階層キーでは、欠けている親セクション ("a", "a:b") を先に合成します。
func Render(recordsDoc Value, schemaStyles, entryStyles map[string]model.StyleInfo) []model.RecordSection {
	if recordsDoc.Kind() != KindObject {
		return nil
	}

	var sections []model.RecordSection
	index := make(map[string]int)

	ensure := func(key string) int {
		if i, ok := index[key]; ok {
			return i
		}
		style := ResolveStyle(key, schemaStyles, entryStyles)
		sections = append(sections, model.RecordSection{
			Key:   key,
			Title: cleanText(style.HeaderText),
			Depth: style.Depth,
			Lines: []string{},
		})
		index[key] = len(sections) - 1
		return index[key]
	}

	recordsDoc.Each(func(key string, val Value) {
		style := ResolveStyle(key, schemaStyles, entryStyles)
		lines := valueToLines(val, style)
		if len(lines) == 0 {
			return
		}

		parts := strings.Split(key, ":")
		for i := 1; i < len(parts); i++ {
			ensure(strings.Join(parts[:i], ":"))
		}
		i := ensure(key)
		sections[i].Lines = append(sections[i].Lines, lines...)
	})

	if len(sections) > 0 && strings.TrimSpace(sections[0].Title) == "" {
		sections[0].Title = DescriptionHeader
	}
	return sections
}

// valueToLines は、1キー分の値をテキスト行に変換します。
func valueToLines(v Value, style ResolvedStyle) []string {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindArray:
		return listLines(v.Array(), style.IsOrdered, 0)
	case KindObject:
		if items, ordered, ok := nestedList(v, style.IsOrdered); ok {
			return listLines(items, ordered, 0)
		}
		return scalarLines(v.Text())
	default:
		return scalarLines(v.Text())
	}
}

func scalarLines(text string) []string {
	text = cleanText(text)
	if text == "" {
		return nil
	}
	return []string{text}
}

// nestedList は、{"isOrdered": bool, "items": [...]} 形式のリストを取り出します。
func nestedList(v Value, fallbackOrdered bool) ([]Value, bool, bool) {
	items, ok := v.Get("items")
	if !ok {
		return nil, false, false
	}
	ordered := fallbackOrdered
	if flag, ok := v.Get("isOrdered"); ok {
		if b, isBool := flag.Bool(); isBool {
			ordered = b
		}
	}
	switch items.Kind() {
	case KindArray:
		return items.Array(), ordered, true
	case KindObject:
		// items がさらに {"isOrdered", "items"} で包まれている形式
		return nestedList(items, ordered)
	default:
		return nil, false, false
	}
}

// listLines は、リスト要素を1要素1行で描画します。
// ordered の場合は "1. "、それ以外は "- " を行頭に付け、ネストごとに2スペース字下げします。
func listLines(items []Value, ordered bool, indent int) []string {
	prefix := strings.Repeat("  ", indent)
	var lines []string
	n := 0

	for _, item := range items {
		var text string
		var children []Value
		childOrdered := false
		hasChildren := false

		switch item.Kind() {
		case KindNull:
			continue
		case KindObject:
			title, hasTitle := item.Get("title")
			children, childOrdered, hasChildren = nestedList(item, false)
			if hasTitle {
				text = cleanText(title.Text())
			} else if !hasChildren {
				text = cleanText(item.Text())
			}
		case KindArray:
			children, hasChildren = item.Array(), true
		default:
			text = cleanText(item.Text())
		}

		var nested []string
		if hasChildren {
			nested = listLines(children, childOrdered, indent+1)
		}
		if text == "" && len(nested) == 0 {
			continue
		}

		if text != "" {
			n++
			marker := "- "
			if ordered {
				marker = strconv.Itoa(n) + ". "
			}
			lines = append(lines, prefix+marker+text)
		}
		lines = append(lines, nested...)
	}
	return lines
}
