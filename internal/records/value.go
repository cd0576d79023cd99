// Package records は、投稿詳細に含まれる「records」ドキュメントを
// スタイル付きのテキストセクションへ変換します。
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind は JSON 値の種別です。
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String は Kind を人間可読な文字列に変換します。
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value は JSON 値のタグ付き共用体です。
// オブジェクトはドキュメント上のキー順序を保持します。
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  *orderedmap.OrderedMap[string, Value]
}

// ParseValue は JSON バイト列を Value に変換します。
func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

// UnmarshalJSON は json.Unmarshaler を実装します。
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("空のJSON値です")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("不正なJSONリテラルです: %q", data)
		}
		*v = Value{kind: KindNull}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("真偽値の解析に失敗しました: %w", err)
		}
		*v = Value{kind: KindBool, b: b}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("文字列の解析に失敗しました: %w", err)
		}
		*v = Value{kind: KindString, str: s}
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return fmt.Errorf("配列の解析に失敗しました: %w", err)
		}
		arr := make([]Value, 0, len(raws))
		for i, raw := range raws {
			child, err := ParseValue(raw)
			if err != nil {
				return fmt.Errorf("配列要素 [%d] の解析に失敗しました: %w", i, err)
			}
			arr = append(arr, child)
		}
		*v = Value{kind: KindArray, arr: arr}
	case '{':
		raw := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(data, raw); err != nil {
			return fmt.Errorf("オブジェクトの解析に失敗しました: %w", err)
		}
		obj := orderedmap.New[string, Value](raw.Len())
		for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
			child, err := ParseValue(pair.Value)
			if err != nil {
				return fmt.Errorf("キー '%s' の解析に失敗しました: %w", pair.Key, err)
			}
			obj.Set(pair.Key, child)
		}
		*v = Value{kind: KindObject, obj: obj}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("数値の解析に失敗しました: %w", err)
		}
		*v = Value{kind: KindNumber, num: n}
	}
	return nil
}

// Kind は値の種別を返します。
func (v Value) Kind() Kind { return v.kind }

// IsNull は値が null (またはゼロ値) かを返します。
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool は真偽値と、値が真偽値であるかを返します。
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Array は配列要素を返します。配列でない場合は nil です。
func (v Value) Array() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Len は配列またはオブジェクトの要素数を返します。
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return v.obj.Len()
	default:
		return 0
	}
}

// Get はオブジェクトのキーに対応する値を返します。
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	return v.obj.Get(key)
}

// Each はオブジェクトの各キーをドキュメント順に訪問します。
func (v Value) Each(fn func(key string, child Value)) {
	if v.kind != KindObject {
		return
	}
	for pair := v.obj.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Text はスカラー値のテキスト表現を返します。
// 配列とオブジェクトはコンパクトなJSON表現になります。
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return v.num.String()
	case KindString:
		return v.str
	default:
		var buf bytes.Buffer
		v.writeJSON(&buf)
		return buf.String()
	}
}

// MarshalJSON は json.Marshaler を実装します。キー順序は保持されます。
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.writeJSON(&buf)
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool, KindNumber:
		buf.WriteString(v.Text())
	case KindString:
		writeJSONString(buf, v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, child := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			child.writeJSON(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		first := true
		for pair := v.obj.Oldest(); pair != nil; pair = pair.Next() {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeJSONString(buf, pair.Key)
			buf.WriteByte(':')
			pair.Value.writeJSON(buf)
		}
		buf.WriteByte('}')
	}
}

func writeJSONString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// 文字列のエンコードは失敗しない
	_ = enc.Encode(s)
	buf.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
}
