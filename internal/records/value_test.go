package records

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue_Kinds(t *testing.T) {
	v, err := ParseValue([]byte(`{"b": true, "n": 1.5e3, "s": "x", "a": [1, null], "o": {"k": "v"}, "z": null}`))
	require.NoError(t, err)
	require.Equal(t, KindObject, v.Kind())
	assert.Equal(t, 6, v.Len())

	want := map[string]Kind{"b": KindBool, "n": KindNumber, "s": KindString, "a": KindArray, "o": KindObject, "z": KindNull}
	var order []string
	v.Each(func(key string, child Value) {
		order = append(order, key)
		assert.Equal(t, want[key], child.Kind(), "key %s", key)
	})
	assert.Equal(t, []string{"b", "n", "s", "a", "o", "z"}, order)

	n, _ := v.Get("n")
	assert.Equal(t, "1.5e3", n.Text())
	a, _ := v.Get("a")
	assert.Len(t, a.Array(), 2)
	_, ok := v.Get("missing")
	assert.False(t, ok)
}

func TestValue_MarshalKeepsOrder(t *testing.T) {
	in := `{"z":1,"a":{"y":[true,"<b>"],"b":null}}`
	v, err := ParseValue([]byte(in))
	require.NoError(t, err)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	// json.Marshal は HTML 文字をエスケープする
	assert.JSONEq(t, in, string(out))
	assert.Equal(t, in, v.Text())
}

func TestParseValue_Invalid(t *testing.T) {
	for _, in := range []string{``, `nul`, `{"a":}`, `[1,`, `tru`, `1.2.3`} {
		_, err := ParseValue([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestValue_UnmarshalInsideStruct(t *testing.T) {
	var doc struct {
		Records Value `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"records": {"second": "2", "first": "1"}}`), &doc))

	var keys []string
	doc.Records.Each(func(key string, _ Value) { keys = append(keys, key) })
	assert.Equal(t, []string{"second", "first"}, keys)
}
