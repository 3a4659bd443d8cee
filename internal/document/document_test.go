package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject(t *testing.T) {
	obj, err := ParseObject([]byte(`{"amount":100,"tags":["a",true,null],"meta":{"n":-1}}`))
	require.NoError(t, err)

	assert.Equal(t, Int(100), obj["amount"])
	assert.Equal(t, Array{String("a"), Bool(true), Null{}}, obj["tags"])
	assert.Equal(t, Object{"n": Int(-1)}, obj["meta"])
}

func TestParseObject_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"float", `{"amount":1.5}`},
		{"exponent", `{"amount":1e3}`},
		{"out of range", `{"amount":99999999999999999999}`},
		{"not an object", `[1,2]`},
		{"trailing data", `{"a":1} {"b":2}`},
		{"malformed", `{"a":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseObject([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestFromAny_YAMLShapes(t *testing.T) {
	v, err := FromAny(map[string]any{
		"amount": 150,
		"items":  []any{"x", int64(2)},
		"none":   nil,
	})
	require.NoError(t, err)

	assert.Equal(t, Object{
		"amount": Int(150),
		"items":  Array{String("x"), Int(2)},
		"none":   Null{},
	}, v)

	_, err = FromAny(map[string]any{"rate": 0.5})
	assert.Error(t, err)
}

func TestToAny_RoundTrip(t *testing.T) {
	obj := NewObject(
		P("amount", Int(100)),
		P("tags", Array{String("a")}),
		P("nested", Object{"ok": Bool(true)}),
	)

	back, err := FromAny(ToAny(obj))
	require.NoError(t, err)
	assert.Equal(t, obj, back)
}

func TestObjectClone_Deep(t *testing.T) {
	orig := Object{"nested": Object{"n": Int(1)}, "list": Array{Int(1)}}
	clone := orig.Clone()

	clone["nested"].(Object)["n"] = Int(2)
	clone["list"].(Array)[0] = Int(9)

	assert.Equal(t, Int(1), orig["nested"].(Object)["n"])
	assert.Equal(t, Int(1), orig["list"].(Array)[0])
}

func TestDocument_NextAndTombstone(t *testing.T) {
	doc := Document{ID: "D1", Version: 3, SchemaRef: "payment", Body: Object{"amount": Int(100)}}

	next := doc.Next(Object{"amount": Int(150)})
	assert.Equal(t, int64(4), next.Version)
	assert.Equal(t, Int(150), next.Body["amount"])
	assert.Equal(t, Int(100), doc.Body["amount"], "original must not change")

	tomb := next.Tombstone()
	assert.Equal(t, int64(5), tomb.Version)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, next.Body, tomb.Body, "tombstone keeps the body for audit")
}

func TestDocument_Digest(t *testing.T) {
	a := Document{ID: "D1", Version: 3, SchemaRef: "payment", Body: Object{"amount": Int(100)}}
	b := Document{ID: "D1", Version: 3, SchemaRef: "payment", Body: Object{"amount": Int(100)}}

	assert.Equal(t, MustDigest(a), MustDigest(b))
	assert.Len(t, MustDigest(a), 64)

	changed := []Document{
		{ID: "D2", Version: 3, SchemaRef: "payment", Body: a.Body},
		{ID: "D1", Version: 4, SchemaRef: "payment", Body: a.Body},
		{ID: "D1", Version: 3, SchemaRef: "refund", Body: a.Body},
		{ID: "D1", Version: 3, SchemaRef: "payment", Body: Object{"amount": Int(101)}},
		{ID: "D1", Version: 3, SchemaRef: "payment", Body: a.Body, Deleted: true},
	}
	for _, c := range changed {
		assert.NotEqual(t, MustDigest(a), MustDigest(c), "%+v", c)
	}
}

func TestDocument_Validate(t *testing.T) {
	assert.NoError(t, Document{ID: "D1", SchemaRef: "payment"}.Validate())
	assert.ErrorIs(t, Document{SchemaRef: "payment"}.Validate(), ErrInvalidDocument)
	assert.ErrorIs(t, Document{ID: "D1"}.Validate(), ErrInvalidDocument)
	assert.ErrorIs(t, Document{ID: "D1", SchemaRef: "p", Version: -1}.Validate(), ErrInvalidDocument)
}

func TestDocument_JSON(t *testing.T) {
	doc := Document{ID: "D1", Version: 3, SchemaRef: "payment", Body: Object{"amount": Int(100)}}

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"D1","version":3,"schema_ref":"payment","body":{"amount":100}}`, string(data))

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, doc, back)
}
