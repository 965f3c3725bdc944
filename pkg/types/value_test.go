package types

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValueUnmarshalJSON(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"owner":"alice","count":3,"ratio":0.5,"tags":["a","b"],"deleted":null,"active":true}`), &v)
	require.NoError(t, err)

	require.Equal(t, MapValue, v.Kind())
	m := v.MapVal()

	assert.Equal(t, StringValue, m["owner"].Kind())
	assert.Equal(t, "alice", m["owner"].StringVal())

	// Integers stay integers, they do not degrade to float64.
	assert.Equal(t, IntValue, m["count"].Kind())
	assert.Equal(t, int64(3), m["count"].IntVal())

	assert.Equal(t, FloatValue, m["ratio"].Kind())
	assert.Equal(t, 0.5, m["ratio"].FloatVal())

	assert.Equal(t, ListValue, m["tags"].Kind())
	assert.Len(t, m["tags"].ListVal(), 2)

	assert.True(t, m["deleted"].IsNull())
	assert.True(t, m["active"].BoolVal())
}

func TestValueUnmarshalYAML(t *testing.T) {
	var v Value
	err := yaml.Unmarshal([]byte("owner: alice\ncount: 3\nnested:\n  deep: true\n"), &v)
	require.NoError(t, err)

	m := v.MapVal()
	assert.Equal(t, "alice", m["owner"].StringVal())
	assert.Equal(t, int64(3), m["count"].IntVal())
	assert.True(t, m["nested"].MapVal()["deep"].BoolVal())
}

func TestValueNative(t *testing.T) {
	v := Map(map[string]Value{
		"roles": List(String("admin"), String("viewer")),
		"depth": Int(2),
	})

	native := v.Native().(map[string]interface{})
	assert.Equal(t, int64(2), native["depth"])
	assert.Equal(t, []interface{}{"admin", "viewer"}, native["roles"])
}

func TestValueCanonicalKeyOrder(t *testing.T) {
	a := Map(map[string]Value{"x": Int(1), "y": Int(2)})
	b := Map(map[string]Value{"y": Int(2), "x": Int(1)})

	var bufA, bufB bytes.Buffer
	a.writeCanonical(&bufA)
	b.writeCanonical(&bufB)
	assert.Equal(t, bufA.String(), bufB.String())
}

func TestValueCanonicalIntFloatDistinct(t *testing.T) {
	var bufI, bufF bytes.Buffer
	Int(1).writeCanonical(&bufI)
	Float(1).writeCanonical(&bufF)
	assert.NotEqual(t, bufI.String(), bufF.String())
}

func TestFromNativeRejectsUnknownType(t *testing.T) {
	_, err := FromNative(struct{}{})
	assert.Error(t, err)
}
