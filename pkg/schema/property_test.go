package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarPool_SetKeepsPosition(t *testing.T) {
	var p VarPool
	p.Set(Property{Prop: "a", Direct: DirectOut, Value: "1"})
	p.Set(Property{Prop: "b", Direct: DirectOut, Value: "2"})
	p.Set(Property{Prop: "a", Direct: DirectOut, Value: "3"})

	props := p.Properties()
	require.Len(t, props, 2)
	assert.Equal(t, "a", props[0].Prop)
	assert.Equal(t, "3", props[0].Value)
	assert.Equal(t, "b", props[1].Prop)
}

func TestVarPool_NilSafe(t *testing.T) {
	var p *VarPool
	assert.Equal(t, 0, p.Len())
	assert.Nil(t, p.Properties())
	_, ok := p.Get("x")
	assert.False(t, ok)
}

func TestVarPool_JSON(t *testing.T) {
	p := NewVarPool(
		Property{Prop: "dt", Direct: DirectOut, Type: "VARCHAR", Value: "20240101"},
		Property{Prop: "n", Direct: DirectIn, Type: "INTEGER", Value: "7"},
	)
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var back VarPool
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.Properties(), back.Properties())
	assert.Equal(t, map[string]string{"dt": "20240101", "n": "7"}, back.Values())

	empty, err := json.Marshal(&VarPool{})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(empty))
}

func TestMergeProperties_OverrideWins(t *testing.T) {
	base := []Property{{Prop: "a", Value: "1"}, {Prop: "b", Value: "2"}}
	override := []Property{{Prop: "b", Value: "20"}, {Prop: "c", Value: "30"}}

	merged := MergeProperties(base, override)
	require.Len(t, merged, 3)
	assert.Equal(t, "1", merged[0].Value)
	assert.Equal(t, "20", merged[1].Value)
	assert.Equal(t, "c", merged[2].Prop)
}

func TestOutProperties(t *testing.T) {
	props := []Property{
		{Prop: "in", Direct: DirectIn},
		{Prop: "out", Direct: DirectOut},
	}
	out := OutProperties(props)
	require.Len(t, out, 1)
	assert.Equal(t, "out", out[0].Prop)
}
