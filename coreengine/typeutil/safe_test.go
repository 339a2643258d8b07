package typeutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsInt(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{"int", 5, 5, true},
		{"int64", int64(7), 7, true},
		{"float64 from json", 12.9, 12, true},
		{"numeric string", " 42 ", 42, true},
		{"bad string", "many", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsInt(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAsFloat(t *testing.T) {
	f, ok := AsFloat(int32(3))
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	f, ok = AsFloat("87.5")
	assert.True(t, ok)
	assert.Equal(t, 87.5, f)

	_, ok = AsFloat(map[string]any{})
	assert.False(t, ok)
}

func TestAsBool(t *testing.T) {
	tests := []struct {
		value  any
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{"yes", true, true},
		{"FALSE", false, true},
		{"maybe", false, false},
		{1, false, false},
	}

	for _, tt := range tests {
		got, ok := AsBool(tt.value)
		assert.Equal(t, tt.wantOK, ok, "value %v", tt.value)
		assert.Equal(t, tt.want, got, "value %v", tt.value)
	}
}

func TestAsSlices(t *testing.T) {
	s, ok := AsStringSlice([]any{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, s)

	_, ok = AsStringSlice([]any{"a", 1})
	assert.False(t, ok)

	maps, ok := AsMapSlice([]any{map[string]any{"type": "hemorrhage"}})
	require.True(t, ok)
	assert.Equal(t, "hemorrhage", maps[0]["type"])

	_, ok = AsMapSlice("nope")
	assert.False(t, ok)
}

func TestFields(t *testing.T) {
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"chief_complaint": "chest pain",
		"requires_transfer": true,
		"facility_capacity": {"occupancy_percent": 91.5, "available_beds": 3},
		"symptoms": ["dyspnea", "diaphoresis"],
		"missing": null
	}`), &data))
	f := Fields(data)

	t.Run("top level", func(t *testing.T) {
		assert.Equal(t, "chest pain", f.String("chief_complaint", ""))
		assert.True(t, f.Bool("requires_transfer", false))
		assert.Equal(t, []string{"dyspnea", "diaphoresis"}, f.Strings("symptoms"))
	})

	t.Run("nested paths", func(t *testing.T) {
		assert.Equal(t, 91.5, f.Float("facility_capacity.occupancy_percent", 0))
		assert.Equal(t, 3, f.Int("facility_capacity.available_beds", 0))
		assert.NotNil(t, f.Map("facility_capacity"))
	})

	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, "none", f.String("incident_type", "none"))
		assert.Equal(t, 5, f.Int("chief_complaint", 5))
		assert.Equal(t, 0.0, f.Float("facility_capacity.occupancy_percent.deeper", 0))
		assert.False(t, f.Has("missing"))
		assert.Nil(t, f.Map("chief_complaint"))
	})

	t.Run("nil fields", func(t *testing.T) {
		var empty Fields
		assert.False(t, empty.Has("anything"))
		assert.Equal(t, "d", empty.String("x", "d"))
	})
}
