package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityMap_Broker(t *testing.T) {
	m := DefaultPriorityMap()

	tests := []struct {
		level Priority
		want  uint8
	}{
		{level: Fifo, want: 0},
		{level: Low, want: 2},
		{level: Normal, want: 4},
		{level: Medium, want: 6},
		{level: High, want: 8},
		{level: Critical, want: 10},
		{level: Priority(9), want: 10},
		{level: Priority(-3), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, m.Broker(tt.level))
		})
	}
}

func TestPriorityMapFromNames(t *testing.T) {
	m, err := PriorityMapFromNames(map[string]int{"high": 9, "Critical": 42})
	require.NoError(t, err)

	assert.Equal(t, uint8(9), m.Broker(High))
	assert.Equal(t, uint8(10), m.Broker(Critical), "values above the broker range are clamped")
	assert.Equal(t, uint8(4), m.Broker(Normal))

	_, err = PriorityMapFromNames(map[string]int{"urgent": 1})
	require.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, High, p)

	p, err = ParsePriority("3")
	require.NoError(t, err)
	assert.Equal(t, Medium, p)

	_, err = ParsePriority("soon")
	require.Error(t, err)
}

func TestPriority_UnmarshalJSON(t *testing.T) {
	var opts struct {
		Priority Priority `json:"priority"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"priority":5}`), &opts))
	assert.Equal(t, Critical, opts.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"priority":"low"}`), &opts))
	assert.Equal(t, Low, opts.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"asap"}`), &opts))
	assert.Error(t, json.Unmarshal([]byte(`{"priority":true}`), &opts))

	assert.True(t, Medium.Valid())
	assert.False(t, Priority(6).Valid())
	assert.False(t, Priority(-1).Valid())
}
