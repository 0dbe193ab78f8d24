package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationConfig(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"720h", 720 * time.Hour},
		{"30m", 30 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"30d", 30 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1w2d", 9 * 24 * time.Hour},
		{"1w2d12h", 9*24*time.Hour + 12*time.Hour},
		{"0s", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration())
		})
	}

	for _, bad := range []string{"", "invalid"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("30d")))
	assert.Equal(t, 30*24*time.Hour, d.Duration())
}

func TestDuration_JSON(t *testing.T) {
	t.Run("unmarshal", func(t *testing.T) {
		for in, want := range map[string]time.Duration{
			`"30d"`:            30 * 24 * time.Hour,
			`"720h"`:           720 * time.Hour,
			`"2w"`:             14 * 24 * time.Hour,
			`2592000000000000`: 30 * 24 * time.Hour, // raw nanoseconds
		} {
			var d Duration
			require.NoError(t, json.Unmarshal([]byte(in), &d), in)
			assert.Equal(t, want, d.Duration(), in)
		}
	})

	t.Run("marshal is human readable", func(t *testing.T) {
		data, err := json.Marshal(Duration(30 * 24 * time.Hour))
		require.NoError(t, err)
		assert.Contains(t, string(data), "d")
	})
}

func TestDuration_String(t *testing.T) {
	assert.Equal(t, "2w", Duration(14*24*time.Hour).String())
	assert.Equal(t, "3d", Duration(3*24*time.Hour).String())
	assert.Equal(t, "1w2d", Duration(9*24*time.Hour).String())
	assert.Equal(t, "12h0m0s", Duration(12*time.Hour).String())
	assert.Equal(t, "0s", Duration(0).String())
}
