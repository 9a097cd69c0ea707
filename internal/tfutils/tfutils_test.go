package tfutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1m", 60, false},
		{"15m", 900, false},
		{"6h", 21600, false},
		{"86400", 86400, false},
		{"120", 0, true},
		{"4h", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGranularity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGranularityRoundTrip(t *testing.T) {
	for _, g := range GetSupportedGranularities() {
		label := GranularityLabel(g)
		require.NotEmpty(t, label)
		parsed, err := ParseGranularity(label)
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
		assert.Equal(t, time.Duration(g)*time.Second, GetGranularityDuration(g))
	}
	assert.Zero(t, GetGranularityDuration(42))
	assert.False(t, IsValidGranularity(42))
}

func TestPoint(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 7, 31, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), Point(ts, Granularity5M))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Point(ts, Granularity1H))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Point(ts, Granularity1D))
}
