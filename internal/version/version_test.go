package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinRange(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  string
		force bool
		want  bool
	}{
		{"patch ignored", "v1.2.3", "v1.2.9", false, true},
		{"minor differs", "v1.2.3", "v1.3.0", false, false},
		{"force requires equality", "v1.2.3", "v1.2.9", true, false},
		{"force equal", "v1.2.3", "1.2.3", true, true},
		{"major differs", "v2.0.0", "v1.0.0", false, false},
		{"beta prefix and suffix", "b1.0.7", "v1.0.2-beta", false, true},
		{"garbage never matches", "latest", "v1.0.0", false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WithinRange(tc.a, tc.b, tc.force))
		})
	}
}

func TestWithinMajor(t *testing.T) {
	assert.True(t, WithinMajor("v1.2.3", "v1.9.0", false))
	assert.False(t, WithinMajor("v1.2.3", "v2.0.0", false))
	assert.False(t, WithinMajor("v1.2.3", "v1.9.0", true))
}

func TestCompare(t *testing.T) {
	testCases := []struct {
		a, b string
		want int
	}{
		{"v1.2.0", "v1.3.0", -1},
		{"v1.3.0", "v1.2.0", 1},
		{"v2.0.0", "v1.9.9", 1},
		{"v1.0.1", "v1.0.0", 1},
		{"v1.0.0", "1.0.0", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.a+"_"+tc.b, func(t *testing.T) {
			got, err := Compare(tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Compare("nope", "v1.0.0")
	require.Error(t, err)
}
