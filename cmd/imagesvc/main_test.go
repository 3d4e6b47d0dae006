package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLogDir(t *testing.T) {
	// Default value.
	t.Setenv("APP_LOGS_DIR", "")
	require.Equal(t, "logs", getLogDir())

	// Custom value.
	t.Setenv("APP_LOGS_DIR", "/tmp/custom-logs")
	require.Equal(t, "/tmp/custom-logs", getLogDir())
}

func TestParseTokenCacheKey(t *testing.T) {
	id, err := parseTokenCacheKey("pixiv_token:42")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	_, err = parseTokenCacheKey("garbage")
	require.Error(t, err)
}

func TestMathRandFloatRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		r := mathRandFloat()
		require.GreaterOrEqual(t, r, 0.0)
		require.Less(t, r, 1.0)
	}
}
