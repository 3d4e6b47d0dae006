package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactFieldScrubsSensitiveKeyRegardlessOfType(t *testing.T) {
	f := redactField(zap.Int("api_key_id", 42))
	require.Equal(t, zapcore.StringType, f.Type)
	require.Equal(t, "***", f.String)
}

func TestRedactFieldScrubsBearerTokenInStringValue(t *testing.T) {
	f := redactField(zap.String("header", "Authorization: Bearer sk-abc123"))
	require.Contains(t, f.String, "Bearer ***")
	require.NotContains(t, f.String, "sk-abc123")
}

func TestRedactFieldLeavesHarmlessStringsUntouched(t *testing.T) {
	f := redactField(zap.String("illust_id", "12345"))
	require.Equal(t, "12345", f.String)
}

func TestRedactingCoreScrubsMessageAndFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rc := redactingCore{core}
	logger := zap.New(rc)

	logger.Info("fetched with Bearer sk-secret-xyz", zap.String("refresh_token", "should-not-appear"))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Message, "Bearer ***")
	require.NotContains(t, entries[0].Message, "sk-secret-xyz")

	found := false
	for _, f := range entries[0].Context {
		if f.Key == "refresh_token" {
			found = true
			require.Equal(t, "***", f.String)
		}
	}
	require.True(t, found, "expected refresh_token field to survive redaction as a scrubbed field")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zap.DebugLevel, parseLevel("debug"))
	require.Equal(t, zap.WarnLevel, parseLevel("WARN"))
	require.Equal(t, zap.ErrorLevel, parseLevel("error"))
	require.Equal(t, zap.InfoLevel, parseLevel("whatever"))
}
