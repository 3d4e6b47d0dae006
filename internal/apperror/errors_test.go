package apperror

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageKnownPhrase(t *testing.T) {
	require.Equal(t, "API Key 无效", NormalizeMessage(CodeUnauthorized, "invalid api key"))
	require.Equal(t, "任务不存在", NormalizeMessage(CodeNotFound, "Job Not Found"))
}

func TestNormalizeMessageKeepsNonASCII(t *testing.T) {
	require.Equal(t, "自定义消息", NormalizeMessage(CodeBadRequest, "自定义消息"))
}

func TestNormalizeMessagePrefixRules(t *testing.T) {
	require.Equal(t, "参数不支持：weird_param", NormalizeMessage(CodeBadRequest, "unsupported weird_param"))
	require.Equal(t, "参数无效：cursor value", NormalizeMessage(CodeBadRequest, "invalid cursor value"))
	require.Equal(t, "缺少字段：username", NormalizeMessage(CodeBadRequest, "missing username"))
}

func TestNormalizeMessageFallsBackToCodeDefault(t *testing.T) {
	require.Equal(t, "没有匹配的图片", NormalizeMessage(CodeNoMatch, ""))
	require.Equal(t, "上游请求失败", NormalizeMessage(CodeUpstreamStream, "some unmapped ascii diagnostics"))
}

func TestBodyEnvelopeShape(t *testing.T) {
	e := New(CodeNoMatch, 404, "").WithDetails(map[string]any{"hint": "relax filters"})
	body := e.Body("req_0123456789abcdef")

	require.False(t, body.OK)
	require.Equal(t, CodeNoMatch, body.Code)
	require.Equal(t, "req_0123456789abcdef", body.RequestID)
	require.Equal(t, "relax filters", body.Details["hint"])

	// absent request id falls back to the sentinel, details always non-nil
	body = New(CodeInternalError, 500, "x").Body("")
	require.Equal(t, UnknownRequestID, body.RequestID)
	require.NotNil(t, body.Details)
}
