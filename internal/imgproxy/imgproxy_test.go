package imgproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignPath_DocumentedVector(t *testing.T) {
	cfg := &Config{
		Key:  mustHex(t, "736563726574"),
		Salt: mustHex(t, "68656c6c6f"),
	}
	path := "/rs:fill:300:400:0/g:sm/aHR0cDovL2V4YW1w/bGUuY29tL2ltYWdl/cy9jdXJpb3NpdHku/anBn.png"

	sig, err := SignPath(cfg, path)
	require.NoError(t, err)
	require.Equal(t, "oKfUtW34Dvo2BGQehJFR4Nr0_rIjOtdtzJ3QFsUcXH8", sig)
}

func TestEncodeSourceURL_ChunksAtSixteen(t *testing.T) {
	encoded, err := EncodeSourceURL("http://example.com/images/curiosity.jpg", 16)
	require.NoError(t, err)
	require.Equal(t, "aHR0cDovL2V4YW1w/bGUuY29tL2ltYWdl/cy9jdXJpb3NpdHku/anBn", encoded)
}

func TestBuildSignedURL_MatchesDocumentedVector(t *testing.T) {
	cfg := &Config{
		BaseURL:      "https://img.example",
		Key:          mustHex(t, "736563726574"),
		Salt:         mustHex(t, "68656c6c6f"),
		URLChunkSize: 16,
	}

	url, err := BuildSignedURL(cfg, "http://example.com/images/curiosity.jpg", "png", "rs:fill:300:400:0/g:sm")
	require.NoError(t, err)
	require.Equal(t,
		"https://img.example/oKfUtW34Dvo2BGQehJFR4Nr0_rIjOtdtzJ3QFsUcXH8/rs:fill:300:400:0/g:sm/aHR0cDovL2V4YW1w/bGUuY29tL2ltYWdl/cy9jdXJpb3NpdHku/anBn.png",
		url)
}

func TestBuildProcessingPath_RejectsInvalidExtension(t *testing.T) {
	_, err := BuildProcessingPath("rs:fit:100:100", "http://example.com/x.jpg", "jp.g", 16)
	require.Error(t, err)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := decodeHex(s, "test")
	require.NoError(t, err)
	return b
}
