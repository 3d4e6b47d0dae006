// Package imgproxy signs processing URLs for the configured imgproxy
// deployment so served images can be resized/transcoded without exposing the
// origin URL to the client.
package imgproxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Config holds the signing key, salt, and default processing options for one
// imgproxy deployment.
type Config struct {
	BaseURL        string
	Key            []byte
	Salt           []byte
	MaxDim         int
	DefaultOptions string
	URLChunkSize   int
}

// LoadFromEnv builds a Config from environment values, matching
// IMGPROXY_BASE_URL/KEY/SALT/MAX_DIM/DEFAULT_OPTIONS/URL_CHUNK_SIZE. Returns
// nil, nil when IMGPROXY_BASE_URL is unset (imgproxy signing is optional).
func LoadFromEnv(env map[string]string) (*Config, error) {
	baseURL := strings.TrimSpace(env["IMGPROXY_BASE_URL"])
	if baseURL == "" {
		return nil, nil
	}

	key, err := decodeHex(env["IMGPROXY_KEY"], "IMGPROXY_KEY")
	if err != nil {
		return nil, err
	}
	salt, err := decodeHex(env["IMGPROXY_SALT"], "IMGPROXY_SALT")
	if err != nil {
		return nil, err
	}

	maxDim := 2048
	if v := strings.TrimSpace(env["IMGPROXY_MAX_DIM"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxDim = n
		}
	}
	maxDim = clamp(maxDim, 16, 20000)

	defaultOptions := strings.Trim(strings.TrimSpace(env["IMGPROXY_DEFAULT_OPTIONS"]), "/")
	if defaultOptions == "" {
		defaultOptions = fmt.Sprintf("rs:fit:%d:%d", maxDim, maxDim)
	}

	chunkSize := 16
	if v := strings.TrimSpace(env["IMGPROXY_URL_CHUNK_SIZE"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			chunkSize = n
		}
	}
	chunkSize = clamp(chunkSize, 0, 128)

	return &Config{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Key:            key,
		Salt:           salt,
		MaxDim:         maxDim,
		DefaultOptions: defaultOptions,
		URLChunkSize:   chunkSize,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func decodeHex(raw, name string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex: %w", name, err)
	}
	return b, nil
}

// URLSafeB64NoPad is the base64url encoding used throughout imgproxy
// signing, with padding stripped.
func URLSafeB64NoPad(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// EncodeSourceURL base64url-encodes sourceURL and splits it into fixed-size
// chunks joined by '/', matching imgproxy's path-segment convention.
func EncodeSourceURL(sourceURL string, chunkSize int) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return "", fmt.Errorf("source_url is required")
	}
	encoded := URLSafeB64NoPad([]byte(sourceURL))
	if chunkSize <= 0 || len(encoded) <= chunkSize {
		return encoded, nil
	}
	var chunks []string
	for i := 0; i < len(encoded); i += chunkSize {
		end := i + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, encoded[i:end])
	}
	return strings.Join(chunks, "/"), nil
}

// SignPath computes base64url_no_pad(HMAC_SHA256(key, salt || path)).
func SignPath(cfg *Config, pathAfterSignature string) (string, error) {
	path := strings.TrimSpace(pathAfterSignature)
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path_after_signature must start with '/'")
	}
	mac := hmac.New(sha256.New, cfg.Key)
	mac.Write(cfg.Salt)
	mac.Write([]byte(path))
	return URLSafeB64NoPad(mac.Sum(nil)), nil
}

func isValidExtension(ext string) bool {
	if ext == "" || len(ext) > 10 {
		return false
	}
	for _, c := range ext {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// BuildProcessingPath assembles "/{processing_options}/{chunked_b64_source}.{ext}".
func BuildProcessingPath(processingOptions, sourceURL, extension string, urlChunkSize int) (string, error) {
	processingOptions = strings.Trim(strings.TrimSpace(processingOptions), "/")
	if processingOptions == "" {
		return "", fmt.Errorf("processing_options is required")
	}

	extension = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(extension), "."))
	if !isValidExtension(extension) {
		return "", fmt.Errorf("extension is invalid")
	}

	encoded, err := EncodeSourceURL(sourceURL, urlChunkSize)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/%s/%s.%s", processingOptions, encoded, extension), nil
}

// BuildSignedURL returns the full signed imgproxy URL for sourceURL.
// processingOptions, when empty, falls back to cfg.DefaultOptions.
func BuildSignedURL(cfg *Config, sourceURL, extension, processingOptions string) (string, error) {
	if processingOptions == "" {
		processingOptions = cfg.DefaultOptions
	}
	path, err := BuildProcessingPath(processingOptions, sourceURL, extension, cfg.URLChunkSize)
	if err != nil {
		return "", err
	}
	sig, err := SignPath(cfg, path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s%s", cfg.BaseURL, sig, path), nil
}
