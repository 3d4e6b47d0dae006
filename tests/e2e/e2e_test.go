package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/image-random-service/internal/authjwt"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/worker"
	"github.com/user/image-random-service/tests/testutil"
)

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m), "body: %s", body)
	return resp.StatusCode, m
}

func postJSON(t *testing.T, url string, payload any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &m), "body: %s", body)
	}
	return resp, m
}

func TestImportThenRandom(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{})
	app.StartWorker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		illustID := int64(12345670 + i)
		url := fmt.Sprintf("https://i.pximg.net/img-original/img/2023/01/01/00/00/00/%d_p0.jpg", illustID)
		_, err := worker.EnqueueImportURL(app.Queue, worker.ImportURLPayload{
			URL: url, IllustID: illustID, PageIndex: 0, Extension: "jpg",
		})(ctx)
		require.NoError(t, err)
	}

	app.WaitForQueueDrain(t, 5*time.Second)

	status, body := getJSON(t, app.Server.URL+"/random?format=json&attempts=1&r18_strict=0")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])
	data := body["data"].(map[string]any)
	image := data["image"].(map[string]any)
	require.IsType(t, float64(0), image["id"])

	status, body = getJSON(t, app.Server.URL+"/random?format=json&attempts=1&r18_strict=0&min_width=999999")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "NO_MATCH", body["code"])
	require.Contains(t, body["request_id"], "req_")
}

func TestServeBytesByIllustIdentity(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("img-bytes"))
	}))
	defer upstream.Close()

	testutil.InsertImage(t, app.DB, testutil.ImageFixture{
		IllustID:    123,
		PageIndex:   0,
		Extension:   "jpg",
		OriginalURL: upstream.URL + "/origin.jpg",
		RandomKey:   0.5,
	})

	resp, err := http.Get(app.Server.URL + "/123.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "img-bytes", string(body))
	require.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))

	status, errBody := getJSON(t, app.Server.URL+"/123.png")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", errBody["code"])
}

func TestRandomAttemptsAndFailCooldown(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{})
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad.jpg") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("img-bytes-good"))
	}))
	defer upstream.Close()

	bad := testutil.InsertImage(t, app.DB, testutil.ImageFixture{
		IllustID: 1001, Extension: "jpg", OriginalURL: upstream.URL + "/bad.jpg", RandomKey: 0.2,
	})
	testutil.InsertImage(t, app.DB, testutil.ImageFixture{
		IllustID: 1002, Extension: "jpg", OriginalURL: upstream.URL + "/good.jpg", RandomKey: 0.7,
	})

	// With attempts=2 and a live cooldown, a bad first pick retries onto
	// the good image, so every response carries the good bytes. Enough
	// iterations make a bad-first pick a near-certainty at least once.
	for i := 0; i < 30; i++ {
		resp, err := http.Get(app.Server.URL + "/random?attempts=2&fail_cooldown_ms=60000")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "img-bytes-good", string(body))
	}

	refreshed, err := app.ImageRepo.FindByID(ctx, bad.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, refreshed.FailCount, 1)
	require.NotNil(t, refreshed.LastFailAt)
	// a 404 from upstream marks the image broken and schedules a heal
	require.Equal(t, models.ImageBroken, refreshed.Status)

	counts, err := app.Queue.StatusCounts(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, counts[jobqueue.StatusPending], 1)

	// Within the cooldown a single-attempt request cannot land on the
	// failed image anymore.
	resp, err := http.Get(app.Server.URL + "/random?attempts=1&fail_cooldown_ms=60000")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "img-bytes-good", string(body))
}

func TestAdminJWTLoginLogout(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{
		AdminUsername: "admin",
		AdminPassword: "pass_test",
		Secret:        "secret_test",
	})

	resp, body := postJSON(t, app.Server.URL+"/admin/api/login",
		map[string]string{"username": "admin", "password": "pass_test"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	// valid bearer
	resp, body = postJSON(t, app.Server.URL+"/admin/api/logout", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])

	// missing bearer
	resp, body = postJSON(t, app.Server.URL+"/admin/api/logout", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "UNAUTHORIZED", body["code"])

	// well-formed token for the wrong subject
	other := authjwt.NewIssuer("secret_test", authjwt.DefaultTTL)
	wrongSubject, err := other.Issue("bob", time.Now())
	require.NoError(t, err)
	resp, body = postJSON(t, app.Server.URL+"/admin/api/logout", nil,
		map[string]string{"Authorization": "Bearer " + wrongSubject})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "FORBIDDEN", body["code"])

	// wrong password never yields a token
	resp, body = postJSON(t, app.Server.URL+"/admin/api/login",
		map[string]string{"username": "admin", "password": "nope"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "UNAUTHORIZED", body["code"])
}

func TestHealthVersionAndCatalogListing(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{})
	app.StartWorker(t)

	require.Eventually(t, func() bool {
		status, body := getJSON(t, app.Server.URL+"/healthz")
		if status != http.StatusOK {
			return false
		}
		return body["db_ok"] == true && body["worker_ok"] == true
	}, 3*time.Second, 50*time.Millisecond)

	status, body := getJSON(t, app.Server.URL+"/version")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "version")

	testutil.InsertImage(t, app.DB, testutil.ImageFixture{
		IllustID: 555, Extension: "png", OriginalURL: "https://example.test/555.png", RandomKey: 0.1,
	})

	status, body = getJSON(t, app.Server.URL+"/images")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])
	require.Len(t, body["data"], 1)

	status, body = getJSON(t, app.Server.URL+"/tags")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])

	// metrics is admin-gated
	resp, err := http.Get(app.Server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestIDEchoedOnEveryResponse(t *testing.T) {
	app := testutil.NewApp(t, testutil.AppConfig{})

	resp, err := http.Get(app.Server.URL + "/version")
	require.NoError(t, err)
	resp.Body.Close()
	require.True(t, strings.HasPrefix(resp.Header.Get("X-Request-Id"), "req_"))

	req, err := http.NewRequest(http.MethodGet, app.Server.URL+"/version", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req_0123456789abcdef")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "req_0123456789abcdef", resp.Header.Get("X-Request-Id"))
}
