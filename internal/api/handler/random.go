package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/imgproxy"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/randompick"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/secretvault"
	"github.com/user/image-random-service/internal/selector"
	"github.com/user/image-random-service/internal/stats"
	"github.com/user/image-random-service/internal/streamfetch"
	"github.com/user/image-random-service/internal/worker"
)

const upstreamReferer = "https://www.pixiv.net/"

// RandomDeps wires every collaborator the public /random handler composes:
// the random-pick engine, the credential+proxy selector, the streaming
// fetcher, and the job queue for the opportunistic hydrate / heal_url side
// effects.
type RandomDeps struct {
	Engine      *randompick.Engine
	ImageRepo   repository.ImageRepository
	TagRepo     repository.TagRepository
	TokenRepo   repository.PixivTokenRepository
	BindingRepo repository.TokenProxyBindingRepository
	ProxyRepo   repository.ProxyEndpointRepository
	PoolRepo    repository.ProxyPoolRepository
	ProxyPoolID int64

	Vault    *secretvault.Vault
	Selector *selector.Selector
	Factory  *outbound.Factory
	Fetcher  *streamfetch.Fetcher
	Queue    *jobqueue.Queue
	Settings *runtimesettings.Store
	Imgproxy *imgproxy.Config // nil if signing is not configured
	Stats    *stats.Stats
	Logger   *zap.Logger
	Dedup    *randompick.Dedup // optional in-process LRU penalizing recent repeats

	PixivConfigured bool
}

// RandomHandler builds the GET /random handler.
func RandomHandler(deps *RandomDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		now := time.Now()
		finish := deps.Stats.BeginRequest()

		filters, opts, format, redirect, attempts, strategySource, err := parseRandomQuery(c, ctx, deps.Settings)
		if err != nil {
			finish(stats.ResultError)
			writeAppError(c, err)
			return
		}
		opts.Dedup = deps.Dedup

		pick, pickErr := deps.Engine.Pick(ctx, filters, now, opts)
		if pickErr != nil {
			finish(stats.ResultNoMatch)
			writeNoMatch(c, filters)
			return
		}
		if deps.Dedup != nil {
			deps.Dedup.Observe(pick.Image, now)
		}

		if format == "json" || format == "simple_json" {
			deps.maybeEnqueueHydrate(ctx, pick.Image, true)
			finish(stats.ResultOK)
			writeRandomJSON(c, deps, pick, format, strategySource)
			return
		}

		if redirect {
			c.Header("Cache-Control", "no-store")
			deps.maybeEnqueueHydrate(ctx, pick.Image, false)
			finish(stats.ResultOK)
			c.Redirect(http.StatusFound, pick.Image.ProxyPath)
			return
		}

		deps.streamWithRetries(c, pick.Image, filters, opts, attempts, now, finish)
	}
}

func (deps *RandomDeps) streamWithRetries(c *gin.Context, img *models.Image, filters randompick.Filters, opts randompick.PickOptions, attempts int, now time.Time, finish func(stats.Result)) {
	ctx := c.Request.Context()
	var lastErr *apperror.Error

	for attempt := 1; attempt <= attempts; attempt++ {
		res := deps.resolveProxy(ctx, now)

		resp, err := deps.Fetcher.Stream(ctx, streamfetch.Request{
			URL:      img.OriginalURL,
			ProxyURL: res.URL,
			Referer:  upstreamReferer,
			Range:    c.GetHeader("Range"),
		})
		if err == nil {
			defer resp.Close()
			if resp.ContentType != "" {
				c.Header("Content-Type", resp.ContentType)
			}
			if resp.ContentLength != "" {
				c.Header("Content-Length", resp.ContentLength)
			}
			if resp.AcceptRanges != "" {
				c.Header("Accept-Ranges", resp.AcceptRanges)
			}
			if resp.ContentRange != "" {
				c.Header("Content-Range", resp.ContentRange)
			}
			c.Header("Cache-Control", "public, max-age=31536000, immutable")
			c.Status(resp.StatusCode)
			io.Copy(c.Writer, resp.Body)

			deps.recordServeOK(ctx, img, now)
			deps.maybeEnqueueHydrate(ctx, img, false)
			finish(stats.ResultOK)
			return
		}

		appErr, ok := err.(*apperror.Error)
		if !ok {
			appErr = apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, err.Error())
		}
		lastErr = appErr
		deps.recordServeFailure(ctx, img, appErr, res, now)

		if attempt < attempts {
			nextPick, pickErr := deps.Engine.Pick(ctx, filters, now, opts)
			if pickErr != nil {
				break
			}
			if deps.Dedup != nil {
				deps.Dedup.Observe(nextPick.Image, now)
			}
			img = nextPick.Image
		}
	}

	finish(stats.ResultError)
	if lastErr == nil {
		lastErr = apperror.New(apperror.CodeUpstreamStream, http.StatusBadGateway, "upstream request failed after attempts.")
	}
	writeAppError(c, lastErr)
}

// proxyResolution is what resolveProxy picked for one streaming attempt,
// carried forward so a later classified failure can install an override on
// the exact binding without re-querying it.
type proxyResolution struct {
	URL            string
	TokenID        int64
	BindingID      int64
	PoolID         int64
	PrimaryProxyID int64
}

// resolveProxy picks an eligible credential via the selector and resolves
// its bound proxy in the default pool, falling back to a direct connection
// (empty proxyURL) if no credential, binding, or enabled endpoint is
// available — the streaming path must not hard-fail just because the
// credential/proxy fleet is empty in a minimal deployment.
func (deps *RandomDeps) resolveProxy(ctx context.Context, now time.Time) proxyResolution {
	tokens, err := deps.TokenRepo.FindAllEnabled(ctx)
	if err != nil || len(tokens) == 0 {
		return proxyResolution{}
	}

	candidates := make([]selector.TokenCandidate, 0, len(tokens))
	for _, t := range tokens {
		candidates = append(candidates, selector.TokenCandidate{
			ID: t.ID, Enabled: t.Enabled, Weight: t.Weight,
			ErrorCount: t.ErrorCount, BackoffUntil: t.BackoffUntil,
		})
	}
	tokenID, err := deps.Selector.Pick(candidates, now, selector.StrategyLeastError, 0)
	if err != nil {
		return proxyResolution{}
	}

	binding, err := deps.BindingRepo.FindByTokenAndPool(ctx, tokenID, deps.ProxyPoolID)
	if err != nil || binding == nil {
		return proxyResolution{TokenID: tokenID}
	}
	res := proxyResolution{
		TokenID: tokenID, BindingID: binding.ID,
		PoolID: binding.PoolID, PrimaryProxyID: binding.PrimaryProxyID,
	}

	proxyID := binding.EffectiveProxyID(now)
	ep, err := deps.ProxyRepo.FindByID(ctx, proxyID)
	if err != nil || ep == nil || !ep.Enabled {
		return res
	}
	if ep.BlacklistedUntil != nil && now.Before(*ep.BlacklistedUntil) {
		return res
	}

	url, err := buildProxyURL(ep, deps.Vault)
	if err != nil {
		return res
	}
	res.URL = url
	return res
}

func buildProxyURL(ep *models.ProxyEndpoint, vault *secretvault.Vault) (string, error) {
	userinfo := ""
	if ep.Username != "" {
		password := ""
		if len(ep.PasswordEnc) > 0 && vault != nil {
			p, err := vault.Decrypt(ep.PasswordEnc)
			if err != nil {
				return "", err
			}
			password = p
		}
		userinfo = ep.Username + ":" + password + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", ep.Scheme, userinfo, ep.Host, ep.Port), nil
}

// recordServeOK stamps a successful serve so the catalog records when the
// upstream URL was last known good.
func (deps *RandomDeps) recordServeOK(ctx context.Context, img *models.Image, now time.Time) {
	_ = deps.ImageRepo.Update(ctx, img.ID, map[string]any{
		"last_ok_at": now.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// recordServeFailure stamps the image's fail counters, decides the
// credential/proxy recovery action for a classified proxy or rate-limit
// failure, and transitions broken images to status=3 with a deduped
// heal_url job.
func (deps *RandomDeps) recordServeFailure(ctx context.Context, img *models.Image, appErr *apperror.Error, res proxyResolution, now time.Time) {
	updates := map[string]any{
		"fail_count":      img.FailCount + 1,
		"last_fail_at":    now.UTC().Format("2006-01-02T15:04:05.000Z"),
		"last_error_code": string(appErr.Code),
		"last_error_msg":  appErr.Message,
	}

	switch appErr.Code {
	case apperror.CodeUpstream404, apperror.CodeUpstream403:
		updates["status"] = int(models.ImageBroken)
		illustID := fmt.Sprintf("%d", img.IllustID)
		_, _ = deps.Queue.Enqueue(ctx, worker.JobTypeHealURL, nil, 5, "broken_image", illustID, 3)
	case apperror.CodeProxyAuthFailed, apperror.CodeProxyConnectFail:
		deps.installProxyOverride(ctx, res, appErr.Code, now)
	case apperror.CodeUpstreamRate:
		deps.bumpCredentialBackoff(ctx, res.TokenID, now)
	}

	_ = deps.ImageRepo.Update(ctx, img.ID, updates)
}

func (deps *RandomDeps) installProxyOverride(ctx context.Context, res proxyResolution, code apperror.Code, now time.Time) {
	if res.BindingID == 0 {
		return
	}
	kind := selector.ErrorKindProxyConnect
	if code == apperror.CodeProxyAuthFailed {
		kind = selector.ErrorKindProxyAuth
	}
	action := selector.DecideRecovery(kind, 1, 1)
	if !action.InstallOverride {
		return
	}

	alt, err := deps.pickAlternateProxy(ctx, res.PoolID, res.PrimaryProxyID)
	if err != nil || alt == nil {
		return
	}
	expiresAt := now.Add(time.Duration(action.OverrideTTLSeconds) * time.Second)
	_ = deps.BindingRepo.InstallOverride(ctx, res.BindingID, alt.ID, expiresAt)
}

func (deps *RandomDeps) pickAlternateProxy(ctx context.Context, poolID, excludeID int64) (*models.ProxyEndpoint, error) {
	members, err := deps.PoolRepo.ListMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if !m.Enabled || m.EndpointID == excludeID {
			continue
		}
		ep, err := deps.ProxyRepo.FindByID(ctx, m.EndpointID)
		if err == nil && ep != nil && ep.Enabled {
			return ep, nil
		}
	}
	return nil, nil
}

func (deps *RandomDeps) bumpCredentialBackoff(ctx context.Context, tokenID int64, now time.Time) {
	if tokenID == 0 {
		return
	}
	action := selector.DecideRecovery(selector.ErrorKindPixivRateLimit, 1, 1)
	token, err := deps.TokenRepo.FindByID(ctx, tokenID)
	if err != nil || token == nil {
		return
	}
	backoffUntil := now.Add(time.Duration(action.CredentialBackoffSeconds) * time.Second)
	_ = deps.TokenRepo.Update(ctx, tokenID, map[string]any{
		"error_count":   token.ErrorCount + 1,
		"backoff_until": backoffUntil.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// maybeEnqueueHydrate enqueues an opportunistic hydrate_metadata job:
// always on a successful JSON response, or on a successful serve when the
// image still has incomplete metadata. Guarded on OAuth credentials being
// configured, since hydrate calls the app-API.
func (deps *RandomDeps) maybeEnqueueHydrate(ctx context.Context, img *models.Image, jsonFormat bool) {
	if !deps.PixivConfigured {
		return
	}
	if !jsonFormat && img.HasCompleteMetadata() {
		return
	}
	illustID := fmt.Sprintf("%d", img.IllustID)
	_, _ = deps.Queue.Enqueue(ctx, worker.JobTypeHydrateMetadata, nil, -10, "opportunistic_hydrate", illustID, 3)
}

type randomDebug struct {
	StrategyUsed   string `json:"strategy_used"`
	StrategySource string `json:"strategy_source"`
	CandidateCount int    `json:"candidate_count"`
}

func writeRandomJSON(c *gin.Context, deps *RandomDeps, pick *randompick.PickResult, format, strategySource string) {
	ctx := c.Request.Context()
	tags, _ := deps.TagRepo.ListForImage(ctx, pick.Image.ID)

	body := gin.H{
		"ok": true,
		"data": gin.H{
			"image": pick.Image,
			"tags":  tags,
		},
		"debug": randomDebug{
			StrategyUsed:   string(pick.StrategyUsed),
			StrategySource: strategySource,
			CandidateCount: pick.CandidateCount,
		},
		"request_id": requestID(c),
	}

	if deps.Imgproxy != nil {
		sourceURL := publicBaseURL(c) + pick.Image.ProxyPath
		signed, err := imgproxy.BuildSignedURL(deps.Imgproxy, sourceURL, pick.Image.Extension, "")
		if err == nil {
			body["data"].(gin.H)["imgproxy_url"] = signed
		}
	}

	if format == "simple_json" {
		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"id":         pick.Image.ID,
			"proxy_path": pick.Image.ProxyPath,
			"request_id": requestID(c),
		})
		return
	}

	c.JSON(http.StatusOK, body)
}

func publicBaseURL(c *gin.Context) string {
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host
}

func writeNoMatch(c *gin.Context, f randompick.Filters) {
	hints := []string{"尝试放宽筛选条件（降低最小分辨率/热度阈值，或减少标签限制）"}
	err := apperror.New(apperror.CodeNoMatch, http.StatusNotFound, "").WithDetails(map[string]any{
		"hints":   hints,
		"filters": f,
	})
	writeAppError(c, err)
}

// parseRandomQuery parses the /random query string into the engine's
// Filters + PickOptions plus the handler-level format/redirect/attempts
// knobs, applying runtime-settings overrides of the built-in defaults
// where the caller omits a query param.
func parseRandomQuery(c *gin.Context, ctx context.Context, settings *runtimesettings.Store) (randompick.Filters, randompick.PickOptions, string, bool, int, string, *apperror.Error) {
	q := c.Request.URL.Query()

	r18 := randompick.R18SafeOnly
	if v := q.Get("r18"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			return randompick.Filters{}, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported r18")
		}
		r18 = randompick.R18(n)
	}

	r18Strict := settings.GetInt(ctx, "random.r18_strict_default", 0) == 1
	if v := q.Get("r18_strict"); v != "" {
		r18Strict = v == "1" || strings.EqualFold(v, "true")
	}

	filters := randompick.Filters{
		R18:       r18,
		R18Strict: r18Strict,
	}

	if v := q.Get("orientation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filters, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported orientation")
		}
		filters.Orientation = &n
	}
	if v := q.Get("ai_type"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filters, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported ai_type")
		}
		filters.AIType = &n
	}
	if v := q.Get("illust_type"); v != "" {
		n, ok := illustTypeFromQuery(v)
		if !ok {
			return filters, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported type")
		}
		filters.IllustType = &n
	}
	filters.MinWidth = parseOptionalInt(q, "min_width")
	filters.MinHeight = parseOptionalInt(q, "min_height")
	filters.MinPixels = parseOptionalInt(q, "min_pixels")
	filters.MinBookmarks = parseOptionalInt(q, "min_bookmarks")
	filters.MinViews = parseOptionalInt(q, "min_views")
	filters.MinComments = parseOptionalInt(q, "min_comments")
	filters.UserID = parseOptionalInt64(q, "user_id")
	filters.IllustID = parseOptionalInt64(q, "illust_id")
	if v := q.Get("created_from"); v != "" {
		filters.CreatedFrom = &v
	}
	if v := q.Get("created_to"); v != "" {
		filters.CreatedTo = &v
	}
	if v := q.Get("tags"); v != "" {
		filters.IncludedTags = strings.Split(v, ",")
	}
	if v := q.Get("exclude_tags"); v != "" {
		filters.ExcludedTags = strings.Split(v, ",")
	}

	filters.FailCooldownMs = int64(settings.GetInt(ctx, "random.fail_cooldown_ms_default", 0))
	if v := q.Get("fail_cooldown_ms"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filters, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported fail_cooldown_ms")
		}
		filters.FailCooldownMs = n
	}

	if err := filters.Validate(); err != nil {
		return filters, randompick.PickOptions{}, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "too many tag filters")
	}

	strategyName := settings.GetString(ctx, "random.strategy_default", "default")
	strategySource := "runtime"
	if v := q.Get("strategy"); v != "" {
		strategyName = v
		strategySource = "query"
	}
	strategy := randompick.StrategyDefault
	if strategyName == "quality" {
		strategy = randompick.StrategyQuality
	}

	opts := randompick.PickOptions{
		Strategy: strategy,
		R:        -1,
		Quality:  randompick.DefaultQualityOptions(),
	}
	if v := q.Get("seed"); v != "" {
		opts.Seed = v
	}
	if v := q.Get("quality_samples"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Quality.Samples = n
		}
	} else if n := settings.GetInt(ctx, "random.quality_samples_default", 0); n > 0 {
		opts.Quality.Samples = n
	}

	format := "binary"
	if v := q.Get("format"); v != "" {
		if v != "binary" && v != "json" && v != "simple_json" {
			return filters, opts, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported format")
		}
		format = v
	}

	redirect := false
	if v := q.Get("redirect"); v != "" {
		if v != "0" && v != "1" {
			return filters, opts, "", false, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported redirect")
		}
		redirect = v == "1"
	}

	attempts := settings.GetInt(ctx, "random.attempts_default", 1)
	if attempts < 1 {
		attempts = 1
	}
	if v := q.Get("attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filters, opts, format, redirect, 0, "", apperror.New(apperror.CodeBadRequest, 400, "unsupported attempts")
		}
		attempts = n
	}

	return filters, opts, format, redirect, attempts, strategySource, nil
}

func illustTypeFromQuery(v string) (int, bool) {
	switch strings.ToLower(v) {
	case "0", "illust":
		return int(models.IllustTypeIllust), true
	case "1", "manga":
		return int(models.IllustTypeManga), true
	case "2", "ugoira":
		return int(models.IllustTypeUgoira), true
	default:
		return 0, false
	}
}

func parseOptionalInt(q map[string][]string, key string) *int {
	v := firstOr(q, key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func parseOptionalInt64(q map[string][]string, key string) *int64 {
	v := firstOr(q, key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func firstOr(q map[string][]string, key string) string {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return ""
	}
	return vs[0]
}
