package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/proxyimport"
	"github.com/user/image-random-service/internal/redact"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/secretvault"
	"github.com/user/image-random-service/internal/selector"
	"github.com/user/image-random-service/internal/tokencache"
	"go.uber.org/zap"
)

const (
	JobTypeProxyProbe         = "proxy_probe"
	JobTypeEasyProxiesRefresh = "easy_proxies_refresh"
	JobTypeRequestLogCleanup  = "request_log_cleanup"
	JobTypeHealURL            = "heal_url"
	JobTypeHydrateMetadata    = "hydrate_metadata"
	JobTypeImportURL          = "import_url"
	JobTypeTokenRefresh       = "token_refresh"
)

// probeCheckURL is a stable, low-cost target used to measure proxy latency
// without depending on upstream API availability.
const probeCheckURL = "https://www.pixiv.net/"

// EnqueueProxyProbe enqueues a deduped proxy_probe job. Wire as a SubLoop.Run.
func EnqueueProxyProbe(queue *jobqueue.Queue) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := queue.Enqueue(ctx, JobTypeProxyProbe, nil, 0, "proxy_probe", "all", 1)
		return err
	}
}

// EnqueueEasyProxiesRefresh enqueues a deduped easy_proxies_refresh job.
func EnqueueEasyProxiesRefresh(queue *jobqueue.Queue) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := queue.Enqueue(ctx, JobTypeEasyProxiesRefresh, nil, 0, "easy_proxies_refresh", "all", 1)
		return err
	}
}

// EnqueueRequestLogCleanup enqueues a deduped request_log_cleanup job.
func EnqueueRequestLogCleanup(queue *jobqueue.Queue) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := queue.Enqueue(ctx, JobTypeRequestLogCleanup, nil, 0, "request_log_cleanup", "all", 1)
		return err
	}
}

// EnqueueTokenRefreshSweep enqueues one deduped token_refresh job per
// enabled credential. The jobs do not fill the access-token cache, which
// refreshes on its own when an entry is missing or near expiry.
func EnqueueTokenRefreshSweep(queue *jobqueue.Queue, tokenRepo repository.PixivTokenRepository) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		tokens, err := tokenRepo.FindAllEnabled(ctx)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if _, err := queue.Enqueue(ctx, JobTypeTokenRefresh, nil, 0, "pixiv_token", fmt.Sprintf("%d", t.ID), 3); err != nil {
				return err
			}
		}
		return nil
	}
}

// ProxyProbeHandler dials every enabled proxy endpoint against a stable
// check URL, recording latency and success/failure on each row.
func ProxyProbeHandler(proxyRepo repository.ProxyEndpointRepository, vault *secretvault.Vault, factory *outbound.Factory, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		endpoints, err := proxyRepo.FindAllEnabled(ctx)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		for _, ep := range endpoints {
			probeOne(ctx, proxyRepo, vault, factory, ep, logger)
		}
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

func probeOne(ctx context.Context, proxyRepo repository.ProxyEndpointRepository, vault *secretvault.Vault, factory *outbound.Factory, ep *models.ProxyEndpoint, logger *zap.Logger) {
	proxyURL, err := buildProxyURL(ep, vault)
	if err != nil {
		logger.Warn("proxy probe: build url", zap.Int64("proxy_id", ep.ID), zap.Error(err))
		return
	}

	client, err := factory.Build(outbound.ClientOptions{ProxyURL: proxyURL})
	if err != nil {
		recordProbe(ctx, proxyRepo, ep, false, 0, err, logger)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeCheckURL, nil)
	if err != nil {
		recordProbe(ctx, proxyRepo, ep, false, 0, err, logger)
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	client.CloseIdleConnections()
	if err != nil {
		recordProbe(ctx, proxyRepo, ep, false, latency, err, logger)
		return
	}
	resp.Body.Close()
	recordProbe(ctx, proxyRepo, ep, resp.StatusCode < 500, latency, nil, logger)
}

// recordProbe persists the probe outcome. Counters are read-then-written
// (not a raw SQL increment) since the update map is bound as ordinary
// parameters, matching ProxyEndpointRepository.Update's convention.
func recordProbe(ctx context.Context, proxyRepo repository.ProxyEndpointRepository, ep *models.ProxyEndpoint, ok bool, latency time.Duration, probeErr error, logger *zap.Logger) {
	now := time.Now().UTC()
	updates := map[string]any{}
	if ok {
		ms := int(latency.Milliseconds())
		updates["last_latency_ms"] = ms
		updates["last_ok_at"] = isoTime(now)
		updates["success_count"] = ep.SuccessCount + 1
	} else {
		updates["last_fail_at"] = isoTime(now)
		updates["failure_count"] = ep.FailureCount + 1
		if probeErr != nil {
			updates["last_error"] = probeErr.Error()
		}
	}
	if err := proxyRepo.Update(ctx, ep.ID, updates); err != nil {
		logger.Warn("proxy probe: record result", zap.Int64("proxy_id", ep.ID), zap.Error(err))
	}
}

// easyProxiesSourceKey names the runtime setting holding the provider's
// list URL. Unset means the refresh job is a no-op.
const easyProxiesSourceKey = "easy_proxies.base_url"

// EasyProxiesRefreshHandler pulls the configured provider's proxy list (one
// URI per line) and merges it into the endpoint fleet under the
// easy_proxies source tag, overwriting any existing row with the same
// identity whatever its source.
func EasyProxiesRefreshHandler(settings *runtimesettings.Store, proxyRepo repository.ProxyEndpointRepository, vault *secretvault.Vault, factory *outbound.Factory, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		baseURL := settings.GetString(ctx, easyProxiesSourceKey, "")
		if baseURL == "" {
			logger.Debug("easy_proxies_refresh: no source configured, no-op")
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}

		client, err := factory.Build(outbound.ClientOptions{})
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		defer client.CloseIdleConnections()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "easy_proxies_refresh: bad base_url"}
		}
		resp, err := client.Do(req)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: fmt.Sprintf("easy_proxies_refresh: status %d", resp.StatusCode)}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}

		summary, err := proxyimport.Import(ctx, proxyRepo, vault, string(body), "easy_proxies", proxyimport.PolicyOverwrite)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		logger.Info("easy_proxies_refresh: merged provider list",
			zap.Int("created", summary.Created), zap.Int("updated", summary.Updated),
			zap.Int("skipped", summary.Skipped), zap.Int("errors", len(summary.Errors)))
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

// RequestLogCleanupHandler deletes request_log rows older than retention.
func RequestLogCleanupHandler(logRepo repository.RequestLogRepository, retention time.Duration) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		cutoff := time.Now().UTC().Add(-retention)
		if _, err := logRepo.Delete(ctx, cutoff); err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

func buildProxyURL(ep *models.ProxyEndpoint, vault *secretvault.Vault) (string, error) {
	userinfo := ""
	if ep.Username != "" {
		password := ""
		if len(ep.PasswordEnc) > 0 && vault != nil {
			p, err := vault.Decrypt(ep.PasswordEnc)
			if err != nil {
				return "", fmt.Errorf("decrypt proxy password: %w", err)
			}
			password = p
		}
		userinfo = ep.Username + ":" + password + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", ep.Scheme, userinfo, ep.Host, ep.Port), nil
}

// ImportURLPayload is the enqueue payload for import_url jobs: one source
// page to ingest as a catalog image.
type ImportURLPayload struct {
	URL       string `json:"url"`
	IllustID  int64  `json:"illust_id"`
	PageIndex int    `json:"page_index"`
	Extension string `json:"extension"`
}

// EnqueueImportURL enqueues a single import_url job, deduped on
// (illust_id, page_index).
func EnqueueImportURL(queue *jobqueue.Queue, p ImportURLPayload) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		refID := fmt.Sprintf("%d-%d", p.IllustID, p.PageIndex)
		return queue.Enqueue(ctx, JobTypeImportURL, p, 0, "import", refID, 5)
	}
}

// ImportURLHandler inserts a catalog row for one source URL and records the
// outcome in the import provenance trail.
func ImportURLHandler(imageRepo repository.ImageRepository, importRepo repository.ImportRepository, randFn func() float64) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		var p ImportURLPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "bad payload: " + err.Error()}
		}

		impID, err := importRepo.Insert(ctx, &models.Import{SourceURL: p.URL, Status: "running"})
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}

		if existing, err := imageRepo.FindByIllustPage(ctx, p.IllustID, p.PageIndex); err == nil && existing != nil {
			_ = importRepo.UpdateStatus(ctx, impID, "completed", &existing.ID, nil)
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}

		now := time.Now().UTC()
		img := &models.Image{
			IllustID:    p.IllustID,
			PageIndex:   p.PageIndex,
			Extension:   p.Extension,
			OriginalURL: p.URL,
			ProxyPath:   fmt.Sprintf("/%d-%d.%s", p.IllustID, p.PageIndex, p.Extension),
			RandomKey:   randFn(),
			Status:      models.ImageActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		id, err := imageRepo.Insert(ctx, img)
		if err != nil {
			errMsg := redact.Truncate(redact.Text(err.Error()), 500)
			_ = importRepo.UpdateStatus(ctx, impID, "failed", nil, &errMsg)
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}

		// proxy_path is keyed on the row id, which only exists post-insert.
		if err := imageRepo.Update(ctx, id, map[string]any{
			"proxy_path": fmt.Sprintf("/i/%d.%s", id, p.Extension),
		}); err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}

		_ = importRepo.UpdateStatus(ctx, impID, "completed", &id, nil)
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

// HealURLHandler re-resolves a broken image's original URL from the
// upstream app-API and, on any successful rehydrate, force-transitions the
// image back to active. The status is a liveness signal, not a
// content-change signal: it transitions even when the refreshed URL is
// byte-identical to the one already on file.
func HealURLHandler(imageRepo repository.ImageRepository, resolver URLResolver, logger *zap.Logger) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		if job.RefID == nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "heal_url: missing ref_id"}
		}
		illustID, err := parseInt64(*job.RefID)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "heal_url: bad ref_id"}
		}

		img, err := imageRepo.FindByIllustPage(ctx, illustID, 0)
		if err != nil || img == nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "heal_url: image not found"}
		}

		freshURL, err := resolver.ResolveOriginalURL(ctx, illustID, img.PageIndex)
		if err != nil {
			logger.Info("heal_url: rehydrate failed, leaving image broken",
				zap.Int64("illust_id", illustID), zap.Error(err))
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}

		updates := map[string]any{
			"status":       int(models.ImageActive),
			"original_url": freshURL,
			"fail_count":   0,
		}
		if err := imageRepo.Update(ctx, img.ID, updates); err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

// URLResolver re-derives an image's upstream original URL from the
// upstream app-API, used by HealURLHandler. Deliberately minimal: parsing
// the full upstream illustration payload is out of scope, a resolver only
// needs to return the current source URL for one (illust_id, page_index).
type URLResolver interface {
	ResolveOriginalURL(ctx context.Context, illustID int64, pageIndex int) (string, error)
}

// illustMetadata is the minimal slice of the upstream app-API's illustration
// payload this service hydrates onto a catalog row. Parsing the full
// upstream schema is explicitly out of scope; this shape covers the fields
// models.Image.HasCompleteMetadata checks for plus the taxonomy columns and
// tags applyHydration writes.
type illustMetadata struct {
	Width      *int    `json:"width"`
	Height     *int    `json:"height"`
	XRestrict  *int    `json:"x_restrict"`
	AIType     *int    `json:"illust_ai_type"`
	Type       *int    `json:"type"`
	Title      *string `json:"title"`
	CreateDate *string `json:"create_date"`
	User       *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

// MetadataFetcher fetches one illustration's metadata from the upstream
// app-API using an already-resolved credential+proxy client.
type MetadataFetcher func(ctx context.Context, client *http.Client, accessToken string, illustID int64) (*illustMetadata, error)

// HydrateMetadataHandler opportunistically fills missing geometry/taxonomy
// on catalog rows. Picks a credential via the selector, resolves its bound
// proxy, borrows an access token from the cache, and calls fetch. Three
// driving shapes share it: an opportunistic job whose ref_id names one
// illust_id, a batch job referencing a hydration_runs row (its outcome is
// stamped back onto the run), and a bare sweep over
// ImageRepository.ListNeedingHydration.
func HydrateMetadataHandler(
	imageRepo repository.ImageRepository,
	tagRepo repository.TagRepository,
	tokenRepo repository.PixivTokenRepository,
	bindingRepo repository.TokenProxyBindingRepository,
	proxyRepo repository.ProxyEndpointRepository,
	proxyPoolID int64,
	vault *secretvault.Vault,
	sel *selector.Selector,
	cache *tokencache.Cache,
	factory *outbound.Factory,
	runRepo repository.HydrationRunRepository,
	fetch MetadataFetcher,
	logger *zap.Logger,
) Handler {
	const batchSize = 20

	return func(ctx context.Context, job *jobqueue.Job) Result {
		var targets []*models.Image
		var runID int64

		switch {
		case job.RefType != nil && *job.RefType == "hydration_run":
			id, err := parseInt64(stringOr(job.RefID))
			if err != nil {
				return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "hydrate_metadata: bad hydration_run ref_id"}
			}
			run, err := runRepo.FindByID(ctx, id)
			if err != nil {
				return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
			}
			if run == nil {
				return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "hydrate_metadata: hydration run not found"}
			}
			runID = run.ID
			batch, err := imageRepo.ListNeedingHydration(ctx, batchSize)
			if err != nil {
				return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
			}
			targets = batch

		case job.RefID != nil:
			illustID, err := parseInt64(*job.RefID)
			if err != nil {
				return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "hydrate_metadata: bad ref_id"}
			}
			img, err := imageRepo.FindByIllustPage(ctx, illustID, 0)
			if err != nil || img == nil {
				return Result{Outcome: jobqueue.OutcomeSuccess}
			}
			if img.HasCompleteMetadata() {
				return Result{Outcome: jobqueue.OutcomeSuccess}
			}
			targets = []*models.Image{img}

		default:
			batch, err := imageRepo.ListNeedingHydration(ctx, batchSize)
			if err != nil {
				return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
			}
			targets = batch
		}
		if len(targets) == 0 {
			if runID != 0 {
				_ = runRepo.Finish(ctx, runID, "completed", `{"hydrated":0,"failed":0}`)
			}
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}

		tokens, err := tokenRepo.FindAllEnabled(ctx)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		if len(tokens) == 0 {
			if runID != 0 {
				_ = runRepo.Finish(ctx, runID, "completed", `{"hydrated":0,"failed":0,"reason":"no enabled credentials"}`)
			}
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}

		now := time.Now().UTC()
		candidates := make([]selector.TokenCandidate, len(tokens))
		byID := make(map[int64]*models.PixivToken, len(tokens))
		for i, t := range tokens {
			candidates[i] = selector.TokenCandidate{ID: t.ID, Enabled: t.Enabled, Weight: t.Weight, ErrorCount: t.ErrorCount, BackoffUntil: t.BackoffUntil}
			byID[t.ID] = t
		}
		tokenID, err := sel.Pick(candidates, now, selector.StrategyLeastError, -1)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeSuccess}
		}
		token := byID[tokenID]

		client, _, err := buildClientForToken(ctx, token, bindingRepo, proxyRepo, proxyPoolID, vault, factory, now)
		if err != nil {
			logger.Warn("hydrate_metadata: build client", zap.Error(err))
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}
		defer client.CloseIdleConnections()

		accessToken, err := cache.Get(fmt.Sprintf("pixiv_token:%d", token.ID), now)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: err.Error()}
		}

		hydrated, failed := 0, 0
		for _, img := range targets {
			meta, err := fetch(ctx, client, accessToken, img.IllustID)
			if err != nil {
				failed++
				if isAuthStatusErr(err) {
					cache.Invalidate(fmt.Sprintf("pixiv_token:%d", token.ID))
				}
				logger.Info("hydrate_metadata: fetch failed", zap.Int64("illust_id", img.IllustID), zap.Error(err))
				continue
			}
			applyHydration(ctx, imageRepo, tagRepo, img, meta, logger)
			hydrated++
		}
		if runID != 0 {
			summary := fmt.Sprintf(`{"hydrated":%d,"failed":%d}`, hydrated, failed)
			_ = runRepo.Finish(ctx, runID, "completed", summary)
		}
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

// StartHydrationRun records a hydration_runs row and enqueues its driving
// batch job, deduped on the run id.
func StartHydrationRun(ctx context.Context, runRepo repository.HydrationRunRepository, queue *jobqueue.Queue, label string) (int64, error) {
	runID, err := runRepo.Insert(ctx, label)
	if err != nil {
		return 0, err
	}
	_, err = queue.Enqueue(ctx, JobTypeHydrateMetadata, nil, 0, "hydration_run", fmt.Sprintf("%d", runID), 3)
	if err != nil {
		return 0, err
	}
	return runID, nil
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func applyHydration(ctx context.Context, imageRepo repository.ImageRepository, tagRepo repository.TagRepository, img *models.Image, meta *illustMetadata, logger *zap.Logger) {
	updates := map[string]any{}
	if meta.Width != nil {
		updates["width"] = *meta.Width
	}
	if meta.Height != nil {
		updates["height"] = *meta.Height
	}
	if meta.Width != nil && meta.Height != nil && *meta.Height > 0 {
		ratio := float64(*meta.Width) / float64(*meta.Height)
		updates["aspect_ratio"] = ratio
		switch {
		case ratio > 1.05:
			updates["orientation"] = int(models.OrientationLandscape)
		case ratio < 0.95:
			updates["orientation"] = int(models.OrientationPortrait)
		default:
			updates["orientation"] = int(models.OrientationSquare)
		}
	}
	if meta.XRestrict != nil {
		updates["x_restrict"] = *meta.XRestrict
	}
	if meta.AIType != nil {
		updates["ai_type"] = *meta.AIType
	}
	if meta.Type != nil {
		updates["illust_type"] = *meta.Type
	}
	if meta.Title != nil {
		updates["title"] = *meta.Title
	}
	if meta.CreateDate != nil {
		updates["created_at_pixiv"] = *meta.CreateDate
	}
	if meta.User != nil {
		updates["user_id"] = meta.User.ID
		updates["user_name"] = meta.User.Name
	}
	if len(updates) > 0 {
		if err := imageRepo.Update(ctx, img.ID, updates); err != nil {
			logger.Warn("hydrate_metadata: update image", zap.Int64("image_id", img.ID), zap.Error(err))
		}
	}
	for _, t := range meta.Tags {
		if t.Name == "" {
			continue
		}
		tagID, err := tagRepo.FindOrCreate(ctx, t.Name)
		if err != nil {
			continue
		}
		_ = tagRepo.AttachToImage(ctx, img.ID, tagID)
	}
}

// buildClientForToken resolves token's bound proxy (primary or live
// override) and returns an http.Client routed through it.
func buildClientForToken(ctx context.Context, token *models.PixivToken, bindingRepo repository.TokenProxyBindingRepository, proxyRepo repository.ProxyEndpointRepository, poolID int64, vault *secretvault.Vault, factory *outbound.Factory, now time.Time) (*http.Client, string, error) {
	binding, err := bindingRepo.FindByTokenAndPool(ctx, token.ID, poolID)
	proxyURL := ""
	if err == nil && binding != nil {
		b := selector.Binding{PrimaryProxyID: binding.PrimaryProxyID, OverrideProxyID: binding.OverrideProxyID, OverrideExpiresAt: binding.OverrideExpiresAt}
		effID := b.EffectiveProxyID(now)
		if effID != 0 {
			if ep, err := proxyRepo.FindByID(ctx, effID); err == nil && ep != nil && ep.Enabled {
				if u, err := buildProxyURL(ep, vault); err == nil {
					proxyURL = u
				}
			}
		}
	}
	client, err := factory.Build(outbound.ClientOptions{ProxyURL: proxyURL})
	if err != nil {
		return nil, "", err
	}
	return client, proxyURL, nil
}

// TokenRefreshHandler runs one pixiv OAuth credential's refresh and clears
// its backoff on success, or escalates it on the auth-class two-track
// schedule on a 400/401/403. The access token the refresh returns is
// discarded, not stored in the token cache.
func TokenRefreshHandler(tokenRepo repository.PixivTokenRepository, vault *secretvault.Vault, refresh func(refreshToken string) (accessToken string, expiresIn time.Duration, authFailure bool, err error)) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		if job.RefID == nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "token_refresh: missing ref_id"}
		}
		tokenID, err := parseInt64(*job.RefID)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "token_refresh: bad ref_id"}
		}
		tok, err := tokenRepo.FindByID(ctx, tokenID)
		if err != nil || tok == nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "token_refresh: token not found"}
		}
		refreshToken, err := vault.Decrypt(tok.RefreshTokenEnc)
		if err != nil {
			return Result{Outcome: jobqueue.OutcomePermanentFailure, Error: "token_refresh: decrypt: " + err.Error()}
		}

		_, _, authFailure, err := refresh(refreshToken)
		now := time.Now().UTC()
		if err != nil {
			backoff := now.Add(time.Duration(selector.TokenRefreshBackoffSeconds(job.Attempt+1, authFailure)) * time.Second)
			_ = tokenRepo.Update(ctx, tok.ID, map[string]any{
				"error_count":   tok.ErrorCount + 1,
				"backoff_until": isoTime(backoff),
				"last_fail_at":  isoTime(now),
			})
			msg := redact.Truncate(redact.Text(err.Error()), 500)
			return Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: msg, DeferRunAfter: &backoff}
		}

		_ = tokenRepo.Update(ctx, tok.ID, map[string]any{
			"error_count":   0,
			"backoff_until": nil,
			"last_ok_at":    isoTime(now),
		})
		return Result{Outcome: jobqueue.OutcomeSuccess}
	}
}

// isAuthStatusErr matches the app-API's credential-rejection statuses,
// which invalidate the cached access token for the credential in use.
func isAuthStatusErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "status 400") ||
		strings.Contains(msg, "status 401") ||
		strings.Contains(msg, "status 403")
}

// isoTime renders a timestamp in the TEXT column layout shared with the
// job queue and repositories.
func isoTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000Z") }

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
