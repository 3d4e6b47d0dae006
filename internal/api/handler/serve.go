package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/streamfetch"
)

// ServeDeps wires the collaborators the serve-by-identity handlers share
// with RandomDeps, minus the pick engine and stats, since these routes
// address one exact image.
type ServeDeps struct {
	ImageRepo repository.ImageRepository
	Random    *RandomDeps // reused for proxy resolution / fail-stamping / hydrate
}

// ServeByImageID handles GET /i/:idext, where idext is "{image_id}.{ext}".
func ServeByImageID(deps *ServeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("idext")
		idPart, ext, ok := splitExt(raw)
		if !ok {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}

		ctx := c.Request.Context()
		img, err := deps.ImageRepo.FindByID(ctx, id)
		if err != nil || img == nil || img.Status != models.ImageActive {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}
		if !strings.EqualFold(img.Extension, ext) {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}

		deps.stream(c, img)
	}
}

// ServeByIllustID handles GET /:idext, where idext is
// "{illust_id}.{ext}" (page 0) or "{illust_id}-{page}.{ext}" (1-based page).
func ServeByIllustID(deps *ServeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("idext")
		idPart, ext, ok := splitExt(raw)
		if !ok {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}

		illustPart := idPart
		pageIndex := 0
		if dash := strings.IndexByte(idPart, '-'); dash >= 0 {
			illustPart = idPart[:dash]
			pageOneBased, err := strconv.Atoi(idPart[dash+1:])
			if err != nil || pageOneBased < 1 {
				writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
				return
			}
			pageIndex = pageOneBased - 1
		}
		illustID, err := strconv.ParseInt(illustPart, 10, 64)
		if err != nil {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}

		ctx := c.Request.Context()
		img, err := deps.ImageRepo.FindByIllustPage(ctx, illustID, pageIndex)
		if err != nil || img == nil || img.Status != models.ImageActive {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}
		if !strings.EqualFold(img.Extension, ext) {
			writeAppError(c, apperror.New(apperror.CodeNotFound, http.StatusNotFound, ""))
			return
		}

		deps.stream(c, img)
	}
}

// splitExt splits "name.ext" on the last dot. Returns ok=false when there is
// no extension to split on.
func splitExt(raw string) (name, ext string, ok bool) {
	dot := strings.LastIndexByte(raw, '.')
	if dot <= 0 || dot == len(raw)-1 {
		return "", "", false
	}
	return raw[:dot], raw[dot+1:], true
}

// stream fetches img through the same credential/proxy resolution and
// failure-classification path RandomDeps uses, since a single-item lookup
// faces the identical upstream-availability problem as a random pick.
func (deps *ServeDeps) stream(c *gin.Context, img *models.Image) {
	ctx := c.Request.Context()
	rd := deps.Random
	now := time.Now()

	res := rd.resolveProxy(ctx, now)
	resp, err := rd.Fetcher.Stream(ctx, streamfetch.Request{
		URL:      img.OriginalURL,
		ProxyURL: res.URL,
		Referer:  upstreamReferer,
		Range:    c.GetHeader("Range"),
	})
	if err != nil {
		appErr, ok := err.(*apperror.Error)
		if !ok {
			appErr = apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, err.Error())
		}
		rd.recordServeFailure(ctx, img, appErr, res, now)
		writeAppError(c, appErr)
		return
	}
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

	rd.recordServeOK(ctx, img, now)
	rd.maybeEnqueueHydrate(ctx, img, false)
}
