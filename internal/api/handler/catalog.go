package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/repository"
)

// CatalogDeps wires the repositories behind the public read-only list/detail
// surface: /images, /images/:id, /tags, /authors.
type CatalogDeps struct {
	ImageRepo repository.ImageRepository
	TagRepo   repository.TagRepository
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// parseCursor reads the "after" and "limit" query params shared by every
// cursor-paginated listing here.
func parseCursor(c *gin.Context) (after int64, limit int, appErr *apperror.Error) {
	after = 0
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, apperror.New(apperror.CodeBadRequest, http.StatusBadRequest, "unsupported cursor")
		}
		after = n
	}

	limit = defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return 0, 0, apperror.New(apperror.CodeBadRequest, http.StatusBadRequest, "unsupported limit")
		}
		limit = n
	}
	return after, limit, nil
}

func nextCursor(lastID int64, count, limit int) *int64 {
	if count < limit {
		return nil
	}
	return &lastID
}

// ListImages handles GET /images: cursor-paginated active catalog entries.
func ListImages(deps *CatalogDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, limit, appErr := parseCursor(c)
		if appErr != nil {
			writeAppError(c, appErr)
			return
		}

		ctx := c.Request.Context()
		images, err := deps.ImageRepo.ListActive(ctx, after, limit)
		if err != nil {
			writeAppError(c, apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, err.Error()))
			return
		}

		var cursor *int64
		if len(images) > 0 {
			cursor = nextCursor(images[len(images)-1].ID, len(images), limit)
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":          true,
			"data":        images,
			"next_cursor": cursor,
			"request_id":  requestID(c),
		})
	}
}

// GetImage handles GET /images/:id: a single active catalog entry with tags.
func GetImage(deps *CatalogDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
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

		tags, _ := deps.TagRepo.ListForImage(ctx, img.ID)

		c.JSON(http.StatusOK, gin.H{
			"ok": true,
			"data": gin.H{
				"image": img,
				"tags":  tags,
			},
			"request_id": requestID(c),
		})
	}
}

// ListTags handles GET /tags: cursor-paginated tag names.
func ListTags(deps *CatalogDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, limit, appErr := parseCursor(c)
		if appErr != nil {
			writeAppError(c, appErr)
			return
		}

		ctx := c.Request.Context()
		tags, err := deps.TagRepo.ListAll(ctx, after, limit)
		if err != nil {
			writeAppError(c, apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, err.Error()))
			return
		}

		var cursor *int64
		if len(tags) > 0 {
			cursor = nextCursor(tags[len(tags)-1].ID, len(tags), limit)
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":          true,
			"data":        tags,
			"next_cursor": cursor,
			"request_id":  requestID(c),
		})
	}
}

// ListAuthors handles GET /authors: cursor-paginated distinct illustrators.
func ListAuthors(deps *CatalogDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		after, limit, appErr := parseCursor(c)
		if appErr != nil {
			writeAppError(c, appErr)
			return
		}

		ctx := c.Request.Context()
		authors, err := deps.ImageRepo.ListAuthors(ctx, after, limit)
		if err != nil {
			writeAppError(c, apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, err.Error()))
			return
		}

		var cursor *int64
		if len(authors) > 0 {
			cursor = nextCursor(authors[len(authors)-1].UserID, len(authors), limit)
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":          true,
			"data":        authors,
			"next_cursor": cursor,
			"request_id":  requestID(c),
		})
	}
}
