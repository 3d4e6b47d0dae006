// Package repository defines data access interfaces and implementations for
// the image catalog, its upstream credentials/proxies, and the admin
// audit/import trails around it.
package repository

import (
	"context"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// ImageRepository provides access to catalog image rows.
type ImageRepository interface {
	FindByID(ctx context.Context, id int64) (*models.Image, error)
	FindByIllustPage(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error)
	Insert(ctx context.Context, img *models.Image) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
	ListNeedingHydration(ctx context.Context, limit int) ([]*models.Image, error)
	CountByStatus(ctx context.Context, status models.ImageStatus) (int64, error)

	// ListActive returns active images with id > afterID, ascending, for the
	// public /images cursor listing.
	ListActive(ctx context.Context, afterID int64, limit int) ([]*models.Image, error)
	// ListAuthors returns distinct illustrators with user_id > afterID,
	// ascending, for the public /authors cursor listing.
	ListAuthors(ctx context.Context, afterID int64, limit int) ([]*models.Author, error)
}

// TagRepository provides access to tags and image/tag associations.
type TagRepository interface {
	FindOrCreate(ctx context.Context, name string) (int64, error)
	FindByName(ctx context.Context, name string) (*models.Tag, error)
	ListForImage(ctx context.Context, imageID int64) ([]*models.Tag, error)
	AttachToImage(ctx context.Context, imageID, tagID int64) error
	DetachAllFromImage(ctx context.Context, imageID int64) error
	// ListAll returns tags with id > afterID, ascending, for the public
	// /tags cursor listing.
	ListAll(ctx context.Context, afterID int64, limit int) ([]*models.Tag, error)
}

// PixivTokenRepository provides access to upstream OAuth credentials.
type PixivTokenRepository interface {
	FindByID(ctx context.Context, id int64) (*models.PixivToken, error)
	FindAllEnabled(ctx context.Context) ([]*models.PixivToken, error)
	FindAll(ctx context.Context) ([]*models.PixivToken, error)
	Insert(ctx context.Context, t *models.PixivToken) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
}

// ProxyEndpointRepository provides access to managed forward-proxy egresses.
type ProxyEndpointRepository interface {
	FindByID(ctx context.Context, id int64) (*models.ProxyEndpoint, error)
	FindByIdentity(ctx context.Context, scheme, host string, port int, username string) (*models.ProxyEndpoint, error)
	FindAllEnabled(ctx context.Context) ([]*models.ProxyEndpoint, error)
	FindAll(ctx context.Context) ([]*models.ProxyEndpoint, error)
	Insert(ctx context.Context, p *models.ProxyEndpoint) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]any) error
	Delete(ctx context.Context, id int64) error
}

// ImportRepository provides access to ingestion provenance records.
type ImportRepository interface {
	Insert(ctx context.Context, imp *models.Import) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status string, imageID *int64, errMsg *string) error
	List(ctx context.Context, limit, offset int) ([]*models.Import, int64, error)
}

// AdminAuditRepository provides access to the admin mutation audit trail.
type AdminAuditRepository interface {
	Insert(ctx context.Context, entry *models.AdminAudit) (int64, error)
	List(ctx context.Context, limit, offset int) ([]*models.AdminAudit, int64, error)
}

// ProxyPoolRepository provides access to named proxy-endpoint groupings.
type ProxyPoolRepository interface {
	FindByID(ctx context.Context, id int64) (*models.ProxyPool, error)
	FindByName(ctx context.Context, name string) (*models.ProxyPool, error)
	FindOrCreate(ctx context.Context, name string) (int64, error)
	ListMembers(ctx context.Context, poolID int64) ([]*models.ProxyPoolEndpoint, error)
	SetMember(ctx context.Context, poolID, endpointID int64, enabled bool, weight int) error
}

// TokenProxyBindingRepository provides access to per-credential proxy
// bindings and their time-boxed overrides.
type TokenProxyBindingRepository interface {
	FindByTokenAndPool(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error)
	Upsert(ctx context.Context, b *models.TokenProxyBinding) (int64, error)
	InstallOverride(ctx context.Context, id, overrideProxyID int64, expiresAt time.Time) error
	ClearOverride(ctx context.Context, id int64) error
}
