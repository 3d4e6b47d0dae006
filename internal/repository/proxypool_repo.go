package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLProxyPoolRepository implements ProxyPoolRepository using database/sql.
type SQLProxyPoolRepository struct {
	db *sql.DB
}

// NewProxyPoolRepository creates a new SQLProxyPoolRepository.
func NewProxyPoolRepository(db *sql.DB) *SQLProxyPoolRepository {
	return &SQLProxyPoolRepository{db: db}
}

func (r *SQLProxyPoolRepository) FindByID(ctx context.Context, id int64) (*models.ProxyPool, error) {
	var p models.ProxyPool
	var createdAt string
	err := r.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM proxy_pools WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseStoredTime(createdAt)
	return &p, nil
}

func (r *SQLProxyPoolRepository) FindByName(ctx context.Context, name string) (*models.ProxyPool, error) {
	var p models.ProxyPool
	var createdAt string
	err := r.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM proxy_pools WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseStoredTime(createdAt)
	return &p, nil
}

// FindOrCreate returns the id of the pool named name, inserting it if absent.
func (r *SQLProxyPoolRepository) FindOrCreate(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM proxy_pools WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup proxy pool %q: %w", name, err)
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pools (name, created_at) VALUES (?, ?)`, name, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("insert proxy pool %q: %w", name, err)
	}
	return result.LastInsertId()
}

func (r *SQLProxyPoolRepository) ListMembers(ctx context.Context, poolID int64) ([]*models.ProxyPoolEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT pool_id, endpoint_id, enabled, weight FROM proxy_pool_endpoints WHERE pool_id = ?`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list proxy pool members %d: %w", poolID, err)
	}
	defer rows.Close()

	var out []*models.ProxyPoolEndpoint
	for rows.Next() {
		var m models.ProxyPoolEndpoint
		var enabled int
		if err := rows.Scan(&m.PoolID, &m.EndpointID, &enabled, &m.Weight); err != nil {
			return nil, err
		}
		m.Enabled = enabled == 1
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SetMember upserts a pool/endpoint membership row.
func (r *SQLProxyPoolRepository) SetMember(ctx context.Context, poolID, endpointID int64, enabled bool, weight int) error {
	if weight < 1 {
		weight = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pool_id, endpoint_id) DO UPDATE SET enabled = excluded.enabled, weight = excluded.weight
	`, poolID, endpointID, boolToInt(enabled), weight)
	if err != nil {
		return fmt.Errorf("set proxy pool member pool=%d endpoint=%d: %w", poolID, endpointID, err)
	}
	return nil
}

// SQLTokenProxyBindingRepository implements TokenProxyBindingRepository using database/sql.
type SQLTokenProxyBindingRepository struct {
	db *sql.DB
}

// NewTokenProxyBindingRepository creates a new SQLTokenProxyBindingRepository.
func NewTokenProxyBindingRepository(db *sql.DB) *SQLTokenProxyBindingRepository {
	return &SQLTokenProxyBindingRepository{db: db}
}

func scanTokenProxyBinding(row interface{ Scan(...any) error }) (*models.TokenProxyBinding, error) {
	var b models.TokenProxyBinding
	var overrideProxyID sql.NullInt64
	var overrideExpiresAt sql.NullString
	err := row.Scan(&b.ID, &b.TokenID, &b.PoolID, &b.PrimaryProxyID, &overrideProxyID, &overrideExpiresAt)
	if err != nil {
		return nil, err
	}
	if overrideProxyID.Valid {
		b.OverrideProxyID = &overrideProxyID.Int64
	}
	if overrideExpiresAt.Valid {
		v := parseStoredTime(overrideExpiresAt.String)
		b.OverrideExpiresAt = &v
	}
	return &b, nil
}

const tokenProxyBindingSelectCols = `id, token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at`

func (r *SQLTokenProxyBindingRepository) FindByTokenAndPool(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tokenProxyBindingSelectCols+` FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`,
		tokenID, poolID)
	b, err := scanTokenProxyBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// Upsert inserts or updates the binding for (token_id, pool_id), returning its id.
func (r *SQLTokenProxyBindingRepository) Upsert(ctx context.Context, b *models.TokenProxyBinding) (int64, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_proxy_bindings (token_id, pool_id, primary_proxy_id, override_proxy_id, override_expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id, pool_id) DO UPDATE SET
			primary_proxy_id = excluded.primary_proxy_id,
			override_proxy_id = excluded.override_proxy_id,
			override_expires_at = excluded.override_expires_at
	`, b.TokenID, b.PoolID, b.PrimaryProxyID, b.OverrideProxyID, formatTimePtr(b.OverrideExpiresAt))
	if err != nil {
		return 0, fmt.Errorf("upsert token proxy binding token=%d pool=%d: %w", b.TokenID, b.PoolID, err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`, b.TokenID, b.PoolID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup upserted token proxy binding: %w", err)
	}
	return id, nil
}

// InstallOverride sets a time-boxed override proxy on binding id, enacting a
// selector recovery action.
func (r *SQLTokenProxyBindingRepository) InstallOverride(ctx context.Context, id, overrideProxyID int64, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings SET override_proxy_id = ?, override_expires_at = ? WHERE id = ?`,
		overrideProxyID, formatTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("install override on binding %d: %w", id, err)
	}
	return nil
}

// ClearOverride removes a binding's override, reverting to its primary proxy.
func (r *SQLTokenProxyBindingRepository) ClearOverride(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings SET override_proxy_id = NULL, override_expires_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear override on binding %d: %w", id, err)
	}
	return nil
}
