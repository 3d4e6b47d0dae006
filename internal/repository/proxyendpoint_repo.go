package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLProxyEndpointRepository implements ProxyEndpointRepository using database/sql.
type SQLProxyEndpointRepository struct {
	db *sql.DB
}

// NewProxyEndpointRepository creates a new SQLProxyEndpointRepository.
func NewProxyEndpointRepository(db *sql.DB) *SQLProxyEndpointRepository {
	return &SQLProxyEndpointRepository{db: db}
}

const proxyEndpointSelectCols = `
	id, scheme, host, port, username, password_enc, enabled, source,
	last_latency_ms, last_ok_at, last_fail_at, success_count, failure_count,
	blacklisted_until, last_error, created_at, updated_at`

func scanProxyEndpoint(row interface{ Scan(...any) error }) (*models.ProxyEndpoint, error) {
	var p models.ProxyEndpoint
	var enabled int
	var lastLatencyMs sql.NullInt64
	var lastOkAt, lastFailAt, blacklistedUntil sql.NullString
	var lastError sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Scheme, &p.Host, &p.Port, &p.Username, &p.PasswordEnc, &enabled, &p.Source,
		&lastLatencyMs, &lastOkAt, &lastFailAt, &p.SuccessCount, &p.FailureCount,
		&blacklistedUntil, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled == 1
	if lastLatencyMs.Valid {
		ms := int(lastLatencyMs.Int64)
		p.LastLatencyMs = &ms
	}
	if lastOkAt.Valid {
		v := parseStoredTime(lastOkAt.String)
		p.LastOkAt = &v
	}
	if lastFailAt.Valid {
		v := parseStoredTime(lastFailAt.String)
		p.LastFailAt = &v
	}
	if blacklistedUntil.Valid {
		v := parseStoredTime(blacklistedUntil.String)
		p.BlacklistedUntil = &v
	}
	if lastError.Valid {
		p.LastError = &lastError.String
	}
	p.CreatedAt = parseStoredTime(createdAt)
	p.UpdatedAt = parseStoredTime(updatedAt)
	return &p, nil
}

func (r *SQLProxyEndpointRepository) FindByID(ctx context.Context, id int64) (*models.ProxyEndpoint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+proxyEndpointSelectCols+` FROM proxy_endpoints WHERE id = ?`, id)
	return scanProxyEndpoint(row)
}

// FindByIdentity looks up an endpoint by its (scheme, host, port, username)
// unique key, returning (nil, nil) when no such row exists.
func (r *SQLProxyEndpointRepository) FindByIdentity(ctx context.Context, scheme, host string, port int, username string) (*models.ProxyEndpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+proxyEndpointSelectCols+` FROM proxy_endpoints WHERE scheme = ? AND host = ? AND port = ? AND username = ?`,
		scheme, host, port, username)
	p, err := scanProxyEndpoint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *SQLProxyEndpointRepository) FindAllEnabled(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	return r.queryAll(ctx, `SELECT `+proxyEndpointSelectCols+` FROM proxy_endpoints WHERE enabled = 1 ORDER BY id ASC`)
}

func (r *SQLProxyEndpointRepository) FindAll(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	return r.queryAll(ctx, `SELECT `+proxyEndpointSelectCols+` FROM proxy_endpoints ORDER BY id ASC`)
}

func (r *SQLProxyEndpointRepository) queryAll(ctx context.Context, query string) ([]*models.ProxyEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list proxy endpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.ProxyEndpoint
	for rows.Next() {
		p, err := scanProxyEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLProxyEndpointRepository) Insert(ctx context.Context, p *models.ProxyEndpoint) (int64, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_endpoints (scheme, host, port, username, password_enc, enabled, source, success_count, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Scheme, p.Host, p.Port, p.Username, p.PasswordEnc, boolToInt(p.Enabled), p.Source,
		p.SuccessCount, p.FailureCount, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert proxy endpoint: %w", err)
	}
	return result.LastInsertId()
}

func (r *SQLProxyEndpointRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for col, val := range updates {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, formatTime(time.Now().UTC()))
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE proxy_endpoints SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update proxy endpoint %d: %w", id, err)
	}
	return nil
}

func (r *SQLProxyEndpointRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM proxy_endpoints WHERE id = ?`, id)
	return err
}
