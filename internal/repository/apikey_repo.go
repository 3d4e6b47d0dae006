package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// APIKeyRepository persists public-surface API keys.
type APIKeyRepository interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	FindByID(ctx context.Context, id int64) (*models.APIKey, error)
	FindAll(ctx context.Context) ([]*models.APIKey, error)
	Insert(ctx context.Context, key *models.APIKey) (int64, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// SQLAPIKeyRepository implements APIKeyRepository using database/sql.
type SQLAPIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new SQLAPIKeyRepository.
func NewAPIKeyRepository(db *sql.DB) *SQLAPIKeyRepository {
	return &SQLAPIKeyRepository{db: db}
}

func scanAPIKey(row interface{ Scan(...any) error }) (*models.APIKey, error) {
	var k models.APIKey
	var enabled int
	var createdAt string
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyHint, &enabled, &k.RPM, &k.Burst, &createdAt); err != nil {
		return nil, err
	}
	k.Enabled = enabled == 1
	k.CreatedAt = parseStoredTime(createdAt)
	return &k, nil
}

const apiKeySelectCols = `id, name, key_hash, key_hint, enabled, rpm, burst, created_at`

func (r *SQLAPIKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanAPIKey(row)
}

func (r *SQLAPIKeyRepository) FindByID(ctx context.Context, id int64) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

func (r *SQLAPIKeyRepository) FindAll(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiKeySelectCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *SQLAPIKeyRepository) Insert(ctx context.Context, key *models.APIKey) (int64, error) {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, key_hint, enabled, rpm, burst, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Name, key.KeyHash, key.KeyHint, boolToInt(key.Enabled), key.RPM, key.Burst, formatTime(key.CreatedAt))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLAPIKeyRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	return err
}

func (r *SQLAPIKeyRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
