package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLPixivTokenRepository implements PixivTokenRepository using database/sql.
type SQLPixivTokenRepository struct {
	db *sql.DB
}

// NewPixivTokenRepository creates a new SQLPixivTokenRepository.
func NewPixivTokenRepository(db *sql.DB) *SQLPixivTokenRepository {
	return &SQLPixivTokenRepository{db: db}
}

const pixivTokenSelectCols = `
	id, name, refresh_token_enc, refresh_token_masked, enabled, weight,
	error_count, backoff_until, last_ok_at, last_fail_at, created_at, updated_at`

func scanPixivToken(row interface{ Scan(...any) error }) (*models.PixivToken, error) {
	var t models.PixivToken
	var enabled int
	var backoffUntil, lastOkAt, lastFailAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &t.RefreshTokenEnc, &t.RefreshTokenMasked, &enabled, &t.Weight,
		&t.ErrorCount, &backoffUntil, &lastOkAt, &lastFailAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled == 1
	if backoffUntil.Valid {
		v := parseStoredTime(backoffUntil.String)
		t.BackoffUntil = &v
	}
	if lastOkAt.Valid {
		v := parseStoredTime(lastOkAt.String)
		t.LastOkAt = &v
	}
	if lastFailAt.Valid {
		v := parseStoredTime(lastFailAt.String)
		t.LastFailAt = &v
	}
	t.CreatedAt = parseStoredTime(createdAt)
	t.UpdatedAt = parseStoredTime(updatedAt)
	return &t, nil
}

func (r *SQLPixivTokenRepository) FindByID(ctx context.Context, id int64) (*models.PixivToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pixivTokenSelectCols+` FROM pixiv_tokens WHERE id = ?`, id)
	return scanPixivToken(row)
}

func (r *SQLPixivTokenRepository) FindAllEnabled(ctx context.Context) ([]*models.PixivToken, error) {
	return r.queryAll(ctx, `SELECT `+pixivTokenSelectCols+` FROM pixiv_tokens WHERE enabled = 1 ORDER BY id ASC`)
}

func (r *SQLPixivTokenRepository) FindAll(ctx context.Context) ([]*models.PixivToken, error) {
	return r.queryAll(ctx, `SELECT `+pixivTokenSelectCols+` FROM pixiv_tokens ORDER BY id ASC`)
}

func (r *SQLPixivTokenRepository) queryAll(ctx context.Context, query string) ([]*models.PixivToken, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pixiv tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.PixivToken
	for rows.Next() {
		t, err := scanPixivToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *SQLPixivTokenRepository) Insert(ctx context.Context, t *models.PixivToken) (int64, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO pixiv_tokens (name, refresh_token_enc, refresh_token_masked, enabled, weight, error_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.RefreshTokenEnc, t.RefreshTokenMasked, boolToInt(t.Enabled), t.Weight, t.ErrorCount, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert pixiv token: %w", err)
	}
	return result.LastInsertId()
}

func (r *SQLPixivTokenRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
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

	query := fmt.Sprintf(`UPDATE pixiv_tokens SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update pixiv token %d: %w", id, err)
	}
	return nil
}

func (r *SQLPixivTokenRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pixiv_tokens WHERE id = ?`, id)
	return err
}
