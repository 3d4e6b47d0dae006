package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLImageRepository implements ImageRepository using database/sql.
type SQLImageRepository struct {
	db *sql.DB
}

// NewImageRepository creates a new SQLImageRepository.
func NewImageRepository(db *sql.DB) *SQLImageRepository {
	return &SQLImageRepository{db: db}
}

const imageSelectCols = `
	id, illust_id, page_index, extension, original_url, proxy_path, random_key,
	width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
	user_id, user_name, title, created_at_pixiv, bookmark_count, view_count,
	comment_count, status, fail_count, last_fail_at, last_ok_at,
	last_error_code, last_error_msg, created_at, updated_at`

func scanImage(row interface{ Scan(...any) error }) (*models.Image, error) {
	var img models.Image
	var orientation, xRestrict, aiType, illustType sql.NullInt64
	var width, height sql.NullInt64
	var aspectRatio sql.NullFloat64
	var userID sql.NullInt64
	var userName, title, createdAtPixiv sql.NullString
	var lastFailAt, lastOkAt sql.NullString
	var lastErrorCode, lastErrorMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&img.ID, &img.IllustID, &img.PageIndex, &img.Extension, &img.OriginalURL, &img.ProxyPath, &img.RandomKey,
		&width, &height, &aspectRatio, &orientation, &xRestrict, &aiType, &illustType,
		&userID, &userName, &title, &createdAtPixiv, &img.BookmarkCount, &img.ViewCount,
		&img.CommentCount, &img.Status, &img.FailCount, &lastFailAt, &lastOkAt,
		&lastErrorCode, &lastErrorMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	img.CreatedAt = parseStoredTime(createdAt)
	img.UpdatedAt = parseStoredTime(updatedAt)

	if width.Valid {
		w := int(width.Int64)
		img.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		img.Height = &h
	}
	if aspectRatio.Valid {
		img.AspectRatio = &aspectRatio.Float64
	}
	if orientation.Valid {
		o := models.Orientation(orientation.Int64)
		img.Orientation = &o
	}
	if xRestrict.Valid {
		x := int(xRestrict.Int64)
		img.XRestrict = &x
	}
	if aiType.Valid {
		a := int(aiType.Int64)
		img.AIType = &a
	}
	if illustType.Valid {
		it := models.IllustType(illustType.Int64)
		img.IllustType = &it
	}
	if userID.Valid {
		img.UserID = &userID.Int64
	}
	if userName.Valid {
		img.UserName = &userName.String
	}
	if title.Valid {
		img.Title = &title.String
	}
	if createdAtPixiv.Valid {
		img.CreatedAtPixiv = &createdAtPixiv.String
	}
	if lastFailAt.Valid {
		img.LastFailAt = &lastFailAt.String
	}
	if lastOkAt.Valid {
		img.LastOkAt = &lastOkAt.String
	}
	if lastErrorCode.Valid {
		img.LastErrorCode = &lastErrorCode.String
	}
	if lastErrorMsg.Valid {
		img.LastErrorMsg = &lastErrorMsg.String
	}
	return &img, nil
}

func (r *SQLImageRepository) FindByID(ctx context.Context, id int64) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageSelectCols+` FROM images WHERE id = ?`, id)
	return scanImage(row)
}

func (r *SQLImageRepository) FindByIllustPage(ctx context.Context, illustID int64, pageIndex int) (*models.Image, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+imageSelectCols+` FROM images WHERE illust_id = ? AND page_index = ?`, illustID, pageIndex)
	return scanImage(row)
}

func (r *SQLImageRepository) Insert(ctx context.Context, img *models.Image) (int64, error) {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	if img.Status == 0 {
		img.Status = models.ImageActive
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO images (
			illust_id, page_index, extension, original_url, proxy_path, random_key,
			width, height, aspect_ratio, orientation, x_restrict, ai_type, illust_type,
			user_id, user_name, title, created_at_pixiv, bookmark_count, view_count,
			comment_count, status, fail_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.IllustID, img.PageIndex, img.Extension, img.OriginalURL, img.ProxyPath, img.RandomKey,
		img.Width, img.Height, img.AspectRatio, img.Orientation, img.XRestrict, img.AIType, img.IllustType,
		img.UserID, img.UserName, img.Title, img.CreatedAtPixiv, img.BookmarkCount, img.ViewCount,
		img.CommentCount, img.Status, img.FailCount, formatTime(img.CreatedAt), formatTime(img.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return result.LastInsertId()
}

// Update applies a dynamic set of column updates, stamping updated_at.
func (r *SQLImageRepository) Update(ctx context.Context, id int64, updates map[string]any) error {
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

	query := fmt.Sprintf(`UPDATE images SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update image %d: %w", id, err)
	}
	return nil
}

func (r *SQLImageRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	return err
}

// ListNeedingHydration returns active images still missing geometry or
// taxonomy, oldest first, for opportunistic metadata backfill.
func (r *SQLImageRepository) ListNeedingHydration(ctx context.Context, limit int) ([]*models.Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageSelectCols+` FROM images
		 WHERE status = ? AND (width IS NULL OR height IS NULL OR user_id IS NULL OR title IS NULL)
		 ORDER BY created_at ASC LIMIT ?`, models.ImageActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list images needing hydration: %w", err)
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (r *SQLImageRepository) CountByStatus(ctx context.Context, status models.ImageStatus) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE status = ?`, status).Scan(&count)
	return count, err
}

// ListActive returns active images with id > afterID, ascending, for the
// public /images cursor listing.
func (r *SQLImageRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]*models.Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageSelectCols+` FROM images
		 WHERE status = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`, models.ImageActive, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active images: %w", err)
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ListAuthors returns distinct illustrators with user_id > afterID,
// ascending, for the public /authors cursor listing.
func (r *SQLImageRepository) ListAuthors(ctx context.Context, afterID int64, limit int) ([]*models.Author, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, user_name, COUNT(*) FROM images
		 WHERE status = ? AND user_id IS NOT NULL AND user_id > ?
		 GROUP BY user_id, user_name
		 ORDER BY user_id ASC LIMIT ?`, models.ImageActive, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	defer rows.Close()

	var out []*models.Author
	for rows.Next() {
		var a models.Author
		var userName sql.NullString
		if err := rows.Scan(&a.UserID, &userName, &a.ImageCount); err != nil {
			return nil, err
		}
		a.UserName = userName.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
