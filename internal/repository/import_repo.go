package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLImportRepository implements ImportRepository using database/sql.
type SQLImportRepository struct {
	db *sql.DB
}

// NewImportRepository creates a new SQLImportRepository.
func NewImportRepository(db *sql.DB) *SQLImportRepository {
	return &SQLImportRepository{db: db}
}

func (r *SQLImportRepository) Insert(ctx context.Context, imp *models.Import) (int64, error) {
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = time.Now().UTC()
	}
	if imp.Status == "" {
		imp.Status = "pending"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO imports (created_at, source_url, status, image_id, error) VALUES (?, ?, ?, ?, ?)`,
		formatTime(imp.CreatedAt), imp.SourceURL, imp.Status, imp.ImageID, imp.Error)
	if err != nil {
		return 0, fmt.Errorf("insert import: %w", err)
	}
	return result.LastInsertId()
}

func (r *SQLImportRepository) UpdateStatus(ctx context.Context, id int64, status string, imageID *int64, errMsg *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE imports SET status = ?, image_id = ?, error = ? WHERE id = ?`, status, imageID, errMsg, id)
	if err != nil {
		return fmt.Errorf("update import %d: %w", id, err)
	}
	return nil
}

func (r *SQLImportRepository) List(ctx context.Context, limit, offset int) ([]*models.Import, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM imports`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count imports: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, source_url, status, image_id, error FROM imports
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list imports: %w", err)
	}
	defer rows.Close()

	var out []*models.Import
	for rows.Next() {
		var imp models.Import
		var imageID sql.NullInt64
		var errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&imp.ID, &createdAt, &imp.SourceURL, &imp.Status, &imageID, &errMsg); err != nil {
			return nil, 0, fmt.Errorf("scan import: %w", err)
		}
		imp.CreatedAt = parseStoredTime(createdAt)
		if imageID.Valid {
			imp.ImageID = &imageID.Int64
		}
		if errMsg.Valid {
			imp.Error = &errMsg.String
		}
		out = append(out, &imp)
	}
	return out, total, rows.Err()
}
