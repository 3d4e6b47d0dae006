package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// SQLAdminAuditRepository implements AdminAuditRepository using database/sql.
type SQLAdminAuditRepository struct {
	db *sql.DB
}

// NewAdminAuditRepository creates a new SQLAdminAuditRepository.
func NewAdminAuditRepository(db *sql.DB) *SQLAdminAuditRepository {
	return &SQLAdminAuditRepository{db: db}
}

func (r *SQLAdminAuditRepository) Insert(ctx context.Context, entry *models.AdminAudit) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_audit (created_at, actor, action, detail_json) VALUES (?, ?, ?, ?)`,
		formatTime(entry.CreatedAt), entry.Actor, entry.Action, entry.DetailJSON)
	if err != nil {
		return 0, fmt.Errorf("insert admin audit: %w", err)
	}
	return result.LastInsertId()
}

func (r *SQLAdminAuditRepository) List(ctx context.Context, limit, offset int) ([]*models.AdminAudit, int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_audit`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count admin audit: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, actor, action, detail_json FROM admin_audit
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list admin audit: %w", err)
	}
	defer rows.Close()

	var out []*models.AdminAudit
	for rows.Next() {
		var a models.AdminAudit
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &createdAt, &a.Actor, &a.Action, &detail); err != nil {
			return nil, 0, fmt.Errorf("scan admin audit: %w", err)
		}
		a.CreatedAt = parseStoredTime(createdAt)
		if detail.Valid {
			a.DetailJSON = &detail.String
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}
