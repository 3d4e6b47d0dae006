package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/image-random-service/internal/models"
)

// SQLTagRepository implements TagRepository using database/sql.
type SQLTagRepository struct {
	db *sql.DB
}

// NewTagRepository creates a new SQLTagRepository.
func NewTagRepository(db *sql.DB) *SQLTagRepository {
	return &SQLTagRepository{db: db}
}

// FindOrCreate returns the id of the tag named name, inserting it if absent.
func (r *SQLTagRepository) FindOrCreate(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup tag %q: %w", name, err)
	}

	result, err := r.db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert tag %q: %w", name, err)
	}
	return result.LastInsertId()
}

func (r *SQLTagRepository) FindByName(ctx context.Context, name string) (*models.Tag, error) {
	var t models.Tag
	err := r.db.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE name = ?`, name).Scan(&t.ID, &t.Name)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLTagRepository) ListForImage(ctx context.Context, imageID int64) ([]*models.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.name FROM tags t
		JOIN image_tags it ON it.tag_id = t.id
		WHERE it.image_id = ?
		ORDER BY t.name ASC
	`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list tags for image %d: %w", imageID, err)
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

func (r *SQLTagRepository) AttachToImage(ctx context.Context, imageID, tagID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO image_tags (image_id, tag_id) VALUES (?, ?)`, imageID, tagID)
	if err != nil {
		return fmt.Errorf("attach tag %d to image %d: %w", tagID, imageID, err)
	}
	return nil
}

func (r *SQLTagRepository) DetachAllFromImage(ctx context.Context, imageID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM image_tags WHERE image_id = ?`, imageID)
	if err != nil {
		return fmt.Errorf("detach tags from image %d: %w", imageID, err)
	}
	return nil
}

func (r *SQLTagRepository) ListAll(ctx context.Context, afterID int64, limit int) ([]*models.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name FROM tags WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []*models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}
