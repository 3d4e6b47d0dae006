package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/image-random-service/internal/models"
)

// HydrationRunRepository tracks long-running batch hydration descriptors;
// the driving job references a run via (ref_type='hydration_run', ref_id).
type HydrationRunRepository interface {
	Insert(ctx context.Context, refID string) (int64, error)
	FindByID(ctx context.Context, id int64) (*models.HydrationRun, error)
	Finish(ctx context.Context, id int64, status string, summaryJSON string) error
}

// SQLHydrationRunRepository implements HydrationRunRepository using database/sql.
type SQLHydrationRunRepository struct {
	db *sql.DB
}

// NewHydrationRunRepository creates a new SQLHydrationRunRepository.
func NewHydrationRunRepository(db *sql.DB) *SQLHydrationRunRepository {
	return &SQLHydrationRunRepository{db: db}
}

func (r *SQLHydrationRunRepository) Insert(ctx context.Context, refID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO hydration_runs (ref_id, status, started_at) VALUES (?, 'running', ?)`,
		refID, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("insert hydration run: %w", err)
	}
	return result.LastInsertId()
}

func (r *SQLHydrationRunRepository) FindByID(ctx context.Context, id int64) (*models.HydrationRun, error) {
	var run models.HydrationRun
	var startedAt string
	var finishedAt, summary sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, ref_id, status, started_at, finished_at, summary_json FROM hydration_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.RefID, &run.Status, &startedAt, &finishedAt, &summary)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	run.StartedAt = parseStoredTime(startedAt)
	if finishedAt.Valid {
		v := parseStoredTime(finishedAt.String)
		run.FinishedAt = &v
	}
	if summary.Valid {
		run.SummaryJSON = &summary.String
	}
	return &run, nil
}

// Finish stamps a run's terminal status and summary.
func (r *SQLHydrationRunRepository) Finish(ctx context.Context, id int64, status string, summaryJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET status = ?, finished_at = ?, summary_json = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), summaryJSON, id)
	if err != nil {
		return fmt.Errorf("finish hydration run %d: %w", id, err)
	}
	return nil
}
