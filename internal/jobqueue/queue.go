// Package jobqueue implements the durable job queue and its finite state
// machine: enqueue, claim, renew, and finalize, all as single-transaction
// SQL operations so concurrent workers never double-claim a row.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/image-random-service/internal/redact"
	"github.com/user/image-random-service/internal/selector"
)

// Status is a job's position in the finite state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDLQ       Status = "dlq"
)

const maxLastErrorRunes = 2000

// Job is a durable unit of work.
type Job struct {
	ID          int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Type        string
	Status      Status
	Priority    int
	RunAfter    *time.Time
	Attempt     int
	MaxAttempts int
	PayloadJSON string
	LastError   *string
	LockedBy    *string
	LockedAt    *time.Time
	RefType     *string
	RefID       *string
}

// Queue is the SQL-backed job queue.
type Queue struct {
	db *sql.DB
}

// New wraps db as a Queue.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

const isoFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(isoFormat) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(isoFormat, s)
}

// Enqueue inserts a new job, returning its id, unless (type, refType, refID)
// already has a row in {pending, running}, in which case it is a no-op that
// returns (0, nil).
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, priority int, refType, refID string, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if refType != "" && refID != "" {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM jobs
			WHERE type = ? AND ref_type = ? AND ref_id = ? AND status IN ('pending','running')
		`, jobType, refType, refID).Scan(&count)
		if err != nil {
			return 0, err
		}
		if count > 0 {
			return 0, nil
		}
	}

	var refTypeArg, refIDArg any
	if refType != "" {
		refTypeArg = refType
	}
	if refID != "" {
		refIDArg = refID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (type, status, priority, payload_json, max_attempts, ref_type, ref_id)
		VALUES (?, 'pending', ?, ?, ?, ?, ?)
	`, jobType, priority, string(payloadBytes), maxAttempts, refTypeArg, refIDArg)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Claim atomically selects one eligible row, transitions it to running, and
// returns it. Eligible rows have status in {pending, failed, running},
// run_after null-or-due, and locked_at null-or-past lock_ttl; ordering is
// (priority DESC, id ASC). Returns (nil, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, lockTTL time.Duration, now time.Time) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nowS := formatTime(now)
	lockCutoff := formatTime(now.Add(-lockTTL))

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('pending','failed','running')
		  AND (run_after IS NULL OR run_after <= ?)
		  AND (locked_at IS NULL OR locked_at <= ?)
		ORDER BY priority DESC, id ASC
		LIMIT 1
	`, nowS, lockCutoff).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status='running', locked_by=?, locked_at=?, updated_at=?
		WHERE id = ?
		  AND status IN ('pending','failed','running')
		  AND (run_after IS NULL OR run_after <= ?)
		  AND (locked_at IS NULL OR locked_at <= ?)
	`, workerID, nowS, nowS, id, nowS, lockCutoff)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// another transaction claimed it between the select and the update
		return nil, nil
	}

	job, err := q.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Renew refreshes a live claim's locked_at, succeeding only while the job is
// still running under workerID's lock.
func (q *Queue) Renew(ctx context.Context, jobID int64, workerID string, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET locked_at = ? WHERE id = ? AND status='running' AND locked_by = ?
	`, formatTime(now), jobID, workerID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Outcome describes a handler's completion, feeding Finalize's FSM
// transition.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverableFailure
	OutcomeDefer
	OutcomePermanentFailure
)

// FinalizeResult describes the transition Finalize performed.
type FinalizeResult struct {
	NewStatus Status
	RunAfter  *time.Time
}

// Finalize atomically transitions jobID's state iff it is still running
// under workerID's lock.
func (q *Queue) Finalize(ctx context.Context, jobID int64, workerID string, outcome Outcome, errMsg string, deferRunAfter *time.Time, now time.Time) (*FinalizeResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := q.getTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status != StatusRunning || job.LockedBy == nil || *job.LockedBy != workerID {
		return nil, nil
	}

	redactedErr := redact.Truncate(redact.Text(errMsg), maxLastErrorRunes)

	var result FinalizeResult
	switch outcome {
	case OutcomeSuccess:
		result.NewStatus = StatusCompleted
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status='completed', locked_by=NULL, locked_at=NULL,
				run_after=NULL, last_error=NULL, updated_at=?
			WHERE id = ?
		`, formatTime(now), jobID)

	case OutcomeDefer:
		if deferRunAfter == nil {
			return nil, fmt.Errorf("jobqueue: defer requires run_after")
		}
		result.NewStatus = StatusFailed
		result.RunAfter = deferRunAfter
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status='failed', locked_by=NULL, locked_at=NULL,
				run_after=?, last_error=?, updated_at=?
			WHERE id = ?
		`, formatTime(*deferRunAfter), redactedErr, formatTime(now), jobID)

	case OutcomePermanentFailure:
		result.NewStatus = StatusDLQ
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status='dlq', attempt=attempt+1, max_attempts=attempt+1,
				locked_by=NULL, locked_at=NULL, run_after=NULL, last_error=?, updated_at=?
			WHERE id = ?
		`, redactedErr, formatTime(now), jobID)

	case OutcomeRecoverableFailure:
		nextAttempt := job.Attempt + 1
		if nextAttempt < job.MaxAttempts {
			// Handlers on a failure-specific schedule (token refresh) pass
			// their own run_after; everything else gets the standard table.
			runAfter := now.Add(time.Duration(selector.JobBackoffSeconds(nextAttempt)) * time.Second)
			if deferRunAfter != nil {
				runAfter = *deferRunAfter
			}
			result.NewStatus = StatusFailed
			result.RunAfter = &runAfter
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status='failed', attempt=?, locked_by=NULL, locked_at=NULL,
					run_after=?, last_error=?, updated_at=?
				WHERE id = ?
			`, nextAttempt, formatTime(runAfter), redactedErr, formatTime(now), jobID)
		} else {
			result.NewStatus = StatusDLQ
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status='dlq', attempt=?, locked_by=NULL, locked_at=NULL,
					run_after=NULL, last_error=?, updated_at=?
				WHERE id = ?
			`, nextAttempt, redactedErr, formatTime(now), jobID)
		}

	default:
		return nil, fmt.Errorf("jobqueue: unknown outcome %d", outcome)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel transitions jobID to canceled from pending, paused, or failed.
func (q *Queue) Cancel(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status='canceled', run_after=NULL, updated_at=?
		WHERE id = ? AND status IN ('pending','paused','failed')
	`, formatTime(now), jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Pause transitions jobID to paused from pending.
func (q *Queue) Pause(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status='paused', updated_at=? WHERE id = ? AND status='pending'
	`, formatTime(now), jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Resume transitions jobID back to pending from paused.
func (q *Queue) Resume(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status='pending', updated_at=? WHERE id = ? AND status='paused'
	`, formatTime(now), jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (q *Queue) Get(ctx context.Context, jobID int64) (*Job, error) {
	return q.getTx(ctx, q.db, jobID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (q *Queue) getTx(ctx context.Context, db queryRower, jobID int64) (*Job, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, type, status, priority, run_after,
		       attempt, max_attempts, payload_json, last_error, locked_by, locked_at, ref_type, ref_id
		FROM jobs WHERE id = ?
	`, jobID)

	var (
		createdAt, updatedAt                    string
		runAfter, lastError, lockedBy, lockedAt sql.NullString
		refType, refID                          sql.NullString
		j                                       Job
	)
	err := row.Scan(&j.ID, &createdAt, &updatedAt, &j.Type, &j.Status, &j.Priority, &runAfter,
		&j.Attempt, &j.MaxAttempts, &j.PayloadJSON, &lastError, &lockedBy, &lockedAt, &refType, &refID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	if runAfter.Valid {
		t, err := parseTime(runAfter.String)
		if err != nil {
			return nil, err
		}
		j.RunAfter = &t
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if lockedBy.Valid {
		j.LockedBy = &lockedBy.String
	}
	if lockedAt.Valid {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, err
		}
		j.LockedAt = &t
	}
	if refType.Valid {
		j.RefType = &refType.String
	}
	if refID.Valid {
		j.RefID = &refID.String
	}
	return &j, nil
}

// StatusCounts returns the count of jobs per status, with every known
// status present (zero-filled) for the healthz contract.
func (q *Queue) StatusCounts(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{
		StatusPending: 0, StatusRunning: 0, StatusPaused: 0, StatusCanceled: 0,
		StatusCompleted: 0, StatusFailed: 0, StatusDLQ: 0,
	}
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}
