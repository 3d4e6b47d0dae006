package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/user/image-random-service/internal/models"
	"go.uber.org/zap"
)

// RequestLogRepository persists and queries HTTP access-log rows.
type RequestLogRepository interface {
	Insert(ctx context.Context, entry *models.RequestLog) (int64, error)
	List(ctx context.Context, limit, offset int, path *string, statusCode *int, startTime, endTime *time.Time) ([]*models.RequestLog, int64, error)
	GetStatistics(ctx context.Context, startTime, endTime *time.Time) (*LogStatistics, error)
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// RequestLogRepositoryImpl implements RequestLogRepository using database/sql.
type RequestLogRepositoryImpl struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestLogRepositoryImpl creates a new RequestLogRepositoryImpl.
func NewRequestLogRepositoryImpl(db *sql.DB, logger *zap.Logger) *RequestLogRepositoryImpl {
	return &RequestLogRepositoryImpl{db: db, logger: logger}
}

// Insert inserts a new request log entry.
func (r *RequestLogRepositoryImpl) Insert(ctx context.Context, entry *models.RequestLog) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (created_at, request_id, method, path, status_code, duration_ms, api_key_id, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(entry.CreatedAt), entry.RequestID, entry.Method, entry.Path, entry.StatusCode, entry.DurationMs,
		entry.APIKeyID, entry.ErrorCode)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return result.LastInsertId()
}

// List retrieves request logs with filtering and pagination, newest first.
func (r *RequestLogRepositoryImpl) List(
	ctx context.Context,
	limit, offset int,
	path *string,
	statusCode *int,
	startTime, endTime *time.Time,
) ([]*models.RequestLog, int64, error) {
	whereSQL, params := r.buildWhere(path, statusCode, startTime, endTime)

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM request_logs WHERE %s`, whereSQL)
	if err := r.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count request logs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, created_at, request_id, method, path, status_code, duration_ms, api_key_id, error_code
		FROM request_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, whereSQL)

	listParams := append(append([]any{}, params...), limit, offset)
	rows, err := r.db.QueryContext(ctx, query, listParams...)
	if err != nil {
		return nil, 0, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.RequestLog, 0)
	for rows.Next() {
		log, err := scanRequestLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, rows.Err()
}

// LogStatistics contains aggregated request-log statistics over a window.
type LogStatistics struct {
	TotalRequests int64   `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// GetStatistics retrieves aggregated statistics for the window.
func (r *RequestLogRepositoryImpl) GetStatistics(ctx context.Context, startTime, endTime *time.Time) (*LogStatistics, error) {
	whereSQL, params := r.buildWhere(nil, nil, startTime, endTime)

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) as total_requests,
			COALESCE(AVG(duration_ms), 0) as avg_latency,
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END as error_rate
		FROM request_logs
		WHERE %s
	`, whereSQL)

	var stats LogStatistics
	if err := r.db.QueryRowContext(ctx, query, params...).Scan(&stats.TotalRequests, &stats.AvgLatencyMs, &stats.ErrorRate); err != nil {
		return nil, fmt.Errorf("get request log statistics: %w", err)
	}
	stats.AvgLatencyMs = roundToPlaces(stats.AvgLatencyMs, 2)
	stats.ErrorRate = roundToPlaces(stats.ErrorRate, 2)
	return &stats, nil
}

// Delete removes logs older than the cutoff, returning the count removed.
func (r *RequestLogRepositoryImpl) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected > 0 {
		r.logger.Info("deleted request logs", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

func (r *RequestLogRepositoryImpl) buildWhere(
	path *string,
	statusCode *int,
	startTime, endTime *time.Time,
) (string, []any) {
	conditions := []string{"1=1"}
	var params []any

	if path != nil {
		conditions = append(conditions, "path = ?")
		params = append(params, *path)
	}
	if statusCode != nil {
		conditions = append(conditions, "status_code = ?")
		params = append(params, *statusCode)
	}
	if startTime != nil {
		conditions = append(conditions, "created_at >= ?")
		params = append(params, formatTime(*startTime))
	}
	if endTime != nil {
		conditions = append(conditions, "created_at <= ?")
		params = append(params, formatTime(*endTime))
	}

	return strings.Join(conditions, " AND "), params
}

func scanRequestLog(rows *sql.Rows) (*models.RequestLog, error) {
	var log models.RequestLog
	var apiKeyID sql.NullInt64
	var errorCode sql.NullString
	var createdAt string

	err := rows.Scan(&log.ID, &createdAt, &log.RequestID, &log.Method, &log.Path,
		&log.StatusCode, &log.DurationMs, &apiKeyID, &errorCode)
	if err != nil {
		return nil, fmt.Errorf("scan request log: %w", err)
	}
	log.CreatedAt = parseStoredTime(createdAt)
	if apiKeyID.Valid {
		log.APIKeyID = &apiKeyID.Int64
	}
	if errorCode.Valid {
		log.ErrorCode = &errorCode.String
	}
	return &log, nil
}
