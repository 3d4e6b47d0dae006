package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/version"
)

// HealthHandler answers GET /healthz: db reachability, worker heartbeat
// staleness, and queue status counts.
type HealthHandler struct {
	db                    *sql.DB
	settings              *runtimesettings.Store
	queue                 *jobqueue.Queue
	heartbeatStaleSeconds int
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *sql.DB, settings *runtimesettings.Store, queue *jobqueue.Queue, heartbeatStaleSeconds int) *HealthHandler {
	return &HealthHandler{db: db, settings: settings, queue: queue, heartbeatStaleSeconds: heartbeatStaleSeconds}
}

type heartbeatPayload struct {
	At       string `json:"at"`
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbOK := h.db.PingContext(ctx) == nil
	if !dbOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ok":         false,
			"db_ok":      false,
			"worker_ok":  false,
			"queue_ok":   false,
			"request_id": requestID(c),
		})
		return
	}

	workerOK, workerReason, lastSeenAt := h.checkWorker(ctx)
	queueOK, queueReason, counts := h.checkQueue(ctx)

	// Worker/queue trouble is degraded, not down: db is the only hard gate.
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"db_ok":     true,
		"worker_ok": workerOK,
		"queue_ok":  queueOK,
		"worker": gin.H{
			"last_seen_at": lastSeenAt,
			"stale_after_s": h.heartbeatStaleSeconds,
			"reason":        workerReason,
		},
		"queue": gin.H{
			"counts": counts,
			"reason": queueReason,
		},
		"request_id": requestID(c),
	})
}

func (h *HealthHandler) checkWorker(ctx context.Context) (ok bool, reason, lastSeenAt string) {
	setting, err := h.settings.Get(ctx, "worker.last_seen_at")
	if err != nil {
		return false, "heartbeat lookup failed", ""
	}
	if setting == nil {
		return false, "no heartbeat recorded yet", ""
	}

	var hb heartbeatPayload
	if err := json.Unmarshal([]byte(setting.ValueJSON), &hb); err != nil {
		return false, "heartbeat payload unreadable", ""
	}
	at, err := time.Parse(time.RFC3339, hb.At)
	if err != nil {
		return false, "heartbeat timestamp unreadable", hb.At
	}
	age := time.Since(at)
	if age > time.Duration(h.heartbeatStaleSeconds)*time.Second {
		return false, "heartbeat stale", hb.At
	}
	return true, "", hb.At
}

func (h *HealthHandler) checkQueue(ctx context.Context) (ok bool, reason string, counts map[jobqueue.Status]int) {
	counts, err := h.queue.StatusCounts(ctx)
	if err != nil {
		return false, "status query failed", nil
	}
	return true, "", counts
}

// Version handles GET /version.
func Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    version.Short(),
		"git_commit": version.GitCommit,
		"build_time": version.BuildTime,
		"info":       version.Info(),
	})
}
