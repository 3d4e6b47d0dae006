// Package worker runs the poll/heartbeat/dispatch loop over the durable
// job queue: one or more worker identities claim jobs, run them through a
// handler registry, and finalize the outcome back into the queue's finite
// state machine.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/image-random-service/internal/database"
	"github.com/user/image-random-service/internal/jobqueue"
	"github.com/user/image-random-service/internal/runtimesettings"
	"github.com/user/image-random-service/internal/selector"
	"go.uber.org/zap"
)

// Result is what a Handler returns after running a job.
type Result struct {
	Outcome       jobqueue.Outcome
	Error         string
	DeferRunAfter *time.Time
}

// Handler runs one job and reports how the queue should transition it.
type Handler func(ctx context.Context, job *jobqueue.Job) Result

// HeartbeatInterval is the cadence of worker.last_seen_at writes.
const HeartbeatInterval = 10 * time.Second

const (
	defaultLockTTL       = 5 * time.Minute
	defaultIdleInterval  = 2 * time.Second
	defaultClaimBatch    = 1
	heartbeatSettingsKey = "worker.last_seen_at"
)

// SubLoop is a periodically gated enqueue action (proxy probe, easy-proxies
// refresh, request-log cleanup). Interval gates at-most-one in-flight job
// per purpose by relying on the handler's own dedup'd enqueue call.
type SubLoop struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Options configures a Worker.
type Options struct {
	LockTTL      time.Duration
	IdleInterval time.Duration
	ClaimBatch   int
	SubLoops     []SubLoop
}

// Worker polls jobqueue.Queue, dispatching claimed jobs through a handler
// registry and maintaining a heartbeat in runtime_settings.
type Worker struct {
	id       string
	pid      int
	queue    *jobqueue.Queue
	settings *runtimesettings.Store
	logger   *zap.Logger
	handlers map[string]Handler
	opts     Options

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Worker with a fresh random identity.
func New(queue *jobqueue.Queue, settings *runtimesettings.Store, logger *zap.Logger, opts Options) *Worker {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = defaultClaimBatch
	}
	return &Worker{
		id:       uuid.New().String(),
		pid:      os.Getpid(),
		queue:    queue,
		settings: settings,
		logger:   logger,
		handlers: make(map[string]Handler),
		opts:     opts,
	}
}

// Register binds jobType to handler. Call before Start.
func (w *Worker) Register(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

// ID returns this worker's identity.
func (w *Worker) ID() string { return w.id }

// Start launches the heartbeat loop, each configured sub-loop, and the
// claim-and-dispatch loop as background goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	for _, sl := range w.opts.SubLoops {
		w.wg.Add(1)
		go w.subLoop(ctx, sl)
	}

	w.wg.Add(1)
	go w.dispatchLoop(ctx)

	w.logger.Info("worker started", zap.String("worker_id", w.id), zap.Int("pid", w.pid))
}

// Stop signals all loops to exit and waits for them.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("worker stopped", zap.String("worker_id", w.id))
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	w.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	payload, err := json.Marshal(map[string]any{
		"at":        time.Now().UTC().Format(time.RFC3339),
		"worker_id": w.id,
		"pid":       w.pid,
	})
	if err != nil {
		w.logger.Error("marshal heartbeat", zap.Error(err))
		return
	}
	if err := w.settings.Set(ctx, heartbeatSettingsKey, string(payload), w.id); err != nil {
		w.logger.Error("write heartbeat", zap.Error(err))
	}
}

func (w *Worker) subLoop(ctx context.Context, sl SubLoop) {
	defer w.wg.Done()

	ticker := time.NewTicker(sl.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if err := sl.Run(ctx); err != nil {
				w.logger.Warn("subloop failed", zap.String("name", sl.Name), zap.Error(err))
			}
		}
	}
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		claimed := false
		for i := 0; i < w.opts.ClaimBatch; i++ {
			if !w.claimAndRun(ctx) {
				break
			}
			claimed = true
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-time.After(w.opts.IdleInterval):
			}
		}
	}
}

// claimAndRun claims at most one job and dispatches it, returning whether a
// job was claimed (used to decide whether to skip the idle sleep).
func (w *Worker) claimAndRun(ctx context.Context) bool {
	now := time.Now().UTC()
	var job *jobqueue.Job
	err := database.WithBusyRetry(ctx, func() error {
		var claimErr error
		job, claimErr = w.queue.Claim(ctx, w.id, w.opts.LockTTL, now)
		return claimErr
	})
	if err != nil {
		w.logger.Error("claim job", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.finalize(ctx, job, Result{
			Outcome: jobqueue.OutcomePermanentFailure,
			Error:   "unknown job type: " + job.Type,
		})
		return true
	}

	result := w.runHandler(ctx, job, handler)
	w.finalize(ctx, job, result)
	return true
}

// runHandler invokes handler, recovering from panics as a recoverable
// failure so one bad job can never take the loop down.
func (w *Worker) runHandler(ctx context.Context, job *jobqueue.Job, handler Handler) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", zap.Int64("job_id", job.ID), zap.Any("panic", r))
			result = Result{Outcome: jobqueue.OutcomeRecoverableFailure, Error: "handler panic"}
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) finalize(ctx context.Context, job *jobqueue.Job, result Result) {
	now := time.Now().UTC()

	// A busy backing store is contention, not a real handler failure:
	// translate it into a jittered defer so the attempt counter stays put.
	if result.Outcome == jobqueue.OutcomeRecoverableFailure && database.IsBusy(errorString(result.Error)) {
		runAfter := now.Add(selector.StorageBusyJitter(rand.Float64()))
		result = Result{Outcome: jobqueue.OutcomeDefer, Error: result.Error, DeferRunAfter: &runAfter}
	}

	var fr *jobqueue.FinalizeResult
	err := database.WithBusyRetry(ctx, func() error {
		var finErr error
		fr, finErr = w.queue.Finalize(ctx, job.ID, w.id, result.Outcome, result.Error, result.DeferRunAfter, now)
		return finErr
	})
	if err != nil {
		w.logger.Error("finalize job", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if fr == nil {
		w.logger.Warn("finalize no-op: lock lost", zap.Int64("job_id", job.ID))
		return
	}
	w.logger.Debug("job finalized",
		zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.String("new_status", string(fr.NewStatus)))
}

// errorString adapts a handler's error text back into an error for the
// busy classifier, which matches on message content.
func errorString(msg string) error {
	if msg == "" {
		return nil
	}
	return errMsg(msg)
}

type errMsg string

func (e errMsg) Error() string { return string(e) }
