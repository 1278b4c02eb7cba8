package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/verdant-pos/verdant/internal/jobs"
	"github.com/verdant-pos/verdant/internal/rma"
)

// DefaultIdempotencyRetention keeps finalize keys well past any plausible retry.
const DefaultIdempotencyRetention = 90 * 24 * time.Hour

// purgeBatch bounds how many expired keys one run inspects.
const purgeBatch = 5000

// IdempotencyPurger lists and deletes claimed keys.
type IdempotencyPurger interface {
	Expired(ctx context.Context, module string, olderThan time.Duration, limit int) ([]string, error)
	DeleteKeys(ctx context.Context, keys []string) (int64, error)
}

// SettlementChecker reports which RMAs reached a terminal status.
type SettlementChecker interface {
	Settled(ctx context.Context, ids []string) (map[string]bool, error)
}

// IdempotencyCleanupJob purges old finalize keys of refunded or destroyed
// RMAs. A pending RMA still holding its key had a failed commit after the
// external call; that key stays until the RMA is reconciled.
type IdempotencyCleanupJob struct {
	Store   IdempotencyPurger
	RMAs    SettlementChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(store IdempotencyPurger, rmas SettlementChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{
		Store:   store,
		RMAs:    rmas,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil || j.RMAs == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Module == "" {
		payload.Module = "rma"
	}
	retention := DefaultIdempotencyRetention
	if payload.RetentionDays > 0 {
		retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
	}

	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("module", payload.Module))
	start := j.now()
	expired, err := j.Store.Expired(ctx, payload.Module, retention, purgeBatch)
	if err != nil {
		logger.Error("list expired idempotency keys", slog.Any("error", err))
		return err
	}
	owners := make(map[string]string, len(expired))
	ids := make([]string, 0, len(expired))
	for _, key := range expired {
		if id, ok := rma.FinalizeKeyRMAID(key); ok {
			owners[key] = id
			ids = append(ids, id)
		}
	}
	settled, err := j.RMAs.Settled(ctx, ids)
	if err != nil {
		logger.Error("check rma settlement", slog.Any("error", err))
		return err
	}
	deletable := make([]string, 0, len(expired))
	for _, key := range expired {
		if id, ok := owners[key]; ok && settled[id] {
			deletable = append(deletable, key)
		}
	}
	var purged int64
	if len(deletable) > 0 {
		purged, err = j.Store.DeleteKeys(ctx, deletable)
		if err != nil {
			logger.Error("purge idempotency keys", slog.Any("error", err))
			return err
		}
	}
	if held := len(expired) - len(deletable); held > 0 {
		logger.Warn("expired idempotency keys held for reconciliation", slog.Int("held", held))
	}
	j.metrics().AddProcessed(TaskIdempotencyCleanup, purged)
	logger.Info("purged idempotency keys", slog.Int64("purged", purged), slog.Duration("retention", retention), slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}

func (j *IdempotencyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IdempotencyCleanupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
