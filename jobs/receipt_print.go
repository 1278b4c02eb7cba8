package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/verdant-pos/verdant/internal/jobs"
	"github.com/verdant-pos/verdant/internal/rma"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReceiptPrintJob hands queued receipts to the printer.
type ReceiptPrintJob struct {
	Printer rma.PrinterPort
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReceiptPrintJob wires dependencies for the print handler.
func NewReceiptPrintJob(printer rma.PrinterPort, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReceiptPrintJob {
	return &ReceiptPrintJob{Printer: printer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskReceiptPrint tasks.
func (j *ReceiptPrintJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Printer == nil {
		return errors.New("receipt print: handler not configured")
	}
	var payload ReceiptPrintPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Receipt.Number == "" {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskReceiptPrint)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("number", payload.Receipt.Number), slog.String("kind", string(payload.Receipt.Kind)))
	if err := j.Printer.Print(ctx, payload.Receipt); err != nil {
		if finalAttempt(ctx) {
			j.metrics().AddExhausted(TaskReceiptPrint)
			logger.Error("print receipt: retries exhausted", slog.Any("error", err))
		} else {
			logger.Warn("print receipt", slog.Any("error", err))
		}
		return err
	}
	j.metrics().AddProcessed(TaskReceiptPrint, 1)
	logger.Info("receipt printed")
	return nil
}

func (j *ReceiptPrintJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReceiptPrint))
	}
	return slog.Default().With(slog.String("job", TaskReceiptPrint))
}

func (j *ReceiptPrintJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// finalAttempt reports whether a failure now sends the task to the archive.
// Outside a worker the retry metadata is missing and the answer is false.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= limit
}
