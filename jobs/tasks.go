package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/verdant-pos/verdant/internal/rma"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueuePrinting carries receipts on their way to the store printer.
	QueuePrinting = "printing"

	// TaskReceiptPrint renders and sends one receipt to the printer.
	TaskReceiptPrint = "receipt:print"
	// TaskIdempotencyCleanup purges expired finalize keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReceiptPrintPayload carries a composed receipt. The receipt is immutable,
// so the worker prints exactly what the API composed.
type ReceiptPrintPayload struct {
	Receipt rma.Receipt `json:"receipt"`
}

// NewReceiptPrintTask constructs a print task. Retries are bounded so a dead
// printer does not queue receipts forever.
func NewReceiptPrintTask(receipt rma.Receipt) (*asynq.Task, error) {
	data, err := json.Marshal(ReceiptPrintPayload{Receipt: receipt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceiptPrint, data,
		asynq.Queue(QueuePrinting),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	), nil
}

// IdempotencyCleanupPayload controls the retention window.
type IdempotencyCleanupPayload struct {
	Module        string `json:"module"`
	RetentionDays int    `json:"retention_days"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
