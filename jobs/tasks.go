package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/societyledger/societyledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries post-commit checks that should not wait behind sweeps.
	QueueCritical = "critical"

	// TaskLedgerIntegrity re-derives the ledger invariants for one or all societies.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerIntegrityPayload scopes an integrity sweep. SocietyID zero means every
// society that owns accounts.
type LedgerIntegrityPayload struct {
	SocietyID int64  `json:"society_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewLedgerIntegrityTask constructs an integrity sweep task.
func NewLedgerIntegrityTask(societyID int64, reason string) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{SocietyID: societyID, Reason: reason})
	if err != nil {
		return nil, err
	}
	queue := QueueDefault
	if societyID > 0 {
		queue = QueueCritical
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(queue), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)), nil
}

// IdempotencyCleanupPayload configures how old a key must be before removal.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
