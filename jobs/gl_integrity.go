package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/panjf2000/ants/v2"

	"github.com/societyledger/societyledger/internal/accounting"
	jobmetrics "github.com/societyledger/societyledger/internal/jobs"
)

const defaultIntegrityPoolSize = 4

// IntegritySource re-derives ledger invariants from storage.
type IntegritySource interface {
	SocietyIDs(ctx context.Context) ([]int64, error)
	IntegrityIssues(ctx context.Context, societyID int64) ([]accounting.IntegrityIssue, error)
}

// IntegrityReport summarises one sweep.
type IntegrityReport struct {
	Societies int
	Issues    []accounting.IntegrityIssue
}

// LedgerIntegrityJob checks that every journal entry balances and that stored
// account balances reconcile with their legs.
type LedgerIntegrityJob struct {
	Source   IntegritySource
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	PoolSize int
	clock    func() time.Time
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(source IntegritySource, logger *slog.Logger, metrics *jobmetrics.Metrics, poolSize int) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Source:   source,
		Logger:   logger,
		Metrics:  metrics,
		PoolSize: poolSize,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity sweep for an asynq task.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger integrity: decode payload: %w", asynq.SkipRetry)
		}
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	logger := j.logger().With(slog.Int64("society_id", payload.SocietyID), slog.String("reason", payload.Reason))
	logger.Info("starting ledger integrity sweep")

	report, err := j.Sweep(ctx, payload.SocietyID)
	if err != nil {
		logger.Error("integrity sweep incomplete", slog.Any("error", err))
	}
	logger.Info("completed ledger integrity sweep",
		slog.Int("societies", report.Societies),
		slog.Int("issues", len(report.Issues)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return tracker.End(err)
}

// Sweep checks one society, or every society when societyID is zero. Each
// tenant is checked on the ants pool; violations are logged and counted and
// never repaired.
func (j *LedgerIntegrityJob) Sweep(ctx context.Context, societyID int64) (IntegrityReport, error) {
	societies := []int64{societyID}
	if societyID <= 0 {
		ids, err := j.Source.SocietyIDs(ctx)
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("ledger integrity: list societies: %w", err)
		}
		societies = ids
	}

	size := j.PoolSize
	if size <= 0 {
		size = defaultIntegrityPoolSize
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("ledger integrity: worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issues []accounting.IntegrityIssue
		errs   []error
	)
	for _, id := range societies {
		id := id
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			found, err := j.Source.IntegrityIssues(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("society %d: %w", id, err))
				return
			}
			issues = append(issues, found...)
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("society %d: %w", id, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	sort.Slice(issues, func(a, b int) bool {
		if issues[a].SocietyID != issues[b].SocietyID {
			return issues[a].SocietyID < issues[b].SocietyID
		}
		if issues[a].Kind != issues[b].Kind {
			return issues[a].Kind < issues[b].Kind
		}
		return issues[a].Reference < issues[b].Reference
	})
	j.report(ctx, issues)
	j.metrics().SetSocietiesScanned(len(societies))
	return IntegrityReport{Societies: len(societies), Issues: issues}, errors.Join(errs...)
}

func (j *LedgerIntegrityJob) report(ctx context.Context, issues []accounting.IntegrityIssue) {
	type key struct {
		kind    string
		society int64
	}
	counts := make(map[key]int)
	for _, issue := range issues {
		j.logger().WarnContext(ctx, "ledger integrity violation",
			slog.Int64("society_id", issue.SocietyID),
			slog.String("kind", issue.Kind),
			slog.String("reference", issue.Reference),
			slog.String("expected", issue.Expected.StringFixed(2)),
			slog.String("actual", issue.Actual.StringFixed(2)),
		)
		counts[key{kind: issue.Kind, society: issue.SocietyID}]++
	}
	for k, n := range counts {
		j.metrics().AddIntegrityIssues(k.kind, k.society, n)
	}
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
