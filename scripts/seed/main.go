// Command seed loads a demo society: flats, the default chart with opening
// fund balances, a financial year, billing settings and one posted month.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/app"
	"github.com/societyledger/societyledger/internal/billing"
	yearclose "github.com/societyledger/societyledger/internal/close"
	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/shared"
)

const seedActor = 1

type demoFlat struct {
	number    string
	area      int64
	vacant    bool
	occupants int
}

var demoFlats = []demoFlat{
	{"A-101", 850, false, 3}, {"A-102", 850, false, 2}, {"A-201", 1000, false, 4},
	{"A-202", 1000, true, 0}, {"A-301", 1250, false, 5}, {"A-302", 1250, false, 2},
	{"B-101", 650, false, 1}, {"B-102", 650, false, 2}, {"B-201", 900, true, 0},
	{"B-202", 900, false, 3}, {"B-301", 1400, false, 4}, {"B-302", 1400, false, 2},
}

func main() {
	society := flag.Int64("society", 1, "society id to seed")
	start := flag.String("year-start", "2024-04-01", "first day of the demo financial year")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg).With(slog.String("component", "seed"), slog.Int64("society_id", *society))

	yearStart, err := time.Parse("2006-01-02", *start)
	if err != nil {
		logger.Error("parse year start", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, logger, *society, yearStart); err != nil {
		logger.Error("seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete")
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, societyID int64, yearStart time.Time) error {
	if err := db.Migrate(cfg.PGDSN); err != nil {
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	svc := app.NewServices(app.ServiceDeps{Pool: pool, Logger: logger})

	logger.Info("seeding flats")
	for _, f := range demoFlats {
		occupancy := billing.Occupied
		if f.vacant {
			occupancy = billing.Vacant
		}
		if _, err := pool.Exec(ctx, `INSERT INTO flats (society_id, flat_number, area_sqft, occupancy, occupants)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (society_id, flat_number) DO NOTHING`,
			societyID, f.number, decimal.NewFromInt(f.area), string(occupancy), f.occupants); err != nil {
			return fmt.Errorf("flat %s: %w", f.number, err)
		}
	}

	logger.Info("seeding chart of accounts")
	codes := make([]string, 0)
	for _, acc := range accounting.DefaultChart() {
		codes = append(codes, acc.Code)
	}
	if err := svc.LedgerRepo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := accounting.EnsureAccounts(ctx, tx, societyID, codes, time.Now())
		return err
	}); err != nil {
		return err
	}

	years, err := svc.Years.ListYears(ctx, societyID)
	if err != nil {
		return err
	}
	if len(years) == 0 {
		logger.Info("creating financial year")
		if _, err := svc.Years.CreateYear(ctx, yearclose.CreateYearInput{
			SocietyID: societyID,
			StartDate: yearStart,
			EndDate:   yearStart.AddDate(1, 0, -1),
			ActorID:   seedActor,
		}); err != nil {
			return err
		}
	}

	journals, err := svc.Ledger.ListJournals(ctx, accounting.JournalFilter{SocietyID: societyID, Limit: 1})
	if err != nil {
		return err
	}
	if len(journals) == 0 {
		logger.Info("posting opening fund balances")
		if _, err := svc.Ledger.PostJournal(ctx, accounting.PostingInput{
			SocietyID:   societyID,
			Date:        yearStart,
			Description: "Opening fund balances brought forward",
			PostedBy:    seedActor,
			Lines: []accounting.PostingLine{
				{AccountCode: accounting.CodeBank, Debit: decimal.NewFromInt(250000)},
				{AccountCode: accounting.CodeSinkingFund, Credit: decimal.NewFromInt(150000)},
				{AccountCode: accounting.CodeRepairFund, Credit: decimal.NewFromInt(60000)},
				{AccountCode: accounting.CodeCorpusFund, Credit: decimal.NewFromInt(40000)},
			},
		}); err != nil {
			return err
		}
	}

	logger.Info("saving billing settings")
	if _, err := svc.Billing.UpdateSettings(ctx, billing.Settings{
		SocietyID:          societyID,
		Method:             billing.MethodSqft,
		RatePerSqft:        decimal.RequireFromString("3.50"),
		SinkingFundTotal:   decimal.NewFromInt(24000),
		RepairFundTotal:    decimal.NewFromInt(12000),
		SinkingFundMode:    billing.SplitSqft,
		RepairFundMode:     billing.SplitEqual,
		VacancyFee:         decimal.NewFromInt(500),
		InterestOnOverdue:  true,
		AnnualInterestRate: decimal.NewFromInt(12),
	}, seedActor); err != nil {
		return err
	}

	period := billing.Period{Year: yearStart.Year(), Month: int(yearStart.Month())}
	logger.Info("generating first month", slog.Int("year", period.Year), slog.Int("month", period.Month))
	if _, err := svc.Billing.Generate(ctx, billing.GenerateInput{SocietyID: societyID, Period: period, ActorID: seedActor}); err != nil {
		if !errors.Is(err, shared.ErrValidation) {
			return err
		}
		logger.Info("cohort already generated", slog.Any("detail", err))
	}
	posted, err := svc.Billing.Post(ctx, billing.PostInput{
		SocietyID:      societyID,
		Period:         period,
		ActorID:        seedActor,
		IdempotencyKey: fmt.Sprintf("seed-%04d-%02d", period.Year, period.Month),
	})
	switch {
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, shared.ErrConcurrencyConflict):
		logger.Info("cohort already posted")
		return nil
	case err != nil:
		return err
	}
	logger.Info("cohort posted", slog.Int("bills", posted.Count), slog.String("total", posted.TotalAmount.StringFixed(2)))

	flats, err := billingFlats(ctx, pool, societyID)
	if err != nil || len(flats) == 0 {
		return err
	}
	_, err = svc.Billing.RecordPayment(ctx, billing.PaymentInput{
		SocietyID: societyID,
		FlatID:    flats[0],
		Amount:    decimal.NewFromInt(2000),
		PaidOn:    yearStart.AddDate(0, 0, 9),
		Mode:      billing.PaymentBank,
		Reference: "NEFT-SEED-0001",
		ActorID:   seedActor,
	})
	return err
}

func billingFlats(ctx context.Context, q db.Querier, societyID int64) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT id FROM flats WHERE society_id=$1 AND occupancy='occupied' ORDER BY flat_number`, societyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
