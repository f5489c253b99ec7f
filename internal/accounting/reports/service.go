package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

// LedgerSource reads the chart and posted legs.
type LedgerSource interface {
	Accounts(ctx context.Context, societyID int64) ([]accounting.Account, error)
	Movements(ctx context.Context, societyID int64, from, to time.Time) (map[string]accounting.Movement, error)
	LedgerLines(ctx context.Context, societyID int64, code string, from, to time.Time) ([]accounting.Transaction, error)
}

// OpeningSource resolves the financial year opening snapshot for a date.
type OpeningSource interface {
	OpeningWindow(ctx context.Context, societyID int64, date time.Time) (accounting.OpeningWindow, bool, error)
}

// Service computes read-only projections over the ledger.
type Service struct {
	ledger   LedgerSource
	openings OpeningSource
	logger   *slog.Logger
}

// NewService constructs the reporting service. openings may be nil, in which
// case account opening balances are used.
func NewService(ledger LedgerSource, openings OpeningSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, openings: openings, logger: logger}
}

// TrialBalance reports closing balances as of asOf.
func (s *Service) TrialBalance(ctx context.Context, societyID int64, asOf time.Time) (TrialBalance, error) {
	balances, err := s.balancesAsOf(ctx, societyID, asOf)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := BuildTrialBalance(balances)
	if !tb.Balanced {
		s.logger.Warn("data integrity: trial balance out of balance",
			slog.Int64("society_id", societyID),
			slog.String("as_of", asOf.Format(time.DateOnly)),
			slog.String("closing_debit", tb.TotalClosingDebit.StringFixed(2)),
			slog.String("closing_credit", tb.TotalClosingCredit.StringFixed(2)))
	}
	return tb, nil
}

// BalanceSheet reports the financial position as of asOf.
func (s *Service) BalanceSheet(ctx context.Context, societyID int64, asOf time.Time) (BalanceSheet, error) {
	balances, err := s.balancesAsOf(ctx, societyID, asOf)
	if err != nil {
		return BalanceSheet{}, err
	}
	bs := BuildBalanceSheet(balances)
	if !bs.Balanced {
		s.logger.Warn("data integrity: balance sheet does not tally",
			slog.Int64("society_id", societyID),
			slog.String("assets", bs.Assets.Total.StringFixed(2)),
			slog.String("liabilities_and_capital", bs.TotalLiabilitiesAndCapital.StringFixed(2)))
	}
	return bs, nil
}

// IncomeExpenditure reports nominal account movements between from and to.
func (s *Service) IncomeExpenditure(ctx context.Context, societyID int64, from, to time.Time) (IncomeExpenditure, error) {
	if err := checkRange(from, to); err != nil {
		return IncomeExpenditure{}, err
	}
	var (
		accounts  []accounting.Account
		movements map[string]accounting.Movement
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = s.ledger.Accounts(gctx, societyID)
		return err
	})
	g.Go(func() error {
		var err error
		movements, err = s.ledger.Movements(gctx, societyID, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return IncomeExpenditure{}, err
	}
	balances := make([]AccountBalance, 0, len(accounts))
	for _, acc := range accounts {
		m := movements[acc.Code]
		balances = append(balances, AccountBalance{Code: acc.Code, Name: acc.Name, Type: acc.Type, Debit: m.Debit, Credit: m.Credit})
	}
	return BuildIncomeExpenditure(balances), nil
}

// Ledger reports one account's legs between from and to with running balances.
func (s *Service) Ledger(ctx context.Context, societyID int64, code string, from, to time.Time) (Ledger, error) {
	if err := checkRange(from, to); err != nil {
		return Ledger{}, err
	}
	var (
		accounts []accounting.Account
		legs     []accounting.Transaction
		opening  decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		legs, err = s.ledger.LedgerLines(gctx, societyID, code, from, to)
		return err
	})
	g.Go(func() error {
		balances, err := s.balancesAsOf(gctx, societyID, from.AddDate(0, 0, -1))
		if err != nil {
			return err
		}
		for _, b := range balances {
			if b.Code == code {
				opening = b.Closing()
			}
		}
		accounts, err = s.ledger.Accounts(gctx, societyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Ledger{}, err
	}
	for _, acc := range accounts {
		if acc.Code == code {
			return BuildLedger(acc, opening, legs), nil
		}
	}
	return Ledger{}, fmt.Errorf("%w: account %s", shared.ErrNotFound, code)
}

// balancesAsOf combines the opening snapshot of the year containing asOf with
// movements from the year start to asOf.
func (s *Service) balancesAsOf(ctx context.Context, societyID int64, asOf time.Time) ([]AccountBalance, error) {
	var (
		accounts []accounting.Account
		window   accounting.OpeningWindow
		found    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = s.ledger.Accounts(gctx, societyID)
		return err
	})
	if s.openings != nil {
		g.Go(func() error {
			var err error
			window, found, err = s.openings.OpeningWindow(gctx, societyID, asOf)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	movements, err := s.ledger.Movements(ctx, societyID, window.Start, asOf)
	if err != nil {
		return nil, err
	}
	balances := make([]AccountBalance, 0, len(accounts))
	for _, acc := range accounts {
		opening := acc.OpeningBalance
		if found {
			opening = window.Balances[acc.Code]
		}
		m := movements[acc.Code]
		balances = append(balances, AccountBalance{
			Code:    acc.Code,
			Name:    acc.Name,
			Type:    acc.Type,
			Opening: opening,
			Debit:   m.Debit,
			Credit:  m.Credit,
		})
	}
	return balances, nil
}

func checkRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: from and to dates required", shared.ErrValidation)
	}
	if to.Before(from) {
		return fmt.Errorf("%w: range ends before it starts", shared.ErrValidation)
	}
	return nil
}
