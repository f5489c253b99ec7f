package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/billing"
	"github.com/societyledger/societyledger/internal/shared"
	_ "github.com/societyledger/societyledger/testing"
)

const society = int64(7)

var (
	april = billing.Period{Year: 2025, Month: 4}
	may   = billing.Period{Year: 2025, Month: 5}
	clock = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sqftSettings(rate string) billing.Settings {
	return billing.Settings{SocietyID: society, Method: billing.MethodSqft, RatePerSqft: d(rate)}
}

type fixture struct {
	repo  *memRepo
	svc   *billing.Service
	audit *recordingAudit
	flats []billing.Flat
}

func newFixture(t *testing.T, settings billing.Settings, flats ...billing.Flat) fixture {
	t.Helper()
	repo := newMemRepo()
	repo.settings[society] = settings.WithDefaults()
	f := fixture{repo: repo, audit: &recordingAudit{}}
	for _, flat := range flats {
		flat.SocietyID = society
		if flat.Occupancy == "" {
			flat.Occupancy = billing.Occupied
		}
		f.flats = append(f.flats, repo.addFlat(flat))
	}
	f.svc = billing.NewService(repo, f.audit, nil).WithNow(func() time.Time { return clock })
	return f
}

func (f fixture) balance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	acc, ok := f.repo.Account(society, code)
	if !ok {
		return decimal.Zero
	}
	return acc.CurrentBalance
}

func (f fixture) generateAndPost(t *testing.T, p billing.Period) billing.PostResult {
	t.Helper()
	_, err := f.svc.Generate(context.Background(), billing.GenerateInput{SocietyID: society, Period: p, ActorID: 1})
	require.NoError(t, err)
	res, err := f.svc.Post(context.Background(), billing.PostInput{SocietyID: society, Period: p, ActorID: 1})
	require.NoError(t, err)
	return res
}

func (f fixture) postExpense(t *testing.T, code string, amount string, date time.Time) {
	t.Helper()
	err := f.repo.Ledger.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
			SocietyID:   society,
			Date:        date,
			Description: "expense " + code,
			Lines: []accounting.PostingLine{
				{AccountCode: code, Debit: d(amount)},
				{AccountCode: accounting.CodeBank, Credit: d(amount)},
			},
		}, clock)
		return err
	})
	require.NoError(t, err)
}

func TestGenerateSqftBill(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})

	res, err := f.svc.Generate(context.Background(), billing.GenerateInput{SocietyID: society, Period: april, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	bill := res.Bills[0]
	require.True(t, d("5000").Equal(bill.TotalAmount))
	require.True(t, d("5000").Equal(bill.Maintenance))
	require.False(t, bill.IsPosted)
	require.Equal(t, billing.BillUnpaid, bill.Status)
	require.Empty(t, f.repo.Entries(), "generation must not touch the ledger")
	require.Equal(t, []string{"billing.generate"}, f.audit.actions())
}

func TestGenerateMixedSplitsWaterPerPerson(t *testing.T) {
	settings := billing.Settings{SocietyID: society, Method: billing.MethodMixed, VacancyFee: d("500")}
	f := newFixture(t, settings,
		billing.Flat{Number: "A-101", AreaSqft: d("800"), Occupants: 2},
		billing.Flat{Number: "A-102", AreaSqft: d("800"), Occupants: 3},
		billing.Flat{Number: "A-103", AreaSqft: d("800"), Occupants: 5},
		billing.Flat{Number: "A-104", AreaSqft: d("800"), Occupancy: billing.Vacant},
	)
	f.postExpense(t, accounting.CodeWaterCharges, "10000", time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC))
	// Outside the month; must be ignored.
	f.postExpense(t, accounting.CodeWaterCharges, "7000", time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC))

	res, err := f.svc.Generate(context.Background(), billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	require.Equal(t, 4, res.Count)

	byFlat := make(map[string]billing.MaintenanceBill)
	for _, b := range res.Bills {
		byFlat[b.FlatNumber] = b
	}
	require.True(t, d("1900").Equal(byFlat["A-101"].Water))
	require.True(t, d("2850").Equal(byFlat["A-102"].Water))
	require.True(t, d("4750").Equal(byFlat["A-103"].Water))
	require.True(t, d("500").Equal(byFlat["A-104"].Water))
	require.True(t, d("500").Equal(byFlat["A-104"].TotalAmount))
	require.True(t, d("10000").Equal(res.TotalAmount))

	var water billing.Component
	for _, c := range byFlat["A-101"].Breakdown.Components {
		if c.Name == billing.ComponentWater {
			water = c
		}
	}
	require.Equal(t, "per_person", water.Basis)
	require.Equal(t, "2", water.Params["occupants"])
	require.Equal(t, "950", water.Params["per_person_rate"])
}

func TestGenerateFixedUsesLedgerFixedExpenses(t *testing.T) {
	settings := billing.Settings{SocietyID: society, Method: billing.MethodFixed, FlatBaseRate: d("1000"), SinkingFundTotal: d("600")}
	f := newFixture(t, settings,
		billing.Flat{Number: "B-1", AreaSqft: d("500")},
		billing.Flat{Number: "B-2", AreaSqft: d("900")},
		billing.Flat{Number: "B-3", AreaSqft: d("1200")},
	)
	f.postExpense(t, "5200", "3000", time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC))

	res, err := f.svc.Generate(context.Background(), billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	for _, b := range res.Bills {
		require.True(t, d("1000").Equal(b.Fixed), b.FlatNumber)
		require.True(t, d("200").Equal(b.SinkingFund), b.FlatNumber)
		require.True(t, d("2200").Equal(b.TotalAmount), b.FlatNumber)
	}
}

func TestGenerateOverridesAndOccupantAdjustments(t *testing.T) {
	settings := billing.Settings{SocietyID: society, Method: billing.MethodWaterBased}
	f := newFixture(t, settings,
		billing.Flat{Number: "C-1", Occupants: 1},
		billing.Flat{Number: "C-2", Occupants: 1},
	)
	water := d("3000")
	fixed := decimal.Zero
	res, err := f.svc.Generate(context.Background(), billing.GenerateInput{
		SocietyID:           society,
		Period:              april,
		Overrides:           billing.Overrides{WaterExpense: &water, FixedExpenses: &fixed},
		OccupantAdjustments: map[int64]int{f.flats[1].ID: 2},
	})
	require.NoError(t, err)
	require.True(t, d("1000").Equal(res.Bills[0].Water))
	require.True(t, d("2000").Equal(res.Bills[1].Water))
}

func TestGenerateRequiresSequentialMonths(t *testing.T) {
	f := newFixture(t, sqftSettings("2"), billing.Flat{Number: "A-101", AreaSqft: d("100")})
	ctx := context.Background()

	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: billing.Period{Year: 2025, Month: 6}})
	require.ErrorIs(t, err, shared.ErrValidation)

	// April is still a draft, so May cannot carry its arrears yet.
	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: may})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "post 2025-04")

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: may})
	require.NoError(t, err)
}

func TestArrearsIgnoreUnpostedBills(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	arrears, err := f.repo.FlatArrears(ctx, society, may.Start())
	require.NoError(t, err)
	require.Empty(t, arrears, "a draft has not reached the receivable")

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	arrears, err = f.repo.FlatArrears(ctx, society, may.Start())
	require.NoError(t, err)
	require.True(t, d("5000").Equal(arrears[f.flats[0].ID]))
}

func TestGenerateValidation(t *testing.T) {
	ctx := context.Background()

	noSettings := newFixture(t, sqftSettings("1"), billing.Flat{Number: "A"})
	delete(noSettings.repo.settings, society)
	_, err := noSettings.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorIs(t, err, billing.ErrSettingsMissing)

	noFlats := newFixture(t, sqftSettings("1"))
	_, err = noFlats.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, billing.ErrNoFlats)

	badMonth := newFixture(t, sqftSettings("1"), billing.Flat{Number: "A"})
	_, err = badMonth.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: billing.Period{Year: 2025, Month: 13}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPostCohortCreatesOneEntry(t *testing.T) {
	f := newFixture(t, sqftSettings("5"),
		billing.Flat{Number: "A-101", AreaSqft: d("1000")},
		billing.Flat{Number: "A-102", AreaSqft: d("1000")},
		billing.Flat{Number: "A-103", AreaSqft: d("1000")},
	)
	res := f.generateAndPost(t, april)

	require.Equal(t, 3, res.Count)
	require.True(t, d("15000").Equal(res.TotalAmount))
	require.Equal(t, "JV-000001", res.EntryNumber)

	entries := f.repo.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "Maintenance bills for April 2025", entries[0].Description)
	require.Equal(t, billing.SourceBillingPost, entries[0].SourceModule)

	var receivable, income int
	for _, leg := range f.repo.Legs() {
		switch leg.AccountCode {
		case accounting.CodeMaintenanceReceivable:
			receivable++
			require.True(t, d("5000").Equal(leg.DebitAmount))
			require.NotEmpty(t, leg.DocumentNumber)
		case accounting.CodeMaintenanceIncome:
			income++
			require.True(t, d("15000").Equal(leg.CreditAmount))
		}
	}
	require.Equal(t, 3, receivable)
	require.Equal(t, 1, income)
	require.True(t, d("15000").Equal(f.balance(t, accounting.CodeMaintenanceReceivable)))
	require.True(t, d("-15000").Equal(f.balance(t, accounting.CodeMaintenanceIncome)))
	require.NoError(t, f.repo.CheckInvariants(society))

	bills, err := f.svc.ListBills(context.Background(), society, april)
	require.NoError(t, err)
	for _, b := range bills {
		require.True(t, b.IsPosted)
		require.NotNil(t, b.JournalEntryID)
		require.Equal(t, entries[0].ID, *b.JournalEntryID)
	}
}

func TestPostTwiceConflicts(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	f.generateAndPost(t, april)

	_, err := f.svc.Post(context.Background(), billing.PostInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.Len(t, f.repo.Entries(), 1)
	require.True(t, d("5000").Equal(f.balance(t, accounting.CodeMaintenanceReceivable)))
}

func TestPostRejectsExistingCohortJournal(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	err = f.repo.Ledger.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
			SocietyID:   society,
			Date:        april.Start(),
			Description: billing.CohortDescription(april),
			Lines: []accounting.PostingLine{
				{AccountCode: accounting.CodeMaintenanceReceivable, Debit: d("1")},
				{AccountCode: accounting.CodeMaintenanceIncome, Credit: d("1")},
			},
		}, clock)
		return err
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	require.False(t, bills[0].IsPosted)
}

func TestPostRollsBackWhenLedgerFails(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	boom := errors.New("disk full")
	f.repo.FailOn["InsertTransactions"] = boom
	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, boom)

	require.Empty(t, f.repo.Entries())
	require.True(t, f.balance(t, accounting.CodeMaintenanceReceivable).IsZero())
	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	require.False(t, bills[0].IsPosted)

	// The cohort stays postable after the failure.
	res, err := f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	require.Equal(t, "JV-000001", res.EntryNumber)
}

func TestPostRejectedInClosedYear(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	start, end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	f.repo.SetYear(society, "2025-26", start, end, "provisional_close")
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrStateTransition)
	require.Empty(t, f.repo.Entries())
	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	require.False(t, bills[0].IsPosted)

	_, err = f.svc.RecordPayment(ctx, billing.PaymentInput{SocietyID: society, FlatID: f.flats[0].ID, Amount: d("100"), Mode: billing.PaymentCash})
	require.ErrorIs(t, err, shared.ErrStateTransition)

	f.repo.SetYear(society, "2025-26", start, end, accounting.YearStatusOpen)
	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
}

func TestPostYearLockFailureRollsBack(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	f.repo.FailOn["LockPostingYear"] = errors.New("lock not available")
	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.ErrorContains(t, err, "lock not available")
	require.Empty(t, f.repo.Entries())
}

func TestPostLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewLocker(client, time.Minute)

	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	f.svc.WithLocker(locker)
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)

	release, err := locker.Acquire(ctx, shared.CohortLockKey(society, april.Year, april.Month))
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	release()

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	require.False(t, mr.Exists(shared.CohortLockKey(society, april.Year, april.Month)))
}

func TestPostIdempotencyKey(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	idem := &memIdempotency{keys: map[string]bool{}}
	f.svc.WithIdempotency(idem)
	ctx := context.Background()

	// A failed post releases its key so the client may retry.
	_, err := f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, []string{"k1"}, idem.deleted)

	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april, IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, f.repo.Entries(), 1)
}

func TestPostHookFailureDoesNotFailPost(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	var called int64
	f.svc.WithPostHook(hookFunc(func(_ context.Context, societyID int64) error {
		called = societyID
		return errors.New("queue down")
	}))
	res := f.generateAndPost(t, april)
	require.Equal(t, "JV-000001", res.EntryNumber)
	require.Equal(t, society, called)
}

func TestDeleteDrafts(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")}, billing.Flat{Number: "A-102", AreaSqft: d("1000")})
	ctx := context.Background()

	_, err := f.svc.DeleteDrafts(ctx, society, april, 1)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	n, err := f.svc.DeleteDrafts(ctx, society, april, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	f.generateAndPost(t, april)
	_, err = f.svc.DeleteDrafts(ctx, society, april, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeleteDraftsOnlyLatestMonth(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")}, billing.Flat{Number: "A-102", AreaSqft: d("1000")})
	ctx := context.Background()
	f.generateAndPost(t, april)
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: may})
	require.NoError(t, err)

	// Reverse A-101's April bill, then draft a manual April row behind May's back.
	aprilBills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	_, err = f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: aprilBills[0].ID, Reason: "wrong area", ApprovedBy: 9})
	require.NoError(t, err)
	draft, err := f.repo.InsertBill(ctx, billing.MaintenanceBill{SocietyID: society, FlatID: f.flats[0].ID, FlatNumber: "A-101", Year: april.Year, Month: april.Month, TotalAmount: d("10")})
	require.NoError(t, err)

	_, err = f.svc.DeleteDrafts(ctx, society, april, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "latest billed month 2025-05")
	_, err = f.repo.GetBillForUpdate(ctx, society, draft.ID)
	require.NoError(t, err, "the earlier month keeps its rows")

	n, err := f.svc.DeleteDrafts(ctx, society, may, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReverseOffsetsPostedBill(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("400")})
	f.generateAndPost(t, april)
	bills, err := f.svc.ListBills(context.Background(), society, april)
	require.NoError(t, err)
	require.True(t, d("2000").Equal(bills[0].TotalAmount))

	res, err := f.svc.Reverse(context.Background(), billing.ReverseInput{SocietyID: society, BillID: bills[0].ID, Reason: "wrong area", ApprovedBy: 9})
	require.NoError(t, err)
	require.True(t, d("2000").Equal(res.Amount))
	require.Equal(t, "JV-000002", res.EntryNumber)

	entries := f.repo.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, billing.SourceBillingReverse, entries[1].SourceModule)
	require.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), entries[1].Date)
	require.True(t, f.balance(t, accounting.CodeMaintenanceReceivable).IsZero())
	require.True(t, f.balance(t, accounting.CodeMaintenanceIncome).IsZero())
	require.NoError(t, f.repo.CheckInvariants(society))

	remaining, err := f.svc.ListBills(context.Background(), society, april)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Len(t, f.repo.reversals, 1)
	require.True(t, f.repo.reversals[0].WasPosted)
	require.Equal(t, "wrong area", f.repo.reversals[0].Reason)
}

func TestReverseValidation(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("400")})
	ctx := context.Background()

	_, err := f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: 1, ApprovedBy: 9})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: 1, Reason: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: 999, Reason: "x", ApprovedBy: 9})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRegenerateAfterReversal(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("400")})
	ctx := context.Background()
	flatID := f.flats[0].ID
	in := billing.RegenerateInput{
		SocietyID:  society,
		FlatID:     flatID,
		Period:     april,
		Components: billing.Components{Maintenance: d("1799.40")},
		Reason:     "corrected area",
		ApprovedBy: 9,
	}

	f.generateAndPost(t, april)
	_, err := f.svc.Regenerate(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation, "bill still exists")

	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	_, err = f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: bills[0].ID, Reason: "wrong area", ApprovedBy: 9})
	require.NoError(t, err)

	res, err := f.svc.Regenerate(ctx, in)
	require.NoError(t, err)
	require.True(t, d("1800").Equal(res.Bill.TotalAmount))
	require.True(t, res.Bill.IsPosted)
	require.True(t, res.Bill.Breakdown.Manual)
	require.Equal(t, "JV-000003", res.EntryNumber)
	require.True(t, d("1800").Equal(f.balance(t, accounting.CodeMaintenanceReceivable)))
	require.NoError(t, f.repo.CheckInvariants(society))
}

func TestRegenerateWaitsForDraftMonthToPost(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("400")}, billing.Flat{Number: "A-102", AreaSqft: d("600")})
	ctx := context.Background()
	_, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	drafts, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	_, err = f.svc.Reverse(ctx, billing.ReverseInput{SocietyID: society, BillID: drafts[0].ID, Reason: "wrong area", ApprovedBy: 9})
	require.NoError(t, err)

	in := billing.RegenerateInput{
		SocietyID:  society,
		FlatID:     f.flats[0].ID,
		Period:     april,
		Components: billing.Components{Maintenance: d("1800")},
		Reason:     "corrected area",
		ApprovedBy: 9,
	}
	_, err = f.svc.Regenerate(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "post 2025-04")
	require.Len(t, f.repo.Entries(), 1, "only the reversal entry")

	// The rest of the month still posts.
	post, err := f.svc.Post(ctx, billing.PostInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	require.Equal(t, 1, post.Count)
	require.True(t, d("3000").Equal(post.TotalAmount))

	res, err := f.svc.Regenerate(ctx, in)
	require.NoError(t, err)
	require.True(t, res.Bill.IsPosted)
	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	require.Len(t, bills, 2)
	require.Equal(t, "JV-000003", res.EntryNumber)
	require.NoError(t, f.repo.CheckInvariants(society))

	_, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: may})
	require.NoError(t, err)
}

func TestRegenerateWithoutReversalFails(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("400")})
	_, err := f.svc.Regenerate(context.Background(), billing.RegenerateInput{
		SocietyID: society, FlatID: f.flats[0].ID, Period: april,
		Components: billing.Components{Maintenance: d("100")}, Reason: "manual", ApprovedBy: 9,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, f.repo.Entries())
}

func TestArrearsCarryWithLateFee(t *testing.T) {
	settings := sqftSettings("5")
	settings.InterestOnOverdue = true
	settings.AnnualInterestRate = d("12")
	f := newFixture(t, settings, billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	f.generateAndPost(t, april)

	res, err := f.svc.Generate(context.Background(), billing.GenerateInput{SocietyID: society, Period: may})
	require.NoError(t, err)
	bill := res.Bills[0]
	require.True(t, d("5000").Equal(bill.Arrears))
	require.True(t, d("50").Equal(bill.LateFee))
	require.True(t, d("10050").Equal(bill.TotalAmount))

	post, err := f.svc.Post(context.Background(), billing.PostInput{SocietyID: society, Period: may})
	require.NoError(t, err)
	require.True(t, d("5050").Equal(post.TotalAmount), "arrears are already on the ledger")
	require.True(t, d("10050").Equal(f.balance(t, accounting.CodeMaintenanceReceivable)))
	require.True(t, d("-10000").Equal(f.balance(t, accounting.CodeMaintenanceIncome)))
	require.True(t, d("-50").Equal(f.balance(t, accounting.CodeInterestIncome)))
	require.NoError(t, f.repo.CheckInvariants(society))

	// Reversal unwinds both income accounts.
	_, err = f.svc.Reverse(context.Background(), billing.ReverseInput{SocietyID: society, BillID: bill.ID, Reason: "waived", ApprovedBy: 9})
	require.NoError(t, err)
	require.True(t, d("-5000").Equal(f.balance(t, accounting.CodeMaintenanceIncome)))
	require.True(t, f.balance(t, accounting.CodeInterestIncome).IsZero())
	require.True(t, d("5000").Equal(f.balance(t, accounting.CodeMaintenanceReceivable)))
}

func TestPaymentSettlesBillAndClearsArrears(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	f.generateAndPost(t, april)
	ctx := context.Background()

	payment, err := f.svc.RecordPayment(ctx, billing.PaymentInput{
		SocietyID: society,
		FlatID:    f.flats[0].ID,
		Amount:    d("5000"),
		PaidOn:    time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC),
		Mode:      billing.PaymentBank,
		Reference: "UTR123",
	})
	require.NoError(t, err)
	require.Equal(t, "JV-000002", payment.EntryNumber)
	require.Len(t, payment.BillsSettled, 1)
	require.True(t, d("5000").Equal(f.balance(t, accounting.CodeBank)))
	require.True(t, f.balance(t, accounting.CodeMaintenanceReceivable).IsZero())

	bills, err := f.svc.ListBills(ctx, society, april)
	require.NoError(t, err)
	require.Equal(t, billing.BillPaid, bills[0].Status)

	res, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: may})
	require.NoError(t, err)
	require.True(t, res.Bills[0].Arrears.IsZero())
	require.True(t, d("5000").Equal(res.Bills[0].TotalAmount))
}

func TestPaymentValidation(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()
	_, err := f.svc.RecordPayment(ctx, billing.PaymentInput{SocietyID: society, FlatID: f.flats[0].ID, Amount: d("0"), Mode: billing.PaymentCash})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.RecordPayment(ctx, billing.PaymentInput{SocietyID: society, FlatID: f.flats[0].ID, Amount: d("10"), Mode: "cheque"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.RecordPayment(ctx, billing.PaymentInput{SocietyID: society, FlatID: 404, Amount: d("10"), Mode: billing.PaymentCash})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSupplementaryChargesBilledOnceApproved(t *testing.T) {
	f := newFixture(t, sqftSettings("5"), billing.Flat{Number: "A-101", AreaSqft: d("1000")})
	ctx := context.Background()

	charge, err := f.svc.CreateCharge(ctx, billing.ChargeInput{SocietyID: society, FlatID: f.flats[0].ID, Amount: d("750.50"), Description: "Parking sticker"})
	require.NoError(t, err)
	require.Equal(t, billing.ChargePending, charge.Status)

	res, err := f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	require.True(t, res.Bills[0].Supplementary.IsZero(), "pending charges are not billed")
	_, err = f.svc.DeleteDrafts(ctx, society, april, 1)
	require.NoError(t, err)

	_, err = f.svc.ApproveCharge(ctx, society, charge.ID, 1)
	require.NoError(t, err)
	res, err = f.svc.Generate(ctx, billing.GenerateInput{SocietyID: society, Period: april})
	require.NoError(t, err)
	bill := res.Bills[0]
	require.True(t, d("750.50").Equal(bill.Supplementary))
	require.True(t, d("5751").Equal(bill.TotalAmount))
	require.NotNil(t, f.repo.charges[charge.ID].LinkedBillID)
	require.Equal(t, bill.ID, *f.repo.charges[charge.ID].LinkedBillID)

	// Dropping the drafts frees the charge for the next run.
	_, err = f.svc.DeleteDrafts(ctx, society, april, 1)
	require.NoError(t, err)
	require.Nil(t, f.repo.charges[charge.ID].LinkedBillID)
}

func TestUpdateSettingsValidates(t *testing.T) {
	f := newFixture(t, sqftSettings("5"))
	ctx := context.Background()

	_, err := f.svc.UpdateSettings(ctx, billing.Settings{SocietyID: society, Method: "per_head"}, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.UpdateSettings(ctx, billing.Settings{SocietyID: society, Method: billing.MethodSqft, RatePerSqft: d("-1")}, 1)
	require.ErrorIs(t, err, shared.ErrValidation)

	saved, err := f.svc.UpdateSettings(ctx, billing.Settings{SocietyID: society, Method: billing.MethodMixed, RatePerSqft: d("3.5")}, 1)
	require.NoError(t, err)
	require.Equal(t, billing.SplitEqual, saved.SinkingFundMode)
	require.Equal(t, accounting.CodeMaintenanceReceivable, saved.ReceivableAccount)

	got, err := f.svc.GetSettings(ctx, society)
	require.NoError(t, err)
	require.True(t, d("3.5").Equal(got.RatePerSqft))
}
