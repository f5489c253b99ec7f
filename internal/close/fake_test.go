package close_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/accounting/accountingtest"
	yearclose "github.com/societyledger/societyledger/internal/close"
	"github.com/societyledger/societyledger/internal/shared"
)

type memRepo struct {
	*accountingtest.Ledger

	mu          sync.Mutex
	nextID      int64
	years       map[int64]yearclose.FinancialYear
	openings    map[int64]map[string]yearclose.OpeningBalance
	adjustments []yearclose.AuditAdjustment
}

func newMemRepo() *memRepo {
	return &memRepo{
		Ledger:   accountingtest.New(),
		nextID:   500,
		years:    make(map[int64]yearclose.FinancialYear),
		openings: make(map[int64]map[string]yearclose.OpeningBalance),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, yearclose.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	err := r.Ledger.Atomic(func() error { return fn(ctx, r) })
	if err != nil {
		r.restore(snap)
	}
	return err
}

type memSnapshot struct {
	nextID      int64
	years       map[int64]yearclose.FinancialYear
	openings    map[int64]map[string]yearclose.OpeningBalance
	adjustments []yearclose.AuditAdjustment
}

func (r *memRepo) snapshot() memSnapshot {
	s := memSnapshot{
		nextID:      r.nextID,
		years:       make(map[int64]yearclose.FinancialYear, len(r.years)),
		openings:    make(map[int64]map[string]yearclose.OpeningBalance, len(r.openings)),
		adjustments: append([]yearclose.AuditAdjustment(nil), r.adjustments...),
	}
	for k, v := range r.years {
		s.years[k] = v
	}
	for year, rows := range r.openings {
		copied := make(map[string]yearclose.OpeningBalance, len(rows))
		for code, row := range rows {
			copied[code] = row
		}
		s.openings[year] = copied
	}
	return s
}

func (r *memRepo) restore(s memSnapshot) {
	r.nextID = s.nextID
	r.years = s.years
	r.openings = s.openings
	r.adjustments = s.adjustments
}

func (r *memRepo) sortedYears(societyID int64, keep func(yearclose.FinancialYear) bool) []yearclose.FinancialYear {
	var out []yearclose.FinancialYear
	for _, y := range r.years {
		if y.SocietyID == societyID && (keep == nil || keep(y)) {
			out = append(out, y)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

func (r *memRepo) ListYears(_ context.Context, societyID int64) ([]yearclose.FinancialYear, error) {
	return r.sortedYears(societyID, nil), nil
}

func (r *memRepo) GetYear(_ context.Context, societyID, yearID int64) (yearclose.FinancialYear, error) {
	y, ok := r.years[yearID]
	if !ok || y.SocietyID != societyID {
		return yearclose.FinancialYear{}, fmt.Errorf("%w: financial year %d", shared.ErrNotFound, yearID)
	}
	return y, nil
}

func (r *memRepo) GetYearForUpdate(ctx context.Context, societyID, yearID int64) (yearclose.FinancialYear, error) {
	return r.GetYear(ctx, societyID, yearID)
}

func (r *memRepo) YearByStart(_ context.Context, societyID int64, start time.Time) (yearclose.FinancialYear, bool, error) {
	found := r.sortedYears(societyID, func(y yearclose.FinancialYear) bool { return y.StartDate.Equal(start) })
	if len(found) == 0 {
		return yearclose.FinancialYear{}, false, nil
	}
	return found[0], true, nil
}

func (r *memRepo) YearContaining(_ context.Context, societyID int64, date time.Time) (yearclose.FinancialYear, bool, error) {
	found := r.sortedYears(societyID, func(y yearclose.FinancialYear) bool { return y.Contains(date) })
	if len(found) == 0 {
		return yearclose.FinancialYear{}, false, nil
	}
	return found[len(found)-1], true, nil
}

func (r *memRepo) LockPostingYear(ctx context.Context, societyID int64, date time.Time) (accounting.PostingYear, bool, error) {
	y, ok, err := r.YearContaining(ctx, societyID, date)
	if err != nil || !ok {
		return accounting.PostingYear{}, ok, err
	}
	return accounting.PostingYear{Name: y.YearName, Status: string(y.Status)}, true, nil
}

func (r *memRepo) ActiveYears(_ context.Context, societyID int64) ([]yearclose.FinancialYear, error) {
	out := r.sortedYears(societyID, func(y yearclose.FinancialYear) bool { return y.IsActive })
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

func (r *memRepo) OverlappingYear(_ context.Context, societyID int64, start, end time.Time) (bool, error) {
	found := r.sortedYears(societyID, func(y yearclose.FinancialYear) bool {
		return !y.StartDate.After(end) && !y.EndDate.Before(start)
	})
	return len(found) > 0, nil
}

func (r *memRepo) InsertYear(_ context.Context, y yearclose.FinancialYear) (yearclose.FinancialYear, error) {
	r.nextID++
	y.ID = r.nextID
	r.years[y.ID] = y
	return y, nil
}

func (r *memRepo) UpdateYear(_ context.Context, y yearclose.FinancialYear) error {
	stored, ok := r.years[y.ID]
	if !ok {
		return fmt.Errorf("%w: financial year %d", shared.ErrNotFound, y.ID)
	}
	y.IsActive = stored.IsActive
	r.years[y.ID] = y
	return nil
}

func (r *memRepo) SetActive(_ context.Context, societyID int64, yearIDs []int64, active bool) error {
	for _, id := range yearIDs {
		y, ok := r.years[id]
		if !ok || y.SocietyID != societyID {
			continue
		}
		y.IsActive = active
		r.years[id] = y
	}
	return nil
}

func (r *memRepo) OpeningBalances(_ context.Context, yearID int64) ([]yearclose.OpeningBalance, error) {
	out := make([]yearclose.OpeningBalance, 0, len(r.openings[yearID]))
	for _, row := range r.openings[yearID] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountCode < out[j].AccountCode })
	return out, nil
}

func (r *memRepo) UpsertOpeningBalance(_ context.Context, o yearclose.OpeningBalance) error {
	rows := r.openings[o.FinancialYearID]
	if rows == nil {
		rows = make(map[string]yearclose.OpeningBalance)
		r.openings[o.FinancialYearID] = rows
	}
	if existing, ok := rows[o.AccountCode]; ok {
		if existing.Status == yearclose.OpeningFinalized {
			return fmt.Errorf("%w: %w: %s", shared.ErrStateTransition, yearclose.ErrOpeningFinalized, o.AccountCode)
		}
		o.ID = existing.ID
		o.Status = existing.Status
	} else {
		r.nextID++
		o.ID = r.nextID
	}
	rows[o.AccountCode] = o
	return nil
}

func (r *memRepo) FinalizeOpeningBalances(_ context.Context, yearID int64, at time.Time) error {
	for code, row := range r.openings[yearID] {
		row.Status = yearclose.OpeningFinalized
		row.UpdatedAt = at
		r.openings[yearID][code] = row
	}
	return nil
}

func (r *memRepo) InsertAdjustment(_ context.Context, adj yearclose.AuditAdjustment) (yearclose.AuditAdjustment, error) {
	r.nextID++
	adj.ID = r.nextID
	r.adjustments = append(r.adjustments, adj)
	return adj, nil
}

func (r *memRepo) ListAdjustments(_ context.Context, yearID int64) ([]yearclose.AuditAdjustment, error) {
	var out []yearclose.AuditAdjustment
	for _, adj := range r.adjustments {
		if adj.FinancialYearID == yearID {
			out = append(out, adj)
		}
	}
	return out, nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}
