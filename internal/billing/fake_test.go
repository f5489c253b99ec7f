package billing_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting/accountingtest"
	"github.com/societyledger/societyledger/internal/billing"
	"github.com/societyledger/societyledger/internal/shared"
)

type memRepo struct {
	*accountingtest.Ledger

	mu        sync.Mutex
	nextID    int64
	settings  map[int64]billing.Settings
	flats     map[int64]billing.Flat
	bills     map[int64]billing.MaintenanceBill
	charges   map[int64]billing.SupplementaryCharge
	reversals []billing.Reversal
	payments  []billing.Payment
}

func newMemRepo() *memRepo {
	return &memRepo{
		Ledger:   accountingtest.New(),
		nextID:   1000,
		settings: make(map[int64]billing.Settings),
		flats:    make(map[int64]billing.Flat),
		bills:    make(map[int64]billing.MaintenanceBill),
		charges:  make(map[int64]billing.SupplementaryCharge),
	}
}

func (r *memRepo) addFlat(f billing.Flat) billing.Flat {
	r.nextID++
	f.ID = r.nextID
	r.flats[f.ID] = f
	return f
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, billing.TxRepository) error) error {
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
	nextID    int64
	bills     map[int64]billing.MaintenanceBill
	charges   map[int64]billing.SupplementaryCharge
	reversals []billing.Reversal
	payments  []billing.Payment
}

func (r *memRepo) snapshot() memSnapshot {
	s := memSnapshot{
		nextID:    r.nextID,
		bills:     make(map[int64]billing.MaintenanceBill, len(r.bills)),
		charges:   make(map[int64]billing.SupplementaryCharge, len(r.charges)),
		reversals: append([]billing.Reversal(nil), r.reversals...),
		payments:  append([]billing.Payment(nil), r.payments...),
	}
	for k, v := range r.bills {
		s.bills[k] = v
	}
	for k, v := range r.charges {
		s.charges[k] = v
	}
	return s
}

func (r *memRepo) restore(s memSnapshot) {
	r.nextID = s.nextID
	r.bills = s.bills
	r.charges = s.charges
	r.reversals = s.reversals
	r.payments = s.payments
}

func (r *memRepo) cohort(societyID int64, p billing.Period) []billing.MaintenanceBill {
	var out []billing.MaintenanceBill
	for _, b := range r.bills {
		if b.SocietyID == societyID && b.Period() == p {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) GetSettings(_ context.Context, societyID int64) (billing.Settings, error) {
	s, ok := r.settings[societyID]
	if !ok {
		return billing.Settings{}, fmt.Errorf("%w: billing settings", shared.ErrNotFound)
	}
	return s, nil
}

func (r *memRepo) UpsertSettings(_ context.Context, s billing.Settings) (billing.Settings, error) {
	r.settings[s.SocietyID] = s
	return s, nil
}

func (r *memRepo) ListFlats(_ context.Context, societyID int64) ([]billing.Flat, error) {
	var out []billing.Flat
	for _, f := range r.flats {
		if f.SocietyID == societyID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *memRepo) GetFlat(_ context.Context, societyID, flatID int64) (billing.Flat, error) {
	f, ok := r.flats[flatID]
	if !ok || f.SocietyID != societyID {
		return billing.Flat{}, fmt.Errorf("%w: flat %d", shared.ErrNotFound, flatID)
	}
	return f, nil
}

func (r *memRepo) LatestBilledPeriod(_ context.Context, societyID int64) (billing.Period, bool, error) {
	var latest billing.Period
	found := false
	for _, b := range r.bills {
		if b.SocietyID != societyID {
			continue
		}
		if !found || b.Period().Start().After(latest.Start()) {
			latest = b.Period()
			found = true
		}
	}
	return latest, found, nil
}

func (r *memRepo) CohortExists(_ context.Context, societyID int64, p billing.Period) (bool, error) {
	return len(r.cohort(societyID, p)) > 0, nil
}

func (r *memRepo) ListCohort(_ context.Context, societyID int64, p billing.Period) ([]billing.MaintenanceBill, error) {
	return r.cohort(societyID, p), nil
}

func (r *memRepo) LockCohort(_ context.Context, societyID int64, p billing.Period) ([]billing.MaintenanceBill, error) {
	return r.cohort(societyID, p), nil
}

func (r *memRepo) InsertBill(_ context.Context, b billing.MaintenanceBill) (billing.MaintenanceBill, error) {
	for _, existing := range r.bills {
		if existing.SocietyID == b.SocietyID && existing.FlatID == b.FlatID && existing.Period() == b.Period() {
			return billing.MaintenanceBill{}, fmt.Errorf("%w: duplicate bill", shared.ErrConcurrencyConflict)
		}
	}
	r.nextID++
	b.ID = r.nextID
	r.bills[b.ID] = b
	return b, nil
}

func (r *memRepo) MarkPosted(_ context.Context, billIDs []int64, entryID int64, at time.Time) error {
	for _, id := range billIDs {
		b := r.bills[id]
		b.IsPosted = true
		if entryID > 0 {
			eid := entryID
			b.JournalEntryID = &eid
		}
		posted := at
		b.PostedAt = &posted
		r.bills[id] = b
	}
	return nil
}

func (r *memRepo) GetBillForUpdate(_ context.Context, societyID, billID int64) (billing.MaintenanceBill, error) {
	b, ok := r.bills[billID]
	if !ok || b.SocietyID != societyID {
		return billing.MaintenanceBill{}, fmt.Errorf("%w: bill %d", shared.ErrNotFound, billID)
	}
	return b, nil
}

func (r *memRepo) DeleteBills(_ context.Context, billIDs []int64) error {
	for _, id := range billIDs {
		delete(r.bills, id)
	}
	return nil
}

func (r *memRepo) BillExists(_ context.Context, societyID, flatID int64, p billing.Period) (bool, error) {
	for _, b := range r.bills {
		if b.SocietyID == societyID && b.FlatID == flatID && b.Period() == p {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) InsertReversal(_ context.Context, rev billing.Reversal) error {
	r.nextID++
	rev.ID = r.nextID
	r.reversals = append(r.reversals, rev)
	return nil
}

func (r *memRepo) HasReversal(_ context.Context, societyID, flatID int64, p billing.Period) (bool, error) {
	for _, rev := range r.reversals {
		if rev.SocietyID == societyID && rev.FlatID == flatID && rev.Period == p {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) UnlinkedApprovedCharges(_ context.Context, societyID int64) ([]billing.SupplementaryCharge, error) {
	var out []billing.SupplementaryCharge
	for _, c := range r.charges {
		if c.SocietyID == societyID && c.Status == billing.ChargeApproved && c.LinkedBillID == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) LinkCharges(_ context.Context, billID int64, chargeIDs []int64) error {
	for _, id := range chargeIDs {
		c := r.charges[id]
		bid := billID
		c.LinkedBillID = &bid
		r.charges[id] = c
	}
	return nil
}

func (r *memRepo) UnlinkCharges(_ context.Context, billIDs []int64) error {
	for id, c := range r.charges {
		if c.LinkedBillID == nil {
			continue
		}
		for _, bid := range billIDs {
			if *c.LinkedBillID == bid {
				c.LinkedBillID = nil
				r.charges[id] = c
			}
		}
	}
	return nil
}

func (r *memRepo) InsertCharge(_ context.Context, c billing.SupplementaryCharge) (billing.SupplementaryCharge, error) {
	r.nextID++
	c.ID = r.nextID
	r.charges[c.ID] = c
	return c, nil
}

func (r *memRepo) ApproveCharge(_ context.Context, societyID, chargeID int64) (billing.SupplementaryCharge, error) {
	c, ok := r.charges[chargeID]
	if !ok || c.SocietyID != societyID {
		return billing.SupplementaryCharge{}, fmt.Errorf("%w: charge %d", shared.ErrNotFound, chargeID)
	}
	c.Status = billing.ChargeApproved
	r.charges[chargeID] = c
	return c, nil
}

func (r *memRepo) FlatArrears(_ context.Context, societyID int64, before time.Time) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal)
	for id, f := range r.flats {
		if f.SocietyID != societyID {
			continue
		}
		due := decimal.Zero
		for _, b := range r.bills {
			if b.FlatID == id && b.IsPosted && b.Period().Start().Before(before) {
				due = due.Add(b.LedgerAmount())
			}
		}
		for _, p := range r.payments {
			if p.FlatID == id && p.PaidOn.Before(before) {
				due = due.Sub(p.Amount)
			}
		}
		if due.IsPositive() {
			out[id] = due
		}
	}
	return out, nil
}

func (r *memRepo) InsertPayment(_ context.Context, p billing.Payment) (billing.Payment, error) {
	r.nextID++
	p.ID = r.nextID
	r.payments = append(r.payments, p)
	return p, nil
}

func (r *memRepo) FlatBills(_ context.Context, societyID, flatID int64) ([]billing.MaintenanceBill, error) {
	var out []billing.MaintenanceBill
	for _, b := range r.bills {
		if b.SocietyID == societyID && b.FlatID == flatID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period().Start().Before(out[j].Period().Start()) })
	return out, nil
}

func (r *memRepo) FlatPaymentsTotal(_ context.Context, societyID, flatID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range r.payments {
		if p.SocietyID == societyID && p.FlatID == flatID {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (r *memRepo) MarkPaid(_ context.Context, billIDs []int64) error {
	for _, id := range billIDs {
		b := r.bills[id]
		b.Status = billing.BillPaid
		r.bills[id] = b
	}
	return nil
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

type hookFunc func(ctx context.Context, societyID int64) error

func (h hookFunc) AfterPost(ctx context.Context, societyID int64) error {
	return h(ctx, societyID)
}

type memIdempotency struct {
	keys    map[string]bool
	deleted []string
}

func (m *memIdempotency) CheckAndInsert(_ context.Context, societyID int64, key, module string) error {
	k := fmt.Sprint(societyID, module, key)
	if m.keys[k] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[k] = true
	return nil
}

func (m *memIdempotency) Delete(_ context.Context, societyID int64, key, module string) error {
	k := fmt.Sprint(societyID, module, key)
	delete(m.keys, k)
	m.deleted = append(m.deleted, key)
	return nil
}
