// Package accountingtest provides an in-memory ledger for tests of packages
// that post through the accounting engine.
package accountingtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
)

// Ledger implements accounting.TxRepository over maps. WithTx snapshots the
// state and restores it when fn fails, so rollbacks are observable.
type Ledger struct {
	mu sync.Mutex

	nextID   int64
	accounts map[int64]map[string]accounting.Account
	entries  []accounting.JournalEntry
	legs     []accounting.Transaction
	seq      map[int64]int64
	sources  map[string]int64
	years    map[int64][]year

	// FailOn makes the named method return the error once.
	FailOn map[string]error
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[int64]map[string]accounting.Account),
		seq:      make(map[int64]int64),
		sources:  make(map[string]int64),
		years:    make(map[int64][]year),
		FailOn:   make(map[string]error),
	}
}

type year struct {
	start, end time.Time
	info       accounting.PostingYear
}

// SetYear registers or replaces the financial year named name. Years are not
// part of the transactional snapshot.
func (l *Ledger) SetYear(societyID int64, name string, start, end time.Time, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	y := year{start: start, end: end, info: accounting.PostingYear{Name: name, Status: status}}
	for i, existing := range l.years[societyID] {
		if existing.info.Name == name {
			l.years[societyID][i] = y
			return
		}
	}
	l.years[societyID] = append(l.years[societyID], y)
}

// Seed inserts accounts with their current balance equal to the opening balance.
func (l *Ledger) Seed(societyID int64, accounts ...accounting.Account) {
	for _, acc := range accounts {
		acc.SocietyID = societyID
		acc.IsActive = true
		acc.CurrentBalance = acc.OpeningBalance
		if _, err := l.InsertAccount(context.Background(), acc); err != nil {
			panic(err)
		}
	}
}

// WithTx runs fn against the ledger and rolls back its writes on error.
func (l *Ledger) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Atomic(func() error { return fn(ctx, l) })
}

// Atomic runs fn and restores the ledger state when it fails. Callers hold
// any locking they need.
func (l *Ledger) Atomic(fn func() error) error {
	snap := l.snapshot()
	if err := fn(); err != nil {
		l.restore(snap)
		return err
	}
	return nil
}

// Account returns the stored account.
func (l *Ledger) Account(societyID int64, code string) (accounting.Account, bool) {
	acc, ok := l.accounts[societyID][code]
	return acc, ok
}

// Entries returns persisted journal entries in posting order.
func (l *Ledger) Entries() []accounting.JournalEntry {
	return append([]accounting.JournalEntry(nil), l.entries...)
}

// Legs returns every persisted leg.
func (l *Ledger) Legs() []accounting.Transaction {
	return append([]accounting.Transaction(nil), l.legs...)
}

// CheckInvariants verifies entry balance and account reconciliation.
func (l *Ledger) CheckInvariants(societyID int64) error {
	for _, e := range l.entries {
		if e.SocietyID != societyID {
			continue
		}
		debit, credit := decimal.Zero, decimal.Zero
		for _, leg := range l.legs {
			if leg.JournalEntryID == e.ID {
				debit = debit.Add(leg.DebitAmount)
				credit = credit.Add(leg.CreditAmount)
			}
		}
		if !debit.Equal(credit) || !e.TotalDebit.Equal(e.TotalCredit) || !e.TotalDebit.Equal(debit) {
			return fmt.Errorf("entry %s unbalanced: %s/%s", e.EntryNumber, debit, credit)
		}
	}
	for code, acc := range l.accounts[societyID] {
		expected := acc.OpeningBalance
		for _, leg := range l.legs {
			if leg.SocietyID == societyID && leg.AccountCode == code {
				expected = expected.Add(leg.DebitAmount.Sub(leg.CreditAmount))
			}
		}
		if !expected.Equal(acc.CurrentBalance) {
			return fmt.Errorf("account %s drifted: expected %s got %s", code, expected, acc.CurrentBalance)
		}
	}
	return nil
}

func (l *Ledger) fail(method string) error {
	if err, ok := l.FailOn[method]; ok {
		delete(l.FailOn, method)
		return err
	}
	return nil
}

func (l *Ledger) id() int64 {
	l.nextID++
	return l.nextID
}

func (l *Ledger) LockAccounts(_ context.Context, societyID int64, codes []string) (map[string]accounting.Account, error) {
	if err := l.fail("LockAccounts"); err != nil {
		return nil, err
	}
	out := make(map[string]accounting.Account, len(codes))
	for _, code := range codes {
		if acc, ok := l.accounts[societyID][code]; ok {
			out[code] = acc
		}
	}
	return out, nil
}

func (l *Ledger) InsertAccount(_ context.Context, acc accounting.Account) (accounting.Account, error) {
	if err := l.fail("InsertAccount"); err != nil {
		return accounting.Account{}, err
	}
	if _, ok := l.accounts[acc.SocietyID][acc.Code]; ok {
		return accounting.Account{}, fmt.Errorf("account %s exists", acc.Code)
	}
	if l.accounts[acc.SocietyID] == nil {
		l.accounts[acc.SocietyID] = make(map[string]accounting.Account)
	}
	acc.ID = l.id()
	acc.CurrentBalance = acc.OpeningBalance
	l.accounts[acc.SocietyID][acc.Code] = acc
	return acc, nil
}

func (l *Ledger) UpdateAccountBalance(_ context.Context, accountID int64, balance decimal.Decimal) error {
	if err := l.fail("UpdateAccountBalance"); err != nil {
		return err
	}
	return l.updateAccount(accountID, func(acc *accounting.Account) { acc.CurrentBalance = balance })
}

func (l *Ledger) SetAccountActive(_ context.Context, accountID int64, active bool) error {
	return l.updateAccount(accountID, func(acc *accounting.Account) { acc.IsActive = active })
}

func (l *Ledger) updateAccount(accountID int64, mutate func(*accounting.Account)) error {
	for society, accounts := range l.accounts {
		for code, acc := range accounts {
			if acc.ID == accountID {
				mutate(&acc)
				l.accounts[society][code] = acc
				return nil
			}
		}
	}
	return fmt.Errorf("account %d not found", accountID)
}

func (l *Ledger) NextEntrySequence(_ context.Context, societyID int64) (int64, error) {
	l.seq[societyID]++
	return l.seq[societyID], nil
}

func (l *Ledger) InsertJournalEntry(_ context.Context, entry accounting.JournalEntry) (accounting.JournalEntry, error) {
	if err := l.fail("InsertJournalEntry"); err != nil {
		return accounting.JournalEntry{}, err
	}
	entry.ID = l.id()
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *Ledger) InsertTransactions(_ context.Context, entryID int64, legs []accounting.Transaction) error {
	if err := l.fail("InsertTransactions"); err != nil {
		return err
	}
	for _, leg := range legs {
		leg.ID = l.id()
		leg.JournalEntryID = entryID
		l.legs = append(l.legs, leg)
	}
	return nil
}

func (l *Ledger) LinkSource(_ context.Context, societyID int64, module string, ref uuid.UUID, entryID int64) error {
	key := fmt.Sprintf("%d|%s|%s", societyID, module, ref)
	if _, ok := l.sources[key]; ok {
		return accounting.ErrSourceAlreadyLinked
	}
	l.sources[key] = entryID
	return nil
}

func (l *Ledger) JournalExists(_ context.Context, societyID int64, description string) (bool, error) {
	for _, e := range l.entries {
		if e.SocietyID == societyID && e.Description == description {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) ListAccounts(_ context.Context, societyID int64) ([]accounting.Account, error) {
	out := make([]accounting.Account, 0, len(l.accounts[societyID]))
	for _, acc := range l.accounts[societyID] {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (l *Ledger) LockPostingYear(_ context.Context, societyID int64, date time.Time) (accounting.PostingYear, bool, error) {
	if err := l.fail("LockPostingYear"); err != nil {
		return accounting.PostingYear{}, false, err
	}
	var found *year
	for i, y := range l.years[societyID] {
		if date.Before(y.start) || date.After(y.end) {
			continue
		}
		if found == nil || y.start.After(found.start) {
			found = &l.years[societyID][i]
		}
	}
	if found == nil {
		return accounting.PostingYear{}, false, nil
	}
	return found.info, true, nil
}

func (l *Ledger) SumMovements(_ context.Context, societyID int64, from, to time.Time) (map[string]accounting.Movement, error) {
	out := make(map[string]accounting.Movement)
	for _, leg := range l.legs {
		if leg.SocietyID != societyID || leg.Date.Before(from) || leg.Date.After(to) {
			continue
		}
		m := out[leg.AccountCode]
		m.Debit = m.Debit.Add(leg.DebitAmount)
		m.Credit = m.Credit.Add(leg.CreditAmount)
		out[leg.AccountCode] = m
	}
	return out, nil
}

type snapshot struct {
	nextID   int64
	accounts map[int64]map[string]accounting.Account
	entries  []accounting.JournalEntry
	legs     []accounting.Transaction
	seq      map[int64]int64
	sources  map[string]int64
}

func (l *Ledger) snapshot() snapshot {
	s := snapshot{
		nextID:   l.nextID,
		accounts: make(map[int64]map[string]accounting.Account, len(l.accounts)),
		entries:  append([]accounting.JournalEntry(nil), l.entries...),
		legs:     append([]accounting.Transaction(nil), l.legs...),
		seq:      make(map[int64]int64, len(l.seq)),
		sources:  make(map[string]int64, len(l.sources)),
	}
	for society, accounts := range l.accounts {
		copied := make(map[string]accounting.Account, len(accounts))
		for code, acc := range accounts {
			copied[code] = acc
		}
		s.accounts[society] = copied
	}
	for k, v := range l.seq {
		s.seq[k] = v
	}
	for k, v := range l.sources {
		s.sources[k] = v
	}
	return s
}

func (l *Ledger) restore(s snapshot) {
	l.nextID = s.nextID
	l.accounts = s.accounts
	l.entries = s.entries
	l.legs = s.legs
	l.seq = s.seq
	l.sources = s.sources
}
