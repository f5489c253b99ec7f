package accounting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/societyledger/societyledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// JournalReader lists posted journals outside a transaction.
type JournalReader interface {
	ListJournals(ctx context.Context, filter JournalFilter) ([]JournalEntry, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates manual postings and chart maintenance.
type Service struct {
	repo   RepositoryPort
	reader JournalReader
	audit  AuditPort
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, reader JournalReader, audit AuditPort) *Service {
	return &Service{repo: repo, reader: reader, audit: audit, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal validates and persists a manual journal entry in its own transaction.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if input.SourceModule == "" {
		input.SourceModule = "MANUAL"
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := EnsureYearOpen(ctx, tx, input.SocietyID, input.Date); err != nil {
			return err
		}
		var err error
		entry, err = PostEntry(ctx, tx, input, s.now())
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			SocietyID: input.SocietyID,
			ActorID:   input.PostedBy,
			Action:    "journal.post",
			Entity:    "journal_entry",
			EntityID:  entry.EntryNumber,
			Meta:      map[string]any{"total": entry.TotalDebit.StringFixed(2), "source": entry.SourceModule},
			At:        s.now(),
		})
	}
	return entry, nil
}

// ListAccounts returns the society's chart.
func (s *Service) ListAccounts(ctx context.Context, societyID int64) ([]Account, error) {
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, societyID)
		return err
	})
	return accounts, err
}

// CreateAccount adds an account explicitly. The opening balance is given on
// the account's normal side and stored debit-positive.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" || strings.TrimSpace(in.Name) == "" {
		return Account{}, fmt.Errorf("%w: account code and name required", shared.ErrValidation)
	}
	if !in.Type.Valid() {
		return Account{}, fmt.Errorf("%w: unknown account type %q", shared.ErrValidation, in.Type)
	}
	now := s.now()
	var acc Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		acc, err = tx.InsertAccount(ctx, Account{
			SocietyID:      in.SocietyID,
			Code:           in.Code,
			Name:           strings.TrimSpace(in.Name),
			Type:           in.Type,
			OpeningBalance: Natural(in.Type, in.OpeningBalance.Round(2)),
			IsFixedExpense: in.IsFixedExpense,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err
	})
	if err != nil {
		return Account{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "account.create", Entity: "account", EntityID: acc.Code, At: now})
	}
	return acc, nil
}

// DeactivateAccount retires an account. Accounts are never deleted.
func (s *Service) DeactivateAccount(ctx context.Context, societyID int64, code string, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := tx.LockAccounts(ctx, societyID, []string{code})
		if err != nil {
			return err
		}
		acc, ok := accounts[code]
		if !ok {
			return fmt.Errorf("%w: account %s", shared.ErrNotFound, code)
		}
		if !acc.IsActive {
			return nil
		}
		return tx.SetAccountActive(ctx, acc.ID, false)
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{SocietyID: societyID, ActorID: actorID, Action: "account.deactivate", Entity: "account", EntityID: code, At: s.now()})
	}
	return nil
}

// ListJournals returns recent journals with their legs.
func (s *Service) ListJournals(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("accounting: journal reader not configured")
	}
	return s.reader.ListJournals(ctx, filter)
}
