package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/societyledger/societyledger/internal/shared"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 50
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 92 * 24 * time.Hour
	maxExportRows    = 5000
)

// Repository reads audit_logs. To is exclusive.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error)
}

// Service exposes the audit timeline of a society.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs the audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Timeline returns one page of audit records, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	filters, err := s.normalize(filters)
	if err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.Timeline(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, fmt.Errorf("audit timeline: %w", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext, HasPrev: page > 1}
	if hasNext {
		paging.NextPage = page + 1
	}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return Result{From: filters.From, To: filters.To.AddDate(0, 0, -1), Rows: rows, Paging: paging}, nil
}

// Export returns every record matching the filters for download.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	filters, err := s.normalize(filters)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.Timeline(ctx, filters, maxExportRows+1, 0)
	if err != nil {
		return nil, fmt.Errorf("audit export: %w", err)
	}
	if len(rows) > maxExportRows {
		return nil, fmt.Errorf("%w: export exceeds %d rows, narrow the date range", shared.ErrValidation, maxExportRows)
	}
	return rows, nil
}

// normalize applies the default window and turns To into an exclusive bound.
func (s *Service) normalize(f TimelineFilters) (TimelineFilters, error) {
	if f.SocietyID <= 0 {
		return f, fmt.Errorf("%w: society id required", shared.ErrValidation)
	}
	if f.To.IsZero() {
		f.To = s.now().UTC()
	}
	f.To = truncateDay(f.To)
	if f.From.IsZero() {
		f.From = f.To.Add(-defaultDateRange)
	}
	f.From = truncateDay(f.From)
	if f.From.After(f.To) {
		return f, fmt.Errorf("%w: from must not be after to", shared.ErrValidation)
	}
	if f.To.Sub(f.From) > maxDateRange {
		return f, fmt.Errorf("%w: date range exceeds 92 days", shared.ErrValidation)
	}
	f.To = f.To.AddDate(0, 0, 1)
	f.Entity = strings.TrimSpace(f.Entity)
	f.Action = strings.TrimSpace(f.Action)
	return f, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
