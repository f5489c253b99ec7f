package audithttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/societyledger/societyledger/internal/audit"
	"github.com/societyledger/societyledger/internal/rbac"
	"github.com/societyledger/societyledger/internal/shared"
)

type stubTimeline struct {
	timelineFn func(ctx context.Context, f audit.TimelineFilters) (audit.Result, error)
	exportFn   func(ctx context.Context, f audit.TimelineFilters) ([]audit.TimelineRow, error)
}

func (s *stubTimeline) Timeline(ctx context.Context, f audit.TimelineFilters) (audit.Result, error) {
	if s.timelineFn == nil {
		return audit.Result{}, nil
	}
	return s.timelineFn(ctx, f)
}

func (s *stubTimeline) Export(ctx context.Context, f audit.TimelineFilters) ([]audit.TimelineRow, error) {
	if s.exportFn == nil {
		return nil, nil
	}
	return s.exportFn(ctx, f)
}

func newTestRouter(t *testing.T, svc *stubTimeline, role string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, svc, rbac.Middleware{Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithTenant(req.Context(), shared.Tenant{SocietyID: 12, UserID: 99, Role: role})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	handler.MountRoutes(r)
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestTimelineParsesFilters(t *testing.T) {
	var captured audit.TimelineFilters
	svc := &stubTimeline{timelineFn: func(_ context.Context, f audit.TimelineFilters) (audit.Result, error) {
		captured = f
		return audit.Result{
			Rows:   []audit.TimelineRow{{ID: 5, Action: "billing.post", Entity: "bill_cohort", EntityID: "2025-03"}},
			Paging: audit.PagingInfo{Page: 2, PageSize: 10, HasPrev: true, PrevPage: 1},
		}, nil
	}}
	router := newTestRouter(t, svc, rbac.RoleAuditor)

	rr := get(router, "/audit-logs?from=2025-03-01&to=2025-03-31&actor_id=7&entity=bill_cohort&page=2&page_size=10")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, int64(12), captured.SocietyID)
	require.Equal(t, int64(7), captured.ActorID)
	require.Equal(t, "bill_cohort", captured.Entity)
	require.Equal(t, 2, captured.Page)
	require.Equal(t, 10, captured.PageSize)
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), captured.From)
	require.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), captured.To)

	var body audit.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Rows, 1)
	require.Equal(t, 1, body.Paging.PrevPage)
}

func TestTimelineRejectsBadQuery(t *testing.T) {
	router := newTestRouter(t, &stubTimeline{}, rbac.RoleAdmin)

	require.Equal(t, http.StatusBadRequest, get(router, "/audit-logs?page=-1").Code)
	require.Equal(t, http.StatusBadRequest, get(router, "/audit-logs?from=01-03-2025").Code)
}

func TestTimelineForbiddenForAccountant(t *testing.T) {
	router := newTestRouter(t, &stubTimeline{}, rbac.RoleAccountant)

	rr := get(router, "/audit-logs")

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTimelineMapsValidation(t *testing.T) {
	svc := &stubTimeline{timelineFn: func(context.Context, audit.TimelineFilters) (audit.Result, error) {
		return audit.Result{}, shared.ErrValidation
	}}
	router := newTestRouter(t, svc, rbac.RoleAdmin)

	require.Equal(t, http.StatusUnprocessableEntity, get(router, "/audit-logs").Code)
}

func TestExportWritesCSV(t *testing.T) {
	at := time.Date(2025, 3, 9, 9, 0, 0, 0, time.UTC)
	svc := &stubTimeline{exportFn: func(_ context.Context, f audit.TimelineFilters) ([]audit.TimelineRow, error) {
		require.Equal(t, "billing.reverse", f.Action)
		return []audit.TimelineRow{{ID: 1, At: at, ActorID: 99, Action: "billing.reverse", Entity: "bill", EntityID: "41"}}, nil
	}}
	router := newTestRouter(t, svc, rbac.RoleAuditor)

	rr := get(router, "/audit-logs/export.csv?action=billing.reverse")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "audit-12-")
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "2025-03-09T09:00:00Z,99,billing.reverse,bill,41,", lines[1])
}

func TestExportRateLimited(t *testing.T) {
	router := newTestRouter(t, &stubTimeline{}, rbac.RoleAdmin)

	for i := 0; i < exportRateLimit; i++ {
		require.Equal(t, http.StatusOK, get(router, "/audit-logs/export.csv").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, get(router, "/audit-logs/export.csv").Code)
}
