package shared

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStoreCheckAndInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewIdempotencyStore(mock)
	fixed := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs(int64(3), "abc", "billing.post", fixed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CheckAndInsert(context.Background(), 3, "abc", "billing.post"))

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs(int64(3), "abc", "billing.post", fixed).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idempotency_keys_pkey"})
	err = store.CheckAndInsert(context.Background(), 3, "abc", "billing.post")
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	require.Error(t, store.CheckAndInsert(context.Background(), 3, "", "billing.post"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLoggerRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	logger := NewAuditLogger(mock)
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(int64(2), int64(9), "billing.post", "billing_cohort", "2025-04", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = logger.Record(context.Background(), AuditLog{
		SocietyID: 2,
		ActorID:   9,
		Action:    "billing.post",
		Entity:    "billing_cohort",
		EntityID:  "2025-04",
		Meta:      map[string]any{"count": 3},
	})
	require.NoError(t, err)
	require.Error(t, logger.Record(context.Background(), AuditLog{SocietyID: 2, Action: "x"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
