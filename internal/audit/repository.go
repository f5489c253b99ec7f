package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/societyledger/societyledger/internal/platform/db"
)

// PgRepository reads audit_logs through pgx.
type PgRepository struct {
	db db.Querier
}

// NewRepository constructs a pgx-backed audit repository.
func NewRepository(q db.Querier) *PgRepository {
	return &PgRepository{db: q}
}

const timelineQuery = `SELECT id, actor_id, action, entity, entity_id, meta, occurred_at
FROM audit_logs
WHERE society_id=$1 AND occurred_at >= $2 AND occurred_at < $3
  AND ($4::bigint = 0 OR actor_id=$4)
  AND ($5::text = '' OR entity=$5)
  AND ($6::text = '' OR action=$6)
ORDER BY occurred_at DESC, id DESC
LIMIT $7 OFFSET $8`

// Timeline returns audit rows newest first.
func (r *PgRepository) Timeline(ctx context.Context, f TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	rows, err := r.db.Query(ctx, timelineQuery, f.SocietyID, f.From, f.To, f.ActorID, f.Entity, f.Action, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.ID, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta, &row.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, fmt.Errorf("decode audit meta %d: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
