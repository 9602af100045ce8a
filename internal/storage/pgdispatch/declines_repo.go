package pgdispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// MarkDeclined — идемпотентная запись в анти-петлевой реестр: повторный
// отказ той же пары (root, driver) ничего не меняет.
func (s *Storage) MarkDeclined(ctx context.Context, rootJobID, driverID string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO job_declines (root_job_id, driver_id, declined_at)
VALUES ($1, $2, $3)
ON CONFLICT (root_job_id, driver_id) DO NOTHING
`, rootJobID, driverID, time.Now().UTC())
	return errors.Wrap(err, "mark declined")
}

// DeclinedDriverIDs возвращает множество исключений для повторного подбора
// по этой корневой заявке.
func (s *Storage) DeclinedDriverIDs(ctx context.Context, rootJobID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `
SELECT driver_id FROM job_declines WHERE root_job_id = $1
`, rootJobID)
	if err != nil {
		return nil, errors.Wrap(err, "select declines")
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan decline")
		}
		out[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
