package pgdispatch

import (
	"context"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const jobColumns = `
  id, root_job_id, driver_id,
  customer_name, address, phone, comment,
  pickup_lat, pickup_lng,
  status, offer_expires_at, created_at
`

func (s *Storage) InsertJob(ctx context.Context, j *models.Job) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO jobs (
  id, root_job_id, driver_id,
  customer_name, address, phone, comment,
  pickup_lat, pickup_lng,
  status, offer_expires_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, j.ID, j.RootJobID, j.DriverID,
		j.CustomerName, j.Address, j.Phone, j.Comment,
		j.PickupLat, j.PickupLng,
		j.Status, j.OfferExpiresAt, j.CreatedAt)
	return errors.Wrap(err, "insert job")
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select job")
	}
	return j, nil
}

// ListJobsForDriver — заявки водителя без служебных строк цепочки предложений.
func (s *Storage) ListJobsForDriver(ctx context.Context, driverID string) ([]*models.Job, error) {
	return s.listJobs(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE driver_id = $1
  AND status NOT IN ('offered','declined')
ORDER BY created_at DESC
`, driverID)
}

func (s *Storage) ListOffersForDriver(ctx context.Context, driverID string) ([]*models.Job, error) {
	return s.listJobs(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE driver_id = $1
  AND status = 'offered'
ORDER BY created_at DESC
`, driverID)
}

// TransitionOffer атомарно переводит предложение из offered в toStatus и
// сбрасывает дедлайн. Это точка сериализации гонки accept/decline/expire:
// условие по status гарантирует, что переход сработает не больше одного раза.
// Если driverID задан, переход дополнительно охраняется принадлежностью
// предложения этому водителю.
func (s *Storage) TransitionOffer(ctx context.Context, jobID, toStatus string, driverID *string) (bool, error) {
	var tag int64
	if driverID != nil {
		ct, err := s.db.Exec(ctx, `
UPDATE jobs SET status = $2, offer_expires_at = NULL
WHERE id = $1 AND status = 'offered' AND driver_id = $3
`, jobID, toStatus, *driverID)
		if err != nil {
			return false, errors.Wrap(err, "transition offer")
		}
		tag = ct.RowsAffected()
	} else {
		ct, err := s.db.Exec(ctx, `
UPDATE jobs SET status = $2, offer_expires_at = NULL
WHERE id = $1 AND status = 'offered'
`, jobID, toStatus)
		if err != nil {
			return false, errors.Wrap(err, "transition offer")
		}
		tag = ct.RowsAffected()
	}
	return tag > 0, nil
}

// UpdateJobStatus — ручной переход (PATCH), с optimistic-проверкой исходного
// статуса в самом UPDATE.
func (s *Storage) UpdateJobStatus(ctx context.Context, jobID, fromStatus, toStatus string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
UPDATE jobs SET status = $3
WHERE id = $1 AND status = $2
`, jobID, fromStatus, toStatus)
	if err != nil {
		return false, errors.Wrap(err, "update job status")
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Storage) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return false, errors.Wrap(err, "delete job")
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimExpiredOffers выбирает просроченные предложения и в той же транзакции
// переводит их в declined, чтобы они не попали ни в повторную выборку, ни под
// конкурирующий accept. Использует SELECT ... FOR UPDATE SKIP LOCKED.
// Возвращает строки в состоянии до перехода (с driver_id исходного адресата).
func (s *Storage) ClaimExpiredOffers(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'offered'
  AND offer_expires_at <= $1
ORDER BY offer_expires_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired offers")
	}

	var claimed []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan expired offer")
		}
		claimed = append(claimed, j)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	for _, j := range claimed {
		if _, err := tx.Exec(ctx, `
UPDATE jobs SET status = 'declined', offer_expires_at = NULL WHERE id = $1
`, j.ID); err != nil {
			return nil, errors.Wrap(err, "expire offer")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return claimed, nil
}

func (s *Storage) listJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(
		&j.ID, &j.RootJobID, &j.DriverID,
		&j.CustomerName, &j.Address, &j.Phone, &j.Comment,
		&j.PickupLat, &j.PickupLng,
		&j.Status, &j.OfferExpiresAt, &j.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}
