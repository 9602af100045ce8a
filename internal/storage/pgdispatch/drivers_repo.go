package pgdispatch

import (
	"context"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpsertDriverPosition применяет отчёт о позиции: last-write-wins,
// updated_at ставится временем сервера.
func (s *Storage) UpsertDriverPosition(ctx context.Context, rep models.PositionReport) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO drivers (id, latitude, longitude, status, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  status = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at
`, rep.DriverID, rep.Latitude, rep.Longitude, rep.Status, now)
	return errors.Wrap(err, "upsert driver position")
}

// UpsertDriverPushToken обновляет только токен. Если водителя ещё нет,
// создаём запись с нейтральной позицией и offline-статусом.
func (s *Storage) UpsertDriverPushToken(ctx context.Context, driverID, token string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO drivers (id, latitude, longitude, status, updated_at, push_token)
VALUES ($1, 0, 0, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
  push_token = EXCLUDED.push_token
`, driverID, models.DriverStatusOffline, now, token)
	return errors.Wrap(err, "upsert driver push token")
}

func (s *Storage) GetDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, latitude, longitude, status, updated_at, push_token
FROM drivers
WHERE id = $1
`, driverID)

	var d models.Driver
	if err := row.Scan(&d.ID, &d.Latitude, &d.Longitude, &d.Status, &d.UpdatedAt, &d.PushToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select driver")
	}
	return &d, nil
}

func (s *Storage) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	return s.listDrivers(ctx, `
SELECT id, latitude, longitude, status, updated_at, push_token
FROM drivers
ORDER BY id
`)
}

// ListOnlineDrivers возвращает кандидатов для подбора; фильтры по свежести
// и радиусу применяет селектор.
func (s *Storage) ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error) {
	return s.listDrivers(ctx, `
SELECT id, latitude, longitude, status, updated_at, push_token
FROM drivers
WHERE status = 'online'
ORDER BY id
`)
}

func (s *Storage) listDrivers(ctx context.Context, query string) ([]*models.Driver, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "select drivers")
	}
	defer rows.Close()

	var out []*models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Latitude, &d.Longitude, &d.Status, &d.UpdatedAt, &d.PushToken); err != nil {
			return nil, errors.Wrap(err, "scan driver")
		}
		out = append(out, &d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
