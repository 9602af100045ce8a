package pgdispatch

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS drivers (
  id TEXT PRIMARY KEY,
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  status TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  push_token TEXT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_status ON drivers(status)`,
		`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  root_job_id TEXT NOT NULL,
  driver_id TEXT NULL,
  customer_name TEXT NOT NULL,
  address TEXT NOT NULL,
  phone TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  pickup_lat DOUBLE PRECISION NULL,
  pickup_lng DOUBLE PRECISION NULL,
  status TEXT NOT NULL,
  offer_expires_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_driver_status ON jobs(driver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_root ON jobs(root_job_id)`,
		// Частичный индекс: sweeper сканирует только активные предложения,
		// стоимость не зависит от истории заявок.
		`CREATE INDEX IF NOT EXISTS idx_jobs_offered_expiry ON jobs(offer_expires_at) WHERE status = 'offered'`,
		`
CREATE TABLE IF NOT EXISTS job_declines (
  root_job_id TEXT NOT NULL,
  driver_id TEXT NOT NULL,
  declined_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (root_job_id, driver_id)
)`,
		`
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  driver_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  object_key TEXT NOT NULL,
  original_name TEXT NOT NULL DEFAULT '',
  content_type TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_driver ON documents(driver_id, created_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
