package pgdispatch

import (
	"context"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) InsertDocument(ctx context.Context, d *models.Document) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO documents (id, driver_id, title, object_key, original_name, content_type, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, d.ID, d.DriverID, d.Title, d.ObjectKey, d.OriginalName, d.ContentType, d.CreatedAt)
	return errors.Wrap(err, "insert document")
}

func (s *Storage) GetDocument(ctx context.Context, docID string) (*models.Document, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, driver_id, title, object_key, original_name, content_type, created_at
FROM documents
WHERE id = $1
`, docID)

	var d models.Document
	if err := row.Scan(&d.ID, &d.DriverID, &d.Title, &d.ObjectKey, &d.OriginalName, &d.ContentType, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select document")
	}
	return &d, nil
}

func (s *Storage) ListDocuments(ctx context.Context) ([]*models.Document, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, driver_id, title, object_key, original_name, content_type, created_at
FROM documents
ORDER BY created_at DESC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select documents")
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.DriverID, &d.Title, &d.ObjectKey, &d.OriginalName, &d.ContentType, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan document")
		}
		out = append(out, &d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) RenameDocument(ctx context.Context, docID, title string) (bool, error) {
	ct, err := s.db.Exec(ctx, `UPDATE documents SET title = $2 WHERE id = $1`, docID, title)
	if err != nil {
		return false, errors.Wrap(err, "rename document")
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Storage) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return false, errors.Wrap(err, "delete document")
	}
	return ct.RowsAffected() > 0, nil
}
