package documents

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound — документа нет.
var ErrNotFound = errors.New("document not found")

const maxFileSize = 15 << 20 // 15 MiB

type Repository interface {
	InsertDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, docID string) (*models.Document, error)
	ListDocuments(ctx context.Context) ([]*models.Document, error)
	RenameDocument(ctx context.Context, docID, title string) (bool, error)
	DeleteDocument(ctx context.Context, docID string) (bool, error)
}

type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
}

// Service — документы водителей (лицензии, страховки): файл в объектном
// хранилище, метаданные в pg.
type Service struct {
	repo Repository
	blob BlobStore
	log  *slog.Logger
}

func New(repo Repository, blob BlobStore, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, blob: blob, log: log}
}

type UploadInput struct {
	DriverID     string
	Title        string
	OriginalName string
	ContentType  string
	Body         []byte
}

func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	if len(in.Body) == 0 {
		return nil, errors.New("file is empty")
	}
	if len(in.Body) > maxFileSize {
		return nil, errors.New("file too large")
	}
	if !allowedContentType(in.ContentType) {
		return nil, errors.Errorf("unsupported content type %q", in.ContentType)
	}
	if in.DriverID == "" {
		in.DriverID = "global"
	}
	if in.Title == "" {
		in.Title = in.OriginalName
	}

	id := uuid.NewString()
	key := "documents/" + id + strings.ToLower(filepath.Ext(in.OriginalName))
	if err := s.blob.Put(ctx, key, in.Body, in.ContentType); err != nil {
		return nil, err
	}

	d := &models.Document{
		ID:           id,
		DriverID:     in.DriverID,
		Title:        in.Title,
		ObjectKey:    key,
		OriginalName: in.OriginalName,
		ContentType:  in.ContentType,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.InsertDocument(ctx, d); err != nil {
		// Строка не записалась: подчищаем оставшийся объект.
		if derr := s.blob.Delete(ctx, key); derr != nil {
			s.log.Error("cleanup orphan object", "key", key, "err", derr)
		}
		return nil, err
	}
	return d, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Document, error) {
	return s.repo.ListDocuments(ctx)
}

// Download возвращает документ и содержимое файла.
func (s *Service) Download(ctx context.Context, docID string) (*models.Document, []byte, error) {
	d, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if d == nil {
		return nil, nil, ErrNotFound
	}
	body, _, err := s.blob.Get(ctx, d.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return d, body, nil
}

func (s *Service) Rename(ctx context.Context, docID, title string) error {
	if title == "" {
		return errors.New("title is required")
	}
	ok, err := s.repo.RenameDocument(ctx, docID, title)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет метаданные; объект стираем best-effort, осиротевший файл
// в хранилище не страшнее сломанного удаления.
func (s *Service) Delete(ctx context.Context, docID string) error {
	d, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotFound
	}

	if err := s.blob.Delete(ctx, d.ObjectKey); err != nil {
		s.log.Error("delete object", "key", d.ObjectKey, "err", err)
	}

	ok, err := s.repo.DeleteDocument(ctx, docID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func allowedContentType(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return true
	case ct == "application/pdf", ct == "application/octet-stream":
		return true
	}
	return false
}
