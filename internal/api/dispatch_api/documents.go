package dispatch_api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/BearBump/CabBox/internal/services/documents"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type DocumentsService interface {
	Upload(ctx context.Context, in documents.UploadInput) (*models.Document, error)
	List(ctx context.Context) ([]*models.Document, error)
	Download(ctx context.Context, docID string) (*models.Document, []byte, error)
	Rename(ctx context.Context, docID, title string) error
	Delete(ctx context.Context, docID string) error
}

const maxUploadMemory = 16 << 20

func (a *DispatchAPI) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	d, err := a.documents.Upload(r.Context(), documents.UploadInput{
		DriverID:     r.FormValue("driver_id"),
		Title:        r.FormValue("title"),
		OriginalName: header.Filename,
		ContentType:  contentType,
		Body:         body,
	})
	if err != nil {
		a.writeDocumentsError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "document": toDocumentDTO(d)})
}

func (a *DispatchAPI) listDocuments(w http.ResponseWriter, r *http.Request) {
	ds, err := a.documents.List(r.Context())
	if err != nil {
		a.writeDocumentsError(w, err)
		return
	}
	out := make([]documentDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDocumentDTO(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (a *DispatchAPI) downloadDocument(w http.ResponseWriter, r *http.Request) {
	d, body, err := a.documents.Download(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		a.writeDocumentsError(w, err)
		return
	}
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+d.OriginalName+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (a *DispatchAPI) renameDocument(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.documents.Rename(r.Context(), chi.URLParam(r, "docID"), req.Title); err != nil {
		a.writeDocumentsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *DispatchAPI) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.documents.Delete(r.Context(), chi.URLParam(r, "docID")); err != nil {
		a.writeDocumentsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type documentDTO struct {
	ID           string `json:"id"`
	DriverID     string `json:"driver_id"`
	Title        string `json:"title"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	CreatedAt    string `json:"created_at"`
}

func toDocumentDTO(d *models.Document) documentDTO {
	return documentDTO{
		ID:           d.ID,
		DriverID:     d.DriverID,
		Title:        d.Title,
		OriginalName: d.OriginalName,
		ContentType:  d.ContentType,
		CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (a *DispatchAPI) writeDocumentsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("documents api error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
