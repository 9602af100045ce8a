package dispatch_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/BearBump/CabBox/internal/services/dispatch"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type DriversService interface {
	ReportPosition(ctx context.Context, rep models.PositionReport) error
	RegisterPushToken(ctx context.Context, driverID, token string) error
	ListDrivers(ctx context.Context) ([]*models.Driver, error)
}

type DispatchService interface {
	CreateJob(ctx context.Context, in models.JobCreateInput) (*models.Job, error)
	AutoAssign(ctx context.Context, in models.AutoJobInput) (*dispatch.AssignResult, error)
	AutoOffer(ctx context.Context, in models.AutoJobInput) (*dispatch.AssignResult, error)
	Accept(ctx context.Context, jobID, driverID string) (*models.Job, error)
	Decline(ctx context.Context, jobID, driverID string) (*dispatch.Redistribution, error)
	UpdateStatus(ctx context.Context, jobID, toStatus string) (*models.Job, error)
	Remove(ctx context.Context, jobID string) (*dispatch.Redistribution, error)
	JobsForDriver(ctx context.Context, driverID string) ([]*models.Job, error)
	OffersForDriver(ctx context.Context, driverID string) ([]*models.Job, error)
}

type DispatchAPI struct {
	drivers   DriversService
	dispatch  DispatchService
	documents DocumentsService
	log       *slog.Logger
}

func New(drivers DriversService, d DispatchService, docs DocumentsService, log *slog.Logger) *DispatchAPI {
	if log == nil {
		log = slog.Default()
	}
	return &DispatchAPI{drivers: drivers, dispatch: d, documents: docs, log: log}
}

func (a *DispatchAPI) Routes(r chi.Router) {
	r.Post("/update-location", a.updateLocation)
	r.Get("/drivers", a.listDrivers)
	r.Post("/register-push-token", a.registerPushToken)

	r.Post("/jobs", a.createJob)
	r.Post("/send-job-auto", a.sendJobAuto)
	r.Post("/send-job-auto-offer", a.sendJobAutoOffer)
	r.Get("/jobs/{driverID}", a.jobsForDriver)
	r.Get("/jobs/offers/{driverID}", a.offersForDriver)
	r.Post("/jobs/{jobID}/accept", a.acceptJob)
	r.Post("/jobs/{jobID}/decline", a.declineJob)
	r.Patch("/jobs/{jobID}/status", a.updateJobStatus)
	r.Delete("/jobs/{jobID}", a.deleteJob)

	r.Post("/documents/upload", a.uploadDocument)
	r.Get("/documents", a.listDocuments)
	r.Get("/documents/{docID}/download", a.downloadDocument)
	r.Patch("/documents/{docID}", a.renameDocument)
	r.Delete("/documents/{docID}", a.deleteDocument)
}

type locationRequest struct {
	DriverID  string  `json:"driver_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Status    string  `json:"status"`
}

func (a *DispatchAPI) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.drivers.ReportPosition(r.Context(), models.PositionReport{
		DriverID:  req.DriverID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Status:    req.Status,
	}); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type driverDTO struct {
	ID        string   `json:"id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Status    string   `json:"status"`
	UpdatedAt string   `json:"updated_at"`
	HasToken  bool     `json:"has_push_token"`
}

func (a *DispatchAPI) listDrivers(w http.ResponseWriter, r *http.Request) {
	ds, err := a.drivers.ListDrivers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	out := make([]driverDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, driverDTO{
			ID:        d.ID,
			Latitude:  d.Latitude,
			Longitude: d.Longitude,
			Status:    d.Status,
			UpdatedAt: d.UpdatedAt.UTC().Format(time.RFC3339),
			HasToken:  d.PushToken != nil && *d.PushToken != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

type pushTokenRequest struct {
	DriverID string `json:"driver_id"`
	Token    string `json:"token"`
}

func (a *DispatchAPI) registerPushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.drivers.RegisterPushToken(r.Context(), req.DriverID, req.Token); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createJobRequest struct {
	DriverID     string `json:"driver_id"`
	CustomerName string `json:"customer_name"`
	Address      string `json:"address"`
	Phone        string `json:"phone"`
	Comment      string `json:"comment"`
}

func (a *DispatchAPI) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	j, err := a.dispatch.CreateJob(r.Context(), models.JobCreateInput{
		DriverID:     req.DriverID,
		CustomerName: req.CustomerName,
		Address:      req.Address,
		Phone:        req.Phone,
		Comment:      req.Comment,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "job": toJobDTO(j)})
}

type autoJobRequest struct {
	PickupLat    float64 `json:"pickup_lat"`
	PickupLng    float64 `json:"pickup_lng"`
	CustomerName string  `json:"customer_name"`
	Address      string  `json:"address"`
	Phone        string  `json:"phone"`
	Comment      string  `json:"comment"`

	MaxAgeSec   int     `json:"max_age_sec"`
	MaxRadiusKm float64 `json:"max_radius_km"`
	OfferTTLSec int     `json:"offer_ttl_sec"`
}

func (req autoJobRequest) toInput() models.AutoJobInput {
	return models.AutoJobInput{
		PickupLat:    req.PickupLat,
		PickupLng:    req.PickupLng,
		CustomerName: req.CustomerName,
		Address:      req.Address,
		Phone:        req.Phone,
		Comment:      req.Comment,
		MaxAgeSec:    req.MaxAgeSec,
		MaxRadiusKm:  req.MaxRadiusKm,
		OfferTTLSec:  req.OfferTTLSec,
	}
}

func (a *DispatchAPI) sendJobAuto(w http.ResponseWriter, r *http.Request) {
	var req autoJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := a.dispatch.AutoAssign(r.Context(), req.toInput())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"job":         toJobDTO(res.Job),
		"driver_id":   res.DriverID,
		"distance_km": round3(res.DistanceKm),
	})
}

func (a *DispatchAPI) sendJobAutoOffer(w http.ResponseWriter, r *http.Request) {
	var req autoJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := a.dispatch.AutoOffer(r.Context(), req.toInput())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"job":         toJobDTO(res.Job),
		"driver_id":   res.DriverID,
		"distance_km": round3(res.DistanceKm),
	})
}

func (a *DispatchAPI) jobsForDriver(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.dispatch.JobsForDriver(r.Context(), chi.URLParam(r, "driverID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(jobs)})
}

func (a *DispatchAPI) offersForDriver(w http.ResponseWriter, r *http.Request) {
	offers, err := a.dispatch.OffersForDriver(r.Context(), chi.URLParam(r, "driverID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": toJobDTOs(offers)})
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (a *DispatchAPI) acceptJob(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	j, err := a.dispatch.Accept(r.Context(), chi.URLParam(r, "jobID"), req.DriverID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": toJobDTO(j)})
}

func (a *DispatchAPI) declineJob(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	red, err := a.dispatch.Decline(r.Context(), chi.URLParam(r, "jobID"), req.DriverID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redistributed": toRedistributionDTO(red)})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (a *DispatchAPI) updateJobStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	j, err := a.dispatch.UpdateStatus(r.Context(), chi.URLParam(r, "jobID"), req.Status)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": toJobDTO(j)})
}

func (a *DispatchAPI) deleteJob(w http.ResponseWriter, r *http.Request) {
	red, err := a.dispatch.Remove(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redistributed": toRedistributionDTO(red)})
}

type redistributionDTO struct {
	NewJobID   string  `json:"new_offer_job_id"`
	DriverID   string  `json:"chosen_driver_id"`
	DistanceKm float64 `json:"distance_km"`
	RootJobID  string  `json:"root_job_id"`
}

// toRedistributionDTO: nil остаётся nil — в JSON это null, цепочка исчерпана.
func toRedistributionDTO(red *dispatch.Redistribution) *redistributionDTO {
	if red == nil {
		return nil
	}
	return &redistributionDTO{
		NewJobID:   red.NewJobID,
		DriverID:   red.DriverID,
		DistanceKm: round3(red.DistanceKm),
		RootJobID:  red.RootJobID,
	}
}

type jobDTO struct {
	ID             string   `json:"id"`
	RootJobID      string   `json:"root_job_id"`
	DriverID       *string  `json:"driver_id"`
	CustomerName   string   `json:"customer_name"`
	Address        string   `json:"address"`
	Phone          string   `json:"phone"`
	Comment        string   `json:"comment"`
	PickupLat      *float64 `json:"pickup_lat,omitempty"`
	PickupLng      *float64 `json:"pickup_lng,omitempty"`
	Status         string   `json:"status"`
	OfferExpiresAt *string  `json:"offer_expires_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

func toJobDTO(j *models.Job) jobDTO {
	dto := jobDTO{
		ID:           j.ID,
		RootJobID:    j.RootJobID,
		DriverID:     j.DriverID,
		CustomerName: j.CustomerName,
		Address:      j.Address,
		Phone:        j.Phone,
		Comment:      j.Comment,
		PickupLat:    j.PickupLat,
		PickupLng:    j.PickupLng,
		Status:       j.Status,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.OfferExpiresAt != nil {
		s := j.OfferExpiresAt.UTC().Format(time.RFC3339)
		dto.OfferExpiresAt = &s
	}
	return dto
}

func toJobDTOs(jobs []*models.Job) []jobDTO {
	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobDTO(j))
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// writeServiceError переводит ошибки сервисов в HTTP-статусы. Всё, что не
// входит в известный набор, считаем ошибкой валидации входа либо 500.
func (a *DispatchAPI) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoCandidate):
		writeError(w, http.StatusNotFound, "no available driver")
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting state")
	case errors.Is(err, dispatch.ErrForbidden):
		writeError(w, http.StatusForbidden, "offer belongs to another driver")
	case errors.Is(err, dispatch.ErrExpired):
		writeError(w, http.StatusGone, "offer expired")
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("api error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// isValidation отличает ошибки проверки входа от инфраструктурных: сервисы
// репортят их errors.New без обёрнутой причины.
func isValidation(err error) bool {
	return errors.Cause(err) == err
}
