package dispatch_api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/BearBump/CabBox/internal/services/dispatch"
	"github.com/BearBump/CabBox/internal/services/documents"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubDrivers struct {
	reports []models.PositionReport
	tokens  map[string]string
	list    []*models.Driver
	err     error
}

func (s *stubDrivers) ReportPosition(_ context.Context, rep models.PositionReport) error {
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, rep)
	return nil
}

func (s *stubDrivers) RegisterPushToken(_ context.Context, driverID, token string) error {
	if s.err != nil {
		return s.err
	}
	if s.tokens == nil {
		s.tokens = map[string]string{}
	}
	s.tokens[driverID] = token
	return nil
}

func (s *stubDrivers) ListDrivers(context.Context) ([]*models.Driver, error) {
	return s.list, s.err
}

type stubDispatch struct {
	job    *models.Job
	result *dispatch.AssignResult
	red    *dispatch.Redistribution
	jobs   []*models.Job
	err    error

	declined  []string
	removed   []string
	newStatus string
}

func (s *stubDispatch) CreateJob(context.Context, models.JobCreateInput) (*models.Job, error) {
	return s.job, s.err
}

func (s *stubDispatch) AutoAssign(context.Context, models.AutoJobInput) (*dispatch.AssignResult, error) {
	return s.result, s.err
}

func (s *stubDispatch) AutoOffer(context.Context, models.AutoJobInput) (*dispatch.AssignResult, error) {
	return s.result, s.err
}

func (s *stubDispatch) Accept(context.Context, string, string) (*models.Job, error) {
	return s.job, s.err
}

func (s *stubDispatch) Decline(_ context.Context, jobID, driverID string) (*dispatch.Redistribution, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.declined = append(s.declined, jobID+":"+driverID)
	return s.red, nil
}

func (s *stubDispatch) UpdateStatus(_ context.Context, _ string, toStatus string) (*models.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.newStatus = toStatus
	return s.job, nil
}

func (s *stubDispatch) Remove(_ context.Context, jobID string) (*dispatch.Redistribution, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.removed = append(s.removed, jobID)
	return s.red, nil
}

func (s *stubDispatch) JobsForDriver(context.Context, string) ([]*models.Job, error) {
	return s.jobs, s.err
}

func (s *stubDispatch) OffersForDriver(context.Context, string) ([]*models.Job, error) {
	return s.jobs, s.err
}

type stubDocuments struct {
	doc  *models.Document
	docs []*models.Document
	body []byte
	err  error
}

func (s *stubDocuments) Upload(context.Context, documents.UploadInput) (*models.Document, error) {
	return s.doc, s.err
}

func (s *stubDocuments) List(context.Context) ([]*models.Document, error) {
	return s.docs, s.err
}

func (s *stubDocuments) Download(context.Context, string) (*models.Document, []byte, error) {
	return s.doc, s.body, s.err
}

func (s *stubDocuments) Rename(context.Context, string, string) error { return s.err }
func (s *stubDocuments) Delete(context.Context, string) error         { return s.err }

func newServer(dr *stubDrivers, dp *stubDispatch, dc *stubDocuments) *httptest.Server {
	if dr == nil {
		dr = &stubDrivers{}
	}
	if dp == nil {
		dp = &stubDispatch{}
	}
	if dc == nil {
		dc = &stubDocuments{}
	}
	r := chi.NewRouter()
	New(dr, dp, dc, nil).Routes(r)
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sampleJob() *models.Job {
	d := "d1"
	exp := time.Now().UTC().Add(time.Minute)
	return &models.Job{
		ID:             "j1",
		RootJobID:      "j1",
		DriverID:       &d,
		CustomerName:   "Иванов",
		Address:        "Тверская 1",
		Status:         models.JobStatusOffered,
		OfferExpiresAt: &exp,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestUpdateLocation(t *testing.T) {
	dr := &stubDrivers{}
	srv := newServer(dr, nil, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/update-location", map[string]any{
		"driver_id": "d1", "latitude": 48.85, "longitude": 2.35, "status": "online",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
	require.Len(t, dr.reports, 1)
	require.Equal(t, "d1", dr.reports[0].DriverID)
}

func TestUpdateLocation_ValidationError(t *testing.T) {
	dr := &stubDrivers{err: errors.New("latitude out of range")}
	srv := newServer(dr, nil, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/update-location", map[string]any{
		"driver_id": "d1", "latitude": 99.0,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, out["ok"])
}

func TestListDrivers(t *testing.T) {
	lat, lng := 48.85, 2.35
	tok := "tok"
	dr := &stubDrivers{list: []*models.Driver{{
		ID: "d1", Latitude: &lat, Longitude: &lng,
		Status: models.DriverStatusOnline, UpdatedAt: time.Now().UTC(), PushToken: &tok,
	}}}
	srv := newServer(dr, nil, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/drivers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	drivers := out["drivers"].([]any)
	require.Len(t, drivers, 1)
	first := drivers[0].(map[string]any)
	require.Equal(t, "d1", first["id"])
	require.Equal(t, true, first["has_push_token"])
}

func TestSendJobAutoOffer(t *testing.T) {
	dp := &stubDispatch{result: &dispatch.AssignResult{
		Job: sampleJob(), DriverID: "d1", DistanceKm: 1.23456,
	}}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/send-job-auto-offer", map[string]any{
		"pickup_lat": 48.86, "pickup_lng": 2.36, "customer_name": "X",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "d1", out["driver_id"])
	require.Equal(t, 1.235, out["distance_km"])
	job := out["job"].(map[string]any)
	require.Equal(t, "offered", job["status"])
	require.NotEmpty(t, job["offer_expires_at"])
}

func TestSendJobAuto_NoCandidate(t *testing.T) {
	dp := &stubDispatch{err: dispatch.ErrNoCandidate}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/send-job-auto", map[string]any{
		"pickup_lat": 48.86, "pickup_lng": 2.36, "customer_name": "X",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "no available driver", out["error"])
}

func TestAcceptJob_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{dispatch.ErrNotFound, http.StatusNotFound},
		{dispatch.ErrConflict, http.StatusConflict},
		{dispatch.ErrForbidden, http.StatusForbidden},
		{dispatch.ErrExpired, http.StatusGone},
	}
	for _, tc := range cases {
		srv := newServer(nil, &stubDispatch{err: tc.err}, nil)
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/jobs/j1/accept", map[string]any{"driver_id": "d1"})
		require.Equal(t, tc.code, resp.StatusCode, tc.err.Error())
		srv.Close()
	}
}

func TestAcceptJob_RequiresDriverID(t *testing.T) {
	srv := newServer(nil, &stubDispatch{job: sampleJob()}, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/jobs/j1/accept", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeclineJob(t *testing.T) {
	dp := &stubDispatch{red: &dispatch.Redistribution{
		NewJobID: "j2", DriverID: "d2", DistanceKm: 1.23456, RootJobID: "j1",
	}}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/jobs/j1/decline", map[string]any{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
	require.Equal(t, []string{"j1:d1"}, dp.declined)

	red := out["redistributed"].(map[string]any)
	require.Equal(t, "j2", red["new_offer_job_id"])
	require.Equal(t, "d2", red["chosen_driver_id"])
	require.InDelta(t, 1.235, red["distance_km"].(float64), 1e-9)
}

func TestDeclineJob_ChainExhausted(t *testing.T) {
	dp := &stubDispatch{}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/jobs/j1/decline", map[string]any{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out["redistributed"])
}

func TestUpdateJobStatus(t *testing.T) {
	j := sampleJob()
	j.Status = models.JobStatusAccepted
	dp := &stubDispatch{job: j}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPatch, srv.URL+"/jobs/j1/status", map[string]any{"status": "accepted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "accepted", dp.newStatus)
	require.Equal(t, "accepted", out["job"].(map[string]any)["status"])
}

func TestDeleteJob(t *testing.T) {
	dp := &stubDispatch{}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/jobs/j1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"j1"}, dp.removed)
}

func TestOffersForDriver(t *testing.T) {
	dp := &stubDispatch{jobs: []*models.Job{sampleJob()}}
	srv := newServer(nil, dp, nil)
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/jobs/offers/d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["offers"].([]any), 1)
}

func TestUploadDocument(t *testing.T) {
	dc := &stubDocuments{doc: &models.Document{
		ID: "doc1", DriverID: "d1", Title: "Лицензия",
		OriginalName: "license.pdf", ContentType: "application/pdf",
		CreatedAt: time.Now().UTC(),
	}}
	srv := newServer(nil, nil, dc)
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("driver_id", "d1"))
	require.NoError(t, mw.WriteField("title", "Лицензия"))
	fw, err := mw.CreateFormFile("file", "license.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/documents/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "doc1", out["document"].(map[string]any)["id"])
}

func TestDownloadDocument(t *testing.T) {
	dc := &stubDocuments{
		doc: &models.Document{
			ID: "doc1", OriginalName: "license.pdf", ContentType: "application/pdf",
		},
		body: []byte("%PDF-1.4"),
	}
	srv := newServer(nil, nil, dc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/documents/doc1/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	require.True(t, strings.Contains(resp.Header.Get("Content-Disposition"), "license.pdf"))
}

func TestDocumentNotFound(t *testing.T) {
	dc := &stubDocuments{err: documents.ErrNotFound}
	srv := newServer(nil, nil, dc)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/documents/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/documents/missing", map[string]any{"title": "X"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
