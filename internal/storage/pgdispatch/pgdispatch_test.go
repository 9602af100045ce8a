package pgdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "cabbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/cabbox_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newOfferedJob(driverID string, expiresIn time.Duration) *models.Job {
	id := uuid.NewString()
	now := time.Now().UTC()
	exp := now.Add(expiresIn)
	lat, lng := 48.86, 2.36
	return &models.Job{
		ID:             id,
		RootJobID:      id,
		DriverID:       &driverID,
		CustomerName:   "Иванов",
		Address:        "Тверская 1",
		PickupLat:      &lat,
		PickupLng:      &lng,
		Status:         models.JobStatusOffered,
		OfferExpiresAt: &exp,
		CreatedAt:      now,
	}
}

func TestPGDispatch_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	// Водители: апсерты позиций и токенов.
	require.NoError(t, st.UpsertDriverPosition(ctx, models.PositionReport{
		DriverID: "d1", Latitude: 48.85, Longitude: 2.35, Status: models.DriverStatusOnline,
	}))
	require.NoError(t, st.UpsertDriverPosition(ctx, models.PositionReport{
		DriverID: "d2", Latitude: 48.90, Longitude: 2.40, Status: models.DriverStatusOffline,
	}))
	require.NoError(t, st.UpsertDriverPushToken(ctx, "d1", "tok-1"))
	// Токен для ещё не существующего водителя создаёт запись.
	require.NoError(t, st.UpsertDriverPushToken(ctx, "d3", "tok-3"))

	d, err := st.GetDriver(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "tok-1", *d.PushToken)
	require.Equal(t, models.DriverStatusOnline, d.Status)

	online, err := st.ListOnlineDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	require.Equal(t, "d1", online[0].ID)

	all, err := st.ListDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	missing, err := st.GetDriver(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, missing)

	// Повторный репорт позиции перезаписывает координаты.
	require.NoError(t, st.UpsertDriverPosition(ctx, models.PositionReport{
		DriverID: "d1", Latitude: 48.87, Longitude: 2.37, Status: models.DriverStatusOnline,
	}))
	d, err = st.GetDriver(ctx, "d1")
	require.NoError(t, err)
	require.InDelta(t, 48.87, *d.Latitude, 1e-9)
}

func TestPGDispatch_OfferCAS(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	j := newOfferedJob("d1", time.Minute)
	require.NoError(t, st.InsertJob(ctx, j))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusOffered, got.Status)
	require.NotNil(t, got.OfferExpiresAt)

	// Переход с чужим driver_id не срабатывает.
	other := "intruder"
	ok, err := st.TransitionOffer(ctx, j.ID, models.JobStatusNew, &other)
	require.NoError(t, err)
	require.False(t, ok)

	// Первый легитимный переход выигрывает, второй — нет.
	owner := "d1"
	ok, err = st.TransitionOffer(ctx, j.ID, models.JobStatusNew, &owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.TransitionOffer(ctx, j.ID, models.JobStatusDeclined, &owner)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusNew, got.Status)
	require.Nil(t, got.OfferExpiresAt)

	// Принятая строка видна в списке заявок, но не в предложениях.
	jobs, err := st.ListJobsForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	offers, err := st.ListOffersForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Empty(t, offers)
}

func TestPGDispatch_ClaimExpiredOffers(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	expired1 := newOfferedJob("d1", -time.Minute)
	expired2 := newOfferedJob("d2", -time.Second)
	live := newOfferedJob("d3", time.Hour)
	require.NoError(t, st.InsertJob(ctx, expired1))
	require.NoError(t, st.InsertJob(ctx, expired2))
	require.NoError(t, st.InsertJob(ctx, live))

	claimed, err := st.ClaimExpiredOffers(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, j := range claimed {
		// Строки возвращаются в состоянии до перехода.
		require.Equal(t, models.JobStatusOffered, j.Status)
		require.NotNil(t, j.DriverID)
	}

	// Повторный проход уже ничего не находит.
	claimed, err = st.ClaimExpiredOffers(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	got, err := st.GetJob(ctx, expired1.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDeclined, got.Status)

	got, err = st.GetJob(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusOffered, got.Status)
}

func TestPGDispatch_DeclineLedgerIdempotent(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	root := uuid.NewString()
	require.NoError(t, st.MarkDeclined(ctx, root, "d1"))
	require.NoError(t, st.MarkDeclined(ctx, root, "d1"))
	require.NoError(t, st.MarkDeclined(ctx, root, "d2"))

	ids, err := st.DeclinedDriverIDs(ctx, root)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, "d1")
	require.Contains(t, ids, "d2")

	other, err := st.DeclinedDriverIDs(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestPGDispatch_JobStatusAndDelete(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	id := uuid.NewString()
	driver := "d1"
	j := &models.Job{
		ID: id, RootJobID: id, DriverID: &driver,
		CustomerName: "Петров", Status: models.JobStatusNew,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertJob(ctx, j))

	ok, err := st.UpdateJobStatus(ctx, id, models.JobStatusNew, models.JobStatusAccepted)
	require.NoError(t, err)
	require.True(t, ok)

	// Optimistic-проверка исходного статуса.
	ok, err = st.UpdateJobStatus(ctx, id, models.JobStatusNew, models.JobStatusCompleted)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.DeleteJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.DeleteJob(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPGDispatch_Documents(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	d := &models.Document{
		ID:           uuid.NewString(),
		DriverID:     "d1",
		Title:        "Лицензия",
		ObjectKey:    "documents/abc.pdf",
		OriginalName: "license.pdf",
		ContentType:  "application/pdf",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.InsertDocument(ctx, d))

	got, err := st.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "Лицензия", got.Title)

	ok, err := st.RenameDocument(ctx, d.ID, "Страховка")
	require.NoError(t, err)
	require.True(t, ok)

	list, err := st.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Страховка", list[0].Title)

	ok, err = st.DeleteDocument(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = st.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}
