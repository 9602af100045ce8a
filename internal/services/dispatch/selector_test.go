package dispatch

import (
	"testing"
	"time"

	"github.com/BearBump/CabBox/internal/models"
	"github.com/stretchr/testify/require"
)

func onlineDriver(id string, lat, lng float64, seenAgo time.Duration, now time.Time) *models.Driver {
	return &models.Driver{
		ID:        id,
		Latitude:  &lat,
		Longitude: &lng,
		Status:    models.DriverStatusOnline,
		UpdatedAt: now.Add(-seenAgo),
	}
}

func TestNearestDriver_PicksNearest(t *testing.T) {
	now := time.Now().UTC()
	drivers := []*models.Driver{
		onlineDriver("B", 48.90, 2.40, 5*time.Second, now),
		onlineDriver("A", 48.85, 2.35, 5*time.Second, now),
	}

	c := NearestDriver(drivers, 48.86, 2.36, 120*time.Second, 50, nil, now)
	require.NotNil(t, c)
	require.Equal(t, "A", c.DriverID)
	require.Less(t, c.DistanceKm, 2.0)
}

func TestNearestDriver_Exclusion(t *testing.T) {
	now := time.Now().UTC()
	drivers := []*models.Driver{
		onlineDriver("A", 48.85, 2.35, 5*time.Second, now),
		onlineDriver("B", 48.90, 2.40, 5*time.Second, now),
	}

	c := NearestDriver(drivers, 48.86, 2.36, 120*time.Second, 50,
		map[string]struct{}{"A": {}}, now)
	require.NotNil(t, c)
	require.Equal(t, "B", c.DriverID)
}

func TestNearestDriver_SkipsStale(t *testing.T) {
	now := time.Now().UTC()
	drivers := []*models.Driver{
		onlineDriver("A", 48.85, 2.35, 10*time.Minute, now),
	}

	require.Nil(t, NearestDriver(drivers, 48.86, 2.36, 120*time.Second, 50, nil, now))
}

func TestNearestDriver_SkipsOutOfRadius(t *testing.T) {
	now := time.Now().UTC()
	drivers := []*models.Driver{
		// Марсель, от Парижа сильно дальше 50 км.
		onlineDriver("A", 43.29, 5.37, 5*time.Second, now),
	}

	require.Nil(t, NearestDriver(drivers, 48.86, 2.36, 120*time.Second, 50, nil, now))
}

func TestNearestDriver_SkipsOfflineAndNoPosition(t *testing.T) {
	now := time.Now().UTC()
	off := onlineDriver("A", 48.85, 2.35, time.Second, now)
	off.Status = models.DriverStatusOffline
	noPos := &models.Driver{ID: "B", Status: models.DriverStatusOnline, UpdatedAt: now}

	require.Nil(t, NearestDriver([]*models.Driver{off, noPos}, 48.86, 2.36, 120*time.Second, 50, nil, now))
}

func TestNearestDriver_EmptyPool(t *testing.T) {
	require.Nil(t, NearestDriver(nil, 48.86, 2.36, 120*time.Second, 50, nil, time.Now()))
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Париж — Лондон, ~344 км по большой окружности.
	d := haversineKm(48.8566, 2.3522, 51.5074, -0.1278)
	require.InDelta(t, 344, d, 5)
}

func TestNearestDriver_LongitudeShrinksWithLatitude(t *testing.T) {
	// Градус долготы на широте Парижа короче градуса широты (cos φ), поэтому
	// равные по градусам смещения не означают равных расстояний: смещённый
	// "по диагонали вверх" B оказывается чуть ближе симметричного A.
	dA := haversineKm(48.86, 2.36, 48.85, 2.35)
	dB := haversineKm(48.86, 2.36, 48.87, 2.37)
	require.Less(t, dB, dA)

	now := time.Now().UTC()
	drivers := []*models.Driver{
		onlineDriver("A", 48.85, 2.35, 5*time.Second, now),
		onlineDriver("B", 48.87, 2.37, 5*time.Second, now),
	}
	c := NearestDriver(drivers, 48.86, 2.36, 120*time.Second, 50, nil, now)
	require.NotNil(t, c)
	require.Equal(t, "B", c.DriverID)
}
