package dispatch

import (
	"math"
	"time"

	"github.com/BearBump/CabBox/internal/models"
)

const earthRadiusKm = 6371.0

// Candidate — результат подбора: ближайший подходящий водитель.
type Candidate struct {
	DriverID   string
	DistanceKm float64
	UpdatedAt  time.Time
}

// NearestDriver выбирает ближайшего online-водителя со свежей позицией в
// радиусе, пропуская исключённых (реестр отказов). Возвращает nil, если
// никто не подходит — это штатный исход, не ошибка.
//
// Расстояние — haversine по сферической модели Земли; на городских
// радиусах точности хватает, а считается сильно дешевле эллипсоида.
// При равных расстояниях побеждает первый встреченный.
func NearestDriver(
	drivers []*models.Driver,
	pickupLat, pickupLng float64,
	maxAge time.Duration,
	maxRadiusKm float64,
	exclude map[string]struct{},
	now time.Time,
) *Candidate {
	var best *Candidate

	for _, d := range drivers {
		if d.Status != models.DriverStatusOnline {
			continue
		}
		if _, skip := exclude[d.ID]; skip {
			continue
		}
		if !d.HasPosition() {
			continue
		}
		if now.Sub(d.UpdatedAt) > maxAge {
			continue
		}

		dist := haversineKm(pickupLat, pickupLng, *d.Latitude, *d.Longitude)
		if dist > maxRadiusKm {
			continue
		}

		if best == nil || dist < best.DistanceKm {
			best = &Candidate{
				DriverID:   d.ID,
				DistanceKm: dist,
				UpdatedAt:  d.UpdatedAt,
			}
		}
	}

	return best
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
