package drivers

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/BearBump/CabBox/internal/cache"
	"github.com/BearBump/CabBox/internal/models"
	"github.com/pkg/errors"
)

const listCacheKey = "drivers:list"

type Repository interface {
	UpsertDriverPosition(ctx context.Context, rep models.PositionReport) error
	UpsertDriverPushToken(ctx context.Context, driverID, token string) error
	GetDriver(ctx context.Context, driverID string) (*models.Driver, error)
	ListDrivers(ctx context.Context) ([]*models.Driver, error)
}

// Service — реестр водителей: позиции, статусы, push-токены.
type Service struct {
	repo    Repository
	cache   cache.BytesCache
	listTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, listTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, listTTL: listTTL}
}

// ReportPosition применяет отчёт о позиции (last-write-wins) и сбрасывает
// кэшированный список.
func (s *Service) ReportPosition(ctx context.Context, rep models.PositionReport) error {
	if rep.DriverID == "" {
		return errors.New("driver_id is required")
	}
	if rep.Latitude < -90 || rep.Latitude > 90 {
		return errors.New("latitude out of range")
	}
	if rep.Longitude < -180 || rep.Longitude > 180 {
		return errors.New("longitude out of range")
	}
	// (0,0) — типичный мусор от GPS без фикса, такие отчёты не принимаем.
	if math.Abs(rep.Latitude) < 1e-4 && math.Abs(rep.Longitude) < 1e-4 {
		return errors.New("near-zero coordinates")
	}
	switch rep.Status {
	case models.DriverStatusOnline, models.DriverStatusOffline, models.DriverStatusBusy:
	case "":
		rep.Status = models.DriverStatusOnline
	default:
		return errors.New("unknown status")
	}

	if err := s.repo.UpsertDriverPosition(ctx, rep); err != nil {
		return err
	}
	s.invalidateList(ctx)
	return nil
}

func (s *Service) RegisterPushToken(ctx context.Context, driverID, token string) error {
	if driverID == "" {
		return errors.New("driver_id is required")
	}
	if token == "" {
		return errors.New("token is required")
	}
	return s.repo.UpsertDriverPushToken(ctx, driverID, token)
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	return s.repo.GetDriver(ctx, driverID)
}

// ListDrivers отдаёт снимок реестра; короткий кэш сглаживает polling
// диспетчерской карты.
func (s *Service) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	if s.cache != nil && s.listTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, listCacheKey); err == nil && ok {
			var out []*models.Driver
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	out, err := s.repo.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.listTTL > 0 {
		if b, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, listCacheKey, b, s.listTTL)
		}
	}
	return out, nil
}

func (s *Service) invalidateList(ctx context.Context) {
	if s.cache == nil || s.listTTL <= 0 {
		return
	}
	_ = s.cache.Del(ctx, listCacheKey)
}
