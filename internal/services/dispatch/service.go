package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/CabBox/internal/broker/messages"
	"github.com/BearBump/CabBox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultMaxDriverAge = 120 * time.Second
	DefaultMaxRadiusKm  = 50.0
	DefaultOfferTTL     = 180 * time.Second
)

const publishTimeout = 5 * time.Second

type JobsRepository interface {
	InsertJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobsForDriver(ctx context.Context, driverID string) ([]*models.Job, error)
	ListOffersForDriver(ctx context.Context, driverID string) ([]*models.Job, error)
	TransitionOffer(ctx context.Context, jobID, toStatus string, driverID *string) (bool, error)
	UpdateJobStatus(ctx context.Context, jobID, fromStatus, toStatus string) (bool, error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	ClaimExpiredOffers(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
}

type DriversRepository interface {
	GetDriver(ctx context.Context, driverID string) (*models.Driver, error)
	ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error)
}

type DeclinesRepository interface {
	MarkDeclined(ctx context.Context, rootJobID, driverID string) error
	DeclinedDriverIDs(ctx context.Context, rootJobID string) (map[string]struct{}, error)
}

// Producer — выходной поток событий заявок (Kafka). События носят
// уведомительный характер: сбой публикации не откатывает переход в БД.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
}

type Options struct {
	MaxDriverAge time.Duration
	MaxRadiusKm  float64
	OfferTTL     time.Duration
}

func (o *Options) fillDefaults() {
	if o.MaxDriverAge <= 0 {
		o.MaxDriverAge = DefaultMaxDriverAge
	}
	if o.MaxRadiusKm <= 0 {
		o.MaxRadiusKm = DefaultMaxRadiusKm
	}
	if o.OfferTTL <= 0 {
		o.OfferTTL = DefaultOfferTTL
	}
}

// Service — ядро диспетчеризации: создание заявок, подбор водителя,
// жизненный цикл предложения и редистрибуция по цепочке root_job_id.
type Service struct {
	jobs     JobsRepository
	drivers  DriversRepository
	declines DeclinesRepository
	producer Producer
	log      *slog.Logger
	opts     Options
}

func New(jobs JobsRepository, drivers DriversRepository, declines DeclinesRepository, producer Producer, log *slog.Logger, opts Options) *Service {
	opts.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		jobs:     jobs,
		drivers:  drivers,
		declines: declines,
		producer: producer,
		log:      log,
		opts:     opts,
	}
}

// CreateJob создаёт обычную заявку, закреплённую за водителем вручную
// (диспетчер сам знает, кому она идёт).
func (s *Service) CreateJob(ctx context.Context, in models.JobCreateInput) (*models.Job, error) {
	if in.DriverID == "" {
		return nil, errors.New("driver_id is required")
	}
	if in.CustomerName == "" {
		return nil, errors.New("customer_name is required")
	}

	d, err := s.drivers.GetDriver(ctx, in.DriverID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Wrap(ErrNotFound, "driver")
	}

	id := uuid.NewString()
	driverID := in.DriverID
	j := &models.Job{
		ID:           id,
		RootJobID:    id,
		DriverID:     &driverID,
		CustomerName: in.CustomerName,
		Address:      in.Address,
		Phone:        in.Phone,
		Comment:      in.Comment,
		Status:       models.JobStatusNew,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.jobs.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	s.publish(messages.JobEvent{
		Type:         messages.EventJobCreated,
		JobID:        j.ID,
		RootJobID:    j.RootJobID,
		DriverID:     driverID,
		At:           j.CreatedAt,
		CustomerName: j.CustomerName,
		Address:      j.Address,
	})
	return j, nil
}

// AssignResult — результат автоподбора: заявка и дистанция до выбранного
// водителя (для ответа API и уведомления).
type AssignResult struct {
	Job        *models.Job
	DriverID   string
	DistanceKm float64
}

// AutoAssign подбирает ближайшего свежего онлайн-водителя и сразу закрепляет
// заявку за ним (без фазы предложения).
func (s *Service) AutoAssign(ctx context.Context, in models.AutoJobInput) (*AssignResult, error) {
	maxAge, maxRadius, _ := s.inputLimits(in)

	cand, err := s.pickDriver(ctx, in.PickupLat, in.PickupLng, maxAge, maxRadius, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	driverID := cand.DriverID
	lat, lng := in.PickupLat, in.PickupLng
	j := &models.Job{
		ID:           id,
		RootJobID:    id,
		DriverID:     &driverID,
		CustomerName: in.CustomerName,
		Address:      in.Address,
		Phone:        in.Phone,
		Comment:      in.Comment,
		PickupLat:    &lat,
		PickupLng:    &lng,
		Status:       models.JobStatusNew,
		CreatedAt:    now,
	}
	if err := s.jobs.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	dist := cand.DistanceKm
	s.publish(messages.JobEvent{
		Type:         messages.EventJobCreated,
		JobID:        j.ID,
		RootJobID:    j.RootJobID,
		DriverID:     driverID,
		At:           now,
		CustomerName: j.CustomerName,
		Address:      j.Address,
		DistanceKm:   &dist,
	})
	return &AssignResult{Job: j, DriverID: driverID, DistanceKm: dist}, nil
}

// AutoOffer подбирает ближайшего водителя и отправляет ему предложение с
// дедлайном. Заявка остаётся в цепочке root_job_id: отказ или таймаут
// порождают новое предложение следующему кандидату.
func (s *Service) AutoOffer(ctx context.Context, in models.AutoJobInput) (*AssignResult, error) {
	maxAge, maxRadius, ttl := s.inputLimits(in)

	cand, err := s.pickDriver(ctx, in.PickupLat, in.PickupLng, maxAge, maxRadius, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	driverID := cand.DriverID
	lat, lng := in.PickupLat, in.PickupLng
	expires := now.Add(ttl)
	j := &models.Job{
		ID:             id,
		RootJobID:      id,
		DriverID:       &driverID,
		CustomerName:   in.CustomerName,
		Address:        in.Address,
		Phone:          in.Phone,
		Comment:        in.Comment,
		PickupLat:      &lat,
		PickupLng:      &lng,
		Status:         models.JobStatusOffered,
		OfferExpiresAt: &expires,
		CreatedAt:      now,
	}
	if err := s.jobs.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	dist := cand.DistanceKm
	s.publish(messages.JobEvent{
		Type:         messages.EventJobOffered,
		JobID:        j.ID,
		RootJobID:    j.RootJobID,
		DriverID:     driverID,
		At:           now,
		CustomerName: j.CustomerName,
		Address:      j.Address,
		DistanceKm:   &dist,
		ExpiresAt:    &expires,
	})
	return &AssignResult{Job: j, DriverID: driverID, DistanceKm: dist}, nil
}

// Accept переводит предложение в закреплённую заявку (new). Гонку с
// decline/expire решает CAS в хранилище; просроченное предложение при
// попытке принять досрочно отрабатывается как истёкшее.
func (s *Service) Accept(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	if j.Status != models.JobStatusOffered {
		return nil, ErrConflict
	}
	if j.DriverID == nil || *j.DriverID != driverID {
		return nil, ErrForbidden
	}
	if j.OfferExpired(time.Now().UTC()) {
		s.expireOffer(ctx, j)
		return nil, ErrExpired
	}

	ok, err := s.jobs.TransitionOffer(ctx, jobID, models.JobStatusNew, &driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Кто-то успел раньше: свипер или параллельный decline.
		return nil, ErrConflict
	}

	j.Status = models.JobStatusNew
	j.OfferExpiresAt = nil
	s.publish(messages.JobEvent{
		Type:      messages.EventOfferAccepted,
		JobID:     j.ID,
		RootJobID: j.RootJobID,
		DriverID:  driverID,
		At:        time.Now().UTC(),
	})
	return j, nil
}

// Redistribution — исход передачи заявки следующему кандидату.
type Redistribution struct {
	NewJobID   string
	DriverID   string
	DistanceKm float64
	RootJobID  string
}

// Decline фиксирует отказ в реестре и отдаёт заявку следующему кандидату.
// Возвращает исход редистрибуции; nil — цепочка исчерпана.
func (s *Service) Decline(ctx context.Context, jobID, driverID string) (*Redistribution, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	if j.Status != models.JobStatusOffered {
		return nil, ErrConflict
	}
	if j.DriverID == nil || *j.DriverID != driverID {
		return nil, ErrForbidden
	}

	ok, err := s.jobs.TransitionOffer(ctx, jobID, models.JobStatusDeclined, &driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	// Строка уже в declined: ошибка реестра или редистрибуции ниже оставит
	// цепочку без живой строки, и свипер её не подберёт (он сканирует только
	// offered). Восстановление — повторный decline вернёт Conflict, заявку
	// заводят заново.
	if err := s.declines.MarkDeclined(ctx, j.RootJobID, driverID); err != nil {
		return nil, err
	}
	s.publish(messages.JobEvent{
		Type:      messages.EventOfferDeclined,
		JobID:     j.ID,
		RootJobID: j.RootJobID,
		DriverID:  driverID,
		At:        time.Now().UTC(),
	})
	return s.redistribute(ctx, j)
}

// UpdateStatus — ручной переход статуса (PATCH диспетчера/водителя).
func (s *Service) UpdateStatus(ctx context.Context, jobID, toStatus string) (*models.Job, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	if !models.CanTransition(j.Status, toStatus) {
		return nil, ErrConflict
	}

	ok, err := s.jobs.UpdateJobStatus(ctx, jobID, j.Status, toStatus)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	j.Status = toStatus
	return j, nil
}

// Remove снимает заявку с водителя. Автоназначенную незавершённую заявку
// (есть точка подачи, статус new/accepted) перед удалением отдаём следующему
// кандидату, как при отказе. Реестр отказов по root_job_id не трогаем:
// история цепочки остаётся.
func (s *Service) Remove(ctx context.Context, jobID string) (*Redistribution, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}

	var red *Redistribution
	if (j.Status == models.JobStatusNew || j.Status == models.JobStatusAccepted) && j.HasPickup() && j.DriverID != nil {
		if err := s.declines.MarkDeclined(ctx, j.RootJobID, *j.DriverID); err != nil {
			return nil, err
		}
		red, err = s.redistribute(ctx, j)
		if err != nil {
			return nil, err
		}
	}

	ok, err := s.jobs.DeleteJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	s.publish(messages.JobEvent{
		Type:      messages.EventJobRemoved,
		JobID:     j.ID,
		RootJobID: j.RootJobID,
		At:        time.Now().UTC(),
	})
	return red, nil
}

func (s *Service) JobsForDriver(ctx context.Context, driverID string) ([]*models.Job, error) {
	return s.jobs.ListJobsForDriver(ctx, driverID)
}

// OffersForDriver возвращает живые предложения. Просроченные, которые свипер
// ещё не подобрал, отрабатываются прямо на чтении и в ответ не попадают.
func (s *Service) OffersForDriver(ctx context.Context, driverID string) ([]*models.Job, error) {
	offers, err := s.jobs.ListOffersForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	live := offers[:0]
	for _, j := range offers {
		if j.OfferExpired(now) {
			s.expireOffer(ctx, j)
			continue
		}
		live = append(live, j)
	}
	return live, nil
}

// SweepExpired — один проход свипера: забирает пачку просроченных предложений
// и редистрибутирует каждое. Возвращает число обработанных.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	claimed, err := s.jobs.ClaimExpiredOffers(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	for _, j := range claimed {
		s.afterExpiry(ctx, j)
	}
	return len(claimed), nil
}

// expireOffer — ленивое истечение: CAS в declined, дальше как после свипера.
// Ошибки здесь не фатальны для вызывающего чтения, поэтому логируем.
func (s *Service) expireOffer(ctx context.Context, j *models.Job) {
	ok, err := s.jobs.TransitionOffer(ctx, j.ID, models.JobStatusDeclined, nil)
	if err != nil {
		s.log.Error("expire offer", "job_id", j.ID, "err", err)
		return
	}
	if !ok {
		// Предложение уже обработал свипер или сам водитель.
		return
	}
	s.afterExpiry(ctx, j)
}

// afterExpiry — общая часть истечения: отметка в реестре отказов, событие и
// передача следующему кандидату. Строка уже в declined.
func (s *Service) afterExpiry(ctx context.Context, j *models.Job) {
	if j.DriverID != nil {
		if err := s.declines.MarkDeclined(ctx, j.RootJobID, *j.DriverID); err != nil {
			s.log.Error("mark declined", "job_id", j.ID, "err", err)
		}
	}

	ev := messages.JobEvent{
		Type:      messages.EventOfferExpired,
		JobID:     j.ID,
		RootJobID: j.RootJobID,
		At:        time.Now().UTC(),
	}
	if j.DriverID != nil {
		ev.DriverID = *j.DriverID
	}
	s.publish(ev)

	if _, err := s.redistribute(ctx, j); err != nil {
		s.log.Error("redistribute", "root_job_id", j.RootJobID, "err", err)
	}
}

// redistribute отдаёт заявку следующему кандидату: новая offered-строка в той
// же цепочке, с исключением всех уже отказавшихся. Если кандидатов нет,
// цепочка закрывается терминальной unassigned-строкой без водителя, а
// результат — nil (это нормальный исход, не ошибка).
func (s *Service) redistribute(ctx context.Context, prev *models.Job) (*Redistribution, error) {
	now := time.Now().UTC()

	var cand *Candidate
	if prev.HasPickup() {
		excluded, err := s.declines.DeclinedDriverIDs(ctx, prev.RootJobID)
		if err != nil {
			return nil, err
		}
		drivers, err := s.drivers.ListOnlineDrivers(ctx)
		if err != nil {
			return nil, err
		}
		cand = NearestDriver(drivers, *prev.PickupLat, *prev.PickupLng,
			s.opts.MaxDriverAge, s.opts.MaxRadiusKm, excluded, now)
	}

	if cand == nil {
		j := &models.Job{
			ID:           uuid.NewString(),
			RootJobID:    prev.RootJobID,
			CustomerName: prev.CustomerName,
			Address:      prev.Address,
			Phone:        prev.Phone,
			Comment:      prev.Comment,
			PickupLat:    prev.PickupLat,
			PickupLng:    prev.PickupLng,
			Status:       models.JobStatusUnassigned,
			CreatedAt:    now,
		}
		if err := s.jobs.InsertJob(ctx, j); err != nil {
			return nil, err
		}
		s.publish(messages.JobEvent{
			Type:      messages.EventJobUnassigned,
			JobID:     j.ID,
			RootJobID: j.RootJobID,
			At:        now,
		})
		return nil, nil
	}

	driverID := cand.DriverID
	expires := now.Add(s.opts.OfferTTL)
	j := &models.Job{
		ID:             uuid.NewString(),
		RootJobID:      prev.RootJobID,
		DriverID:       &driverID,
		CustomerName:   prev.CustomerName,
		Address:        prev.Address,
		Phone:          prev.Phone,
		Comment:        prev.Comment,
		PickupLat:      prev.PickupLat,
		PickupLng:      prev.PickupLng,
		Status:         models.JobStatusOffered,
		OfferExpiresAt: &expires,
		CreatedAt:      now,
	}
	if err := s.jobs.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	dist := cand.DistanceKm
	s.publish(messages.JobEvent{
		Type:         messages.EventJobOffered,
		JobID:        j.ID,
		RootJobID:    j.RootJobID,
		DriverID:     driverID,
		At:           now,
		CustomerName: j.CustomerName,
		Address:      j.Address,
		DistanceKm:   &dist,
		ExpiresAt:    &expires,
	})
	return &Redistribution{
		NewJobID:   j.ID,
		DriverID:   driverID,
		DistanceKm: dist,
		RootJobID:  j.RootJobID,
	}, nil
}

func (s *Service) pickDriver(ctx context.Context, lat, lng float64, maxAge time.Duration, maxRadiusKm float64, exclude map[string]struct{}) (*Candidate, error) {
	drivers, err := s.drivers.ListOnlineDrivers(ctx)
	if err != nil {
		return nil, err
	}
	cand := NearestDriver(drivers, lat, lng, maxAge, maxRadiusKm, exclude, time.Now().UTC())
	if cand == nil {
		return nil, ErrNoCandidate
	}
	return cand, nil
}

func (s *Service) inputLimits(in models.AutoJobInput) (maxAge time.Duration, maxRadiusKm float64, ttl time.Duration) {
	maxAge = s.opts.MaxDriverAge
	if in.MaxAgeSec > 0 {
		maxAge = time.Duration(in.MaxAgeSec) * time.Second
	}
	maxRadiusKm = s.opts.MaxRadiusKm
	if in.MaxRadiusKm > 0 {
		maxRadiusKm = in.MaxRadiusKm
	}
	ttl = s.opts.OfferTTL
	if in.OfferTTLSec > 0 {
		ttl = time.Duration(in.OfferTTLSec) * time.Second
	}
	return maxAge, maxRadiusKm, ttl
}

// publish отправляет событие в фоне: публикация не должна задерживать ответ
// API и не участвует в транзакции.
func (s *Service) publish(ev messages.JobEvent) {
	if s.producer == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal job event", "type", ev.Type, "err", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.producer.Publish(ctx, []byte(ev.RootJobID), b); err != nil {
			s.log.Error("publish job event", "type", ev.Type, "job_id", ev.JobID, "err", err)
		}
	}()
}
