package models

import "time"

// Статусы заявки. offered/declined — служебные статусы цепочки предложений,
// водитель в списке "своих" заявок их не видит.
const (
	JobStatusNew        = "new"
	JobStatusOffered    = "offered"
	JobStatusAccepted   = "accepted"
	JobStatusDeclined   = "declined"
	JobStatusUnassigned = "unassigned"
	JobStatusCompleted  = "completed"
)

type Job struct {
	ID           string
	RootJobID    string
	DriverID     *string
	CustomerName string
	Address      string
	Phone        string
	Comment      string
	PickupLat    *float64
	PickupLng    *float64
	Status       string
	OfferExpiresAt *time.Time
	CreatedAt    time.Time
}

// HasPickup reports whether the job was created with a pickup point
// (auto-dispatch); manual jobs may have none.
func (j *Job) HasPickup() bool {
	return j.PickupLat != nil && j.PickupLng != nil
}

// OfferExpired reports whether an offered job's deadline has passed.
func (j *Job) OfferExpired(now time.Time) bool {
	if j.OfferExpiresAt == nil {
		return false
	}
	return now.After(*j.OfferExpiresAt)
}

// Ручные переходы статуса (PATCH). Переходы цепочки предложений
// (offered/declined/unassigned) идут только через dispatch-сервис.
var manualTransitions = map[string]map[string]struct{}{
	JobStatusNew: {
		JobStatusAccepted:  {},
		JobStatusCompleted: {},
	},
	JobStatusAccepted: {
		JobStatusCompleted: {},
	},
}

// CanTransition returns whether a manual status update from -> to is allowed.
func CanTransition(from, to string) bool {
	allowed, ok := manualTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsTerminal reports whether no further transitions are possible for the row.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusDeclined, JobStatusUnassigned, JobStatusCompleted:
		return true
	}
	return false
}

type Decline struct {
	RootJobID  string
	DriverID   string
	DeclinedAt time.Time
}

type JobCreateInput struct {
	DriverID     string
	CustomerName string
	Address      string
	Phone        string
	Comment      string
}

type AutoJobInput struct {
	PickupLat    float64
	PickupLng    float64
	CustomerName string
	Address      string
	Phone        string
	Comment      string

	// Нулевые значения заменяются дефолтами сервиса.
	MaxAgeSec   int
	MaxRadiusKm float64
	OfferTTLSec int
}
