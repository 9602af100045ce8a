package messages

import "time"

// Типы событий жизненного цикла заявки. Поток событий читает воркер
// (push-уведомления) и любые внешние потребители (лента диспетчерской).
const (
	EventJobCreated    = "job_created"
	EventJobOffered    = "job_offered"
	EventOfferAccepted = "offer_accepted"
	EventOfferDeclined = "offer_declined"
	EventOfferExpired  = "offer_expired"
	EventJobUnassigned = "job_unassigned"
	EventJobRemoved    = "job_removed"
)

type JobEvent struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	RootJobID string    `json:"root_job_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	At        time.Time `json:"at"`

	// Данные для уведомления/ленты; для служебных событий могут быть пустыми.
	CustomerName string     `json:"customer_name,omitempty"`
	Address      string     `json:"address,omitempty"`
	DistanceKm   *float64   `json:"distance_km,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
