package models

import "time"

// Статусы водителя, как их репортит мобильное приложение.
const (
	DriverStatusOnline  = "online"
	DriverStatusOffline = "offline"
	DriverStatusBusy    = "busy"
)

type Driver struct {
	ID        string
	Latitude  *float64
	Longitude *float64
	Status    string
	UpdatedAt time.Time
	PushToken *string
}

// HasPosition reports whether the driver ever sent coordinates.
func (d *Driver) HasPosition() bool {
	return d.Latitude != nil && d.Longitude != nil
}

type PositionReport struct {
	DriverID  string
	Latitude  float64
	Longitude float64
	Status    string
}
