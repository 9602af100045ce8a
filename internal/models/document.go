package models

import "time"

type Document struct {
	ID           string
	DriverID     string
	Title        string
	ObjectKey    string
	OriginalName string
	ContentType  string
	CreatedAt    time.Time
}
