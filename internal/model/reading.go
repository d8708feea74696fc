package model

import "time"

// Reading is a single measurement taken from the power monitor.
type Reading struct {
	Voltage   float64   `json:"voltage"` // V, bus side
	Current   float64   `json:"current"` // A, positive into the load
	Power     float64   `json:"power"`   // W
	Timestamp time.Time `json:"timestamp"`
}
