package model

import "time"

// SolarCondition tells whether the sun actually crosses the horizon on a date.
type SolarCondition string

const (
	SolarNormal     SolarCondition = "normal"
	SolarPolarDay   SolarCondition = "polar_day"   // sole sempre sopra l'orizzonte
	SolarPolarNight SolarCondition = "polar_night" // sole sempre sotto
)

// SolarTimes holds sunrise and sunset for one calendar date.
// Sunrise and Sunset are zero unless Condition is SolarNormal.
type SolarTimes struct {
	Sunrise   time.Time      `json:"sunrise"`
	Sunset    time.Time      `json:"sunset"`
	ValidFor  time.Time      `json:"valid_for"` // midnight of the date, in the clock's location
	Condition SolarCondition `json:"condition"`
}

// HasSunrise reports whether Sunrise and Sunset carry meaningful instants.
func (s SolarTimes) HasSunrise() bool {
	return s.Condition == SolarNormal
}

// SameDate reports whether t falls on the same calendar date as ValidFor.
func (s SolarTimes) SameDate(t time.Time) bool {
	t = t.In(s.ValidFor.Location())
	y1, m1, d1 := t.Date()
	y2, m2, d2 := s.ValidFor.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
