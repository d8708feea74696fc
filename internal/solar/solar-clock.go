// Package solar computes sunrise and sunset from a fixed location using the
// NOAA general solar position approximation.
package solar

import (
	"math"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// zenith of the sun's upper limb at sunrise, refraction included
const zenithDeg = 90.833

// Compute returns sunrise and sunset for the calendar date of date, as seen
// in date's location, at lat/lon degrees (east positive).
func Compute(date time.Time, lat, lon float64) model.SolarTimes {
	loc := date.Location()
	y, m, d := date.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	out := model.SolarTimes{ValidFor: midnight, Condition: model.SolarNormal}

	days := 365.0
	if isLeap(y) {
		days = 366
	}
	gamma := 2 * math.Pi / days * float64(midnight.YearDay()-1)

	eqTime := 229.18 * (0.000075 + 0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))
	decl := 0.006918 - 0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	phi := lat * math.Pi / 180
	cosHA := math.Cos(zenithDeg*math.Pi/180)/(math.Cos(phi)*math.Cos(decl)) - math.Tan(phi)*math.Tan(decl)
	switch {
	case cosHA > 1:
		out.Condition = model.SolarPolarNight
		return out
	case cosHA < -1:
		out.Condition = model.SolarPolarDay
		return out
	}
	ha := math.Acos(cosHA) * 180 / math.Pi

	utcMidnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	at := func(minutes float64) time.Time {
		off := time.Duration(minutes * float64(time.Minute)).Round(time.Second)
		return utcMidnight.Add(off).In(loc)
	}
	out.Sunrise = at(720 - 4*(lon+ha) - eqTime)
	out.Sunset = at(720 - 4*(lon-ha) - eqTime)
	return out
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// Clock caches the solar times of the current date for one location.
type Clock struct {
	lat, lon float64
	loc      *time.Location

	mu     sync.Mutex
	cached model.SolarTimes
	valid  bool
}

func NewClock(lat, lon float64, loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{lat: lat, lon: lon, loc: loc}
}

// Today returns the solar times for now's date, recomputing only when the
// date changed since the last call.
func (c *Clock) Today(now time.Time) model.SolarTimes {
	now = now.In(c.loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.cached.SameDate(now) {
		return c.cached
	}
	c.cached = Compute(now, c.lat, c.lon)
	c.valid = true
	return c.cached
}

// IsDaylight reports whether now lies between today's sunrise and sunset.
func (c *Clock) IsDaylight(now time.Time) bool {
	st := c.Today(now)
	switch st.Condition {
	case model.SolarPolarDay:
		return true
	case model.SolarPolarNight:
		return false
	}
	return !now.Before(st.Sunrise) && now.Before(st.Sunset)
}
