// Package ephem computes the solar altitude for an observing site and finds
// the sunset/sunrise crossings of a configurable horizon altitude.
//
// Geometric positions come from suncalc. Refraction is Bennett's formula
// scaled to the station pressure at the site elevation.
package ephem

import (
	"errors"
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// ErrNoTransition is returned when the sun does not cross the horizon within
// the search window, e.g. polar day or polar night.
var ErrNoTransition = errors.New("ephem: no horizon crossing within search window")

const (
	// DefaultSearchWindow bounds NextSunset/NextSunrise.
	DefaultSearchWindow = 48 * time.Hour

	scanStep   = 10 * time.Minute
	resolution = time.Second
)

// Observer is a site on Earth plus the solar altitude that separates day
// from night.
type Observer struct {
	Latitude  float64 // degrees, north positive
	Longitude float64 // degrees, east positive
	Elevation float64 // metres above sea level
	Horizon   float64 // solar altitude threshold, degrees

	// SearchWindow limits transition searches; zero means DefaultSearchWindow.
	SearchWindow time.Duration
}

// SolarAltitude returns the apparent altitude of the sun's centre in degrees.
func (o Observer) SolarAltitude(t time.Time) float64 {
	alt := deg(suncalc.GetPosition(t.UTC(), o.Latitude, o.Longitude).Altitude)
	return alt + refraction(alt, o.Elevation)
}

// IsNighttime reports whether the sun is at or below the observer's horizon.
func (o Observer) IsNighttime(t time.Time) bool {
	return o.SolarAltitude(t) <= o.Horizon
}

// NextSunset returns the first time after t at which the sun sinks to the horizon.
func (o Observer) NextSunset(t time.Time) (time.Time, error) {
	return o.nextCrossing(t, true)
}

// NextSunrise returns the first time after t at which the sun rises above the horizon.
func (o Observer) NextSunrise(t time.Time) (time.Time, error) {
	return o.nextCrossing(t, false)
}

func (o Observer) nextCrossing(t time.Time, setting bool) (time.Time, error) {
	window := o.SearchWindow
	if window <= 0 {
		window = DefaultSearchWindow
	}

	// crossed reports a transition of the requested direction between a and b.
	crossed := func(a, b time.Time) bool {
		na, nb := o.IsNighttime(a), o.IsNighttime(b)
		if setting {
			return !na && nb
		}
		return na && !nb
	}

	end := t.Add(window)
	for lo := t; lo.Before(end); lo = lo.Add(scanStep) {
		hi := lo.Add(scanStep)
		if !crossed(lo, hi) {
			continue
		}
		for hi.Sub(lo) > resolution {
			mid := lo.Add(hi.Sub(lo) / 2)
			if crossed(lo, mid) {
				hi = mid
			} else {
				lo = mid
			}
		}
		return hi.Truncate(resolution), nil
	}
	return time.Time{}, ErrNoTransition
}

// refraction is the atmospheric lift in degrees for a geometric altitude,
// assuming 15 °C and the standard-atmosphere pressure at elevation metres.
// Below -1° the correction tapers linearly to zero at -3° so that apparent
// altitude stays continuous and monotonic.
func refraction(alt, elevation float64) float64 {
	if alt <= -3 {
		return 0
	}
	scale := 1.0
	if alt < -1 {
		scale = (alt + 3) / 2
		alt = -1
	}
	pressure := 1013.25 * math.Pow(1-2.25577e-5*elevation, 5.25588)
	r := 1 / math.Tan(rad(alt+7.31/(alt+4.4))) // arcminutes
	return scale * r / 60 * (pressure / 1010) * (283.0 / 288.0)
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }
