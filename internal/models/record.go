// Package models defines the measurement types shared by the acquisition loop,
// the sinks and the datacenter, plus the GORM tables they persist into.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout used in data files (millisecond precision, no zone).
const TimeLayout = "2006-01-02T15:04:05.000"

// Reading is one raw sample returned by the photometer.
type Reading struct {
	UTC         time.Time
	Local       time.Time
	Temperature float64 // °C
	Frequency   float64 // Hz
	Counts      float64 // sensor period counts
	Period      float64 // s
	Brightness  float64 // mag/arcsec², uncalibrated
}

// Record is the mean of Samples readings with the calibration offset applied
// to Brightness. One Record is one row of a data file.
type Record struct {
	UTC         time.Time `json:"utc"`
	Local       time.Time `json:"local"`
	Temperature float64   `json:"temperature"`
	Frequency   float64   `json:"frequency"`
	Counts      float64   `json:"counts"`
	Brightness  float64   `json:"msas"`
	Samples     int       `json:"samples"`
}

// Line renders r as a data file row (without trailing newline):
//
//	UTC;Local;Temperature;Counts;Frequency;MSAS
func (r Record) Line() string {
	return fmt.Sprintf("%s;%s;%.1f;%.3f;%.3f;%.2f",
		r.UTC.Format(TimeLayout),
		r.Local.Format(TimeLayout),
		r.Temperature,
		r.Counts,
		r.Frequency,
		r.Brightness,
	)
}

// ParseLine is the inverse of Record.Line. loc is the zone the local column is
// expressed in; Samples is not stored in data files and is left at zero.
func ParseLine(line string, loc *time.Location) (Record, error) {
	fields := strings.Split(strings.TrimSpace(line), ";")
	if len(fields) != 6 {
		return Record{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	var (
		rec Record
		err error
	)
	if rec.UTC, err = time.ParseInLocation(TimeLayout, fields[0], time.UTC); err != nil {
		return Record{}, fmt.Errorf("utc time: %w", err)
	}
	if rec.Local, err = time.ParseInLocation(TimeLayout, fields[1], loc); err != nil {
		return Record{}, fmt.Errorf("local time: %w", err)
	}

	nums := []*float64{&rec.Temperature, &rec.Counts, &rec.Frequency, &rec.Brightness}
	for i, dst := range nums {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+2]), 64)
		if err != nil {
			return Record{}, fmt.Errorf("field %d: %w", i+3, err)
		}
		*dst = v
	}
	return rec, nil
}

// NightOf returns the calendar date a local timestamp is filed under. Nights
// roll over at local noon so that a whole night shares one date.
func NightOf(local time.Time) time.Time {
	d := local.Add(-12 * time.Hour)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
