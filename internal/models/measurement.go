package models

import (
	"time"

	"gorm.io/gorm"
)

// Measurement stores one averaged record. The local database sink writes it
// into the table named by _mysql_dbtable; the datacenter keeps every uploaded
// station's rows in its own measurements table.
type Measurement struct {
	gorm.Model

	StationID uint   `gorm:"index" json:"station_id,omitempty"`
	DeviceID  string `gorm:"index;not null" json:"device_id"`

	// ── Time ─────────────────────────────────────────────────────────────────
	UTC   time.Time `gorm:"index;not null" json:"utc"`
	Local string    `json:"local"` // local wall time as written in the data file
	Night time.Time `gorm:"index" json:"night"`

	// ── Sensor ───────────────────────────────────────────────────────────────
	Temperature float64 `json:"temperature"` // °C
	Frequency   float64 `json:"frequency"`   // Hz
	Counts      float64 `json:"counts"`
	Brightness  float64 `json:"msas"` // mag/arcsec², calibrated
	Samples     int     `json:"samples"`
}

// NewMeasurement converts a Record into a row for deviceID.
func NewMeasurement(deviceID string, r Record) Measurement {
	return Measurement{
		DeviceID:    deviceID,
		UTC:         r.UTC,
		Local:       r.Local.Format(TimeLayout),
		Night:       NightOf(r.Local),
		Temperature: r.Temperature,
		Frequency:   r.Frequency,
		Counts:      r.Counts,
		Brightness:  r.Brightness,
		Samples:     r.Samples,
	}
}

// Record converts a stored row back into a Record. The local column keeps its
// wall-clock value and is read back in UTC.
func (m Measurement) Record() Record {
	local, err := time.ParseInLocation(TimeLayout, m.Local, time.UTC)
	if err != nil {
		local = m.UTC
	}
	return Record{
		UTC:         m.UTC,
		Local:       local,
		Temperature: m.Temperature,
		Frequency:   m.Frequency,
		Counts:      m.Counts,
		Brightness:  m.Brightness,
		Samples:     m.Samples,
	}
}
