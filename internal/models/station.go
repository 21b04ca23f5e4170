package models

import (
	"time"

	"gorm.io/gorm"
)

// Station is a photometer that reports to the datacenter, keyed by its
// configured device id.
type Station struct {
	gorm.Model

	// Identity
	DeviceID   string `gorm:"uniqueIndex;not null" json:"device_id"`
	DeviceType string `json:"device_type"`
	Name       string `gorm:"index" json:"name"`
	Location   string `json:"location"`
	Supplier   string `json:"supplier"`
	Serial     string `json:"serial"`

	// Site
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`

	// Acquisition host, as reported by the agent.
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	AgentVer string `json:"agent_ver"`

	// Lifecycle
	LastSeen  time.Time `json:"last_seen"`
	LastNight time.Time `json:"last_night"`
}

// Night marks the start of a night's data file for a station.
type Night struct {
	gorm.Model

	StationID uint      `gorm:"uniqueIndex:idx_station_night;not null" json:"station_id"`
	Date      time.Time `gorm:"uniqueIndex:idx_station_night;not null" json:"date"`
}

// UploadBatch records an accepted record batch so that re-sent batches are
// acknowledged without inserting their rows twice.
type UploadBatch struct {
	gorm.Model

	BatchID   string `gorm:"uniqueIndex;not null" json:"batch_id"`
	StationID uint   `gorm:"index" json:"station_id"`
	Records   int    `json:"records"`
}

// NightSummary is the per-night statistics row produced at the end of a night.
type NightSummary struct {
	Night            time.Time `json:"night"`
	Records          int       `json:"records"`
	MeanBrightness   float64   `json:"mean_msas"`
	MedianBrightness float64   `json:"median_msas"`
	MaxBrightness    float64   `json:"max_msas"`
	MinBrightness    float64   `json:"min_msas"`
	MeanTemperature  float64   `json:"mean_temperature"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
}
