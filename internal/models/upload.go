package models

import "time"

// Payloads exchanged between a station's datacenter sink and the datacenter
// data plane. Every request carries "Authorization: Bearer <token>".

// RegisterPayload is sent before the first upload to create/update the station.
type RegisterPayload struct {
	DeviceID   string  `json:"device_id" binding:"required"`
	DeviceType string  `json:"device_type"`
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	Supplier   string  `json:"supplier"`
	Serial     string  `json:"serial"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Hostname   string  `json:"hostname"`
	OS         string  `json:"os"`
	AgentVer   string  `json:"agent_ver"`
}

// NightPayload announces the start of a night.
type NightPayload struct {
	DeviceID string    `json:"device_id" binding:"required"`
	Night    time.Time `json:"night" binding:"required"`
}

// RecordBatch carries records under a client-chosen id; the datacenter stores
// each BatchID at most once.
type RecordBatch struct {
	BatchID  string   `json:"batch_id" binding:"required"`
	DeviceID string   `json:"device_id" binding:"required"`
	Records  []Record `json:"records"`
}
