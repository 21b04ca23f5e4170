package sink

import (
	"fmt"

	"github.com/vesaa/opensqm/internal/config"
)

// HeaderLines is the fixed length of a data file header.
const HeaderLines = 35

// Header describes the instrument in the "Light Pollution Monitoring Data
// Format 1.0" header that opens every data file.
type Header struct {
	DeviceType   string
	DeviceID     string
	Supplier     string
	LocationName string
	Latitude     float64
	Longitude    float64
	Altitude     float64
	TimeZone     float64
	Offset       float64

	// Filled from the instrument when it answered at startup.
	Serial     string
	Firmware   string
	ReadoutIx  string
	ReadoutRx  string
	CaptureBox string
}

// HeaderFromConfig fills the site and instrument fields known from cfg.
func HeaderFromConfig(cfg *config.Config) Header {
	return Header{
		DeviceType:   cfg.DeviceType,
		DeviceID:     cfg.DeviceID,
		Supplier:     cfg.DataSupplier,
		LocationName: cfg.DeviceLocationName,
		Latitude:     cfg.ObservatoryLatitude,
		Longitude:    cfg.ObservatoryLongitude,
		Altitude:     cfg.ObservatoryAltitude,
		TimeZone:     cfg.LocalTimezone,
		Offset:       cfg.OffsetCalibration,
	}
}

// Lines renders the header, one string per line without newlines.
func (h Header) Lines() []string {
	lines := []string{
		"# Light Pollution Monitoring Data Format 1.0",
		"# URL: http://www.darksky.org/measurements",
		fmt.Sprintf("# Number of header lines: %d", HeaderLines),
		"# This data is released under the following license: ODbL 1.0 http://opendatacommons.org/licenses/odbl/summary/",
		"# Device type: " + h.DeviceType,
		"# Instrument ID: " + h.DeviceID,
		"# Data supplier: " + h.Supplier,
		"# Location name: " + h.LocationName,
		fmt.Sprintf("# Position (lat, lon, elev(m)): %.6f, %.6f, %g", h.Latitude, h.Longitude, h.Altitude),
		fmt.Sprintf("# Local timezone: UTC%+g", h.TimeZone),
		"# Time Synchronization: timestamp",
		"# Moving / Stationary position: STATIONARY",
		"# Moving / Fixed look direction: FIXED",
		"# Number of channels: 1",
		"# Filters per channel: HOYA CM-500",
		"# Measurement direction per channel: 0., 0.",
		"# Field of view (degrees): 20",
		"# Number of fields per line: 6",
		"# SQM serial number: " + h.Serial,
		"# SQM firmware version: " + h.Firmware,
		fmt.Sprintf("# SQM cover offset value: %g", h.Offset),
		"# SQM readout test ix: " + h.ReadoutIx,
		"# SQM readout test rx: " + h.ReadoutRx,
		"# SQM readout test cx: ",
		"# Comment: ",
		"# Comment: ",
		"# Comment: ",
		"# Comment: Capture host: " + h.CaptureBox,
		"# Comment: Capture program: opensqm",
		"# blank line 30",
		"# blank line 31",
		"# blank line 32",
		"# UTC Date & Time, Local Date & Time, Temperature, Counts, Frequency, MSAS",
		"# YYYY-MM-DDTHH:mm:ss.fff;YYYY-MM-DDTHH:mm:ss.fff;Celsius;number;Hz;mag/arcsec^2",
		"# END OF HEADER",
	}
	return lines
}
