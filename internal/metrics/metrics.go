// Package metrics exposes Prometheus instruments for the acquisition loop and
// the datacenter.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Readings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opensqm_readings_total",
		Help: "Raw photometer readings taken",
	})
	Records = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opensqm_records_total",
		Help: "Averaged records produced",
	})
	Brightness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opensqm_brightness_msas",
		Help: "Last calibrated sky brightness in mag/arcsec^2",
	})
	Temperature = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opensqm_sensor_temperature_celsius",
		Help: "Last sensor temperature",
	})
	Night = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opensqm_night",
		Help: "1 while the sun is below the configured horizon",
	})
	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opensqm_cache_records",
		Help: "Records waiting in memory for the next flush",
	})
	DeviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensqm_device_errors_total",
			Help: "Device failures, labelled by kind",
		},
		[]string{"kind"},
	)
	DeviceResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opensqm_device_resets_total",
		Help: "Device reconnection attempts started by the loop",
	})
	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensqm_sink_errors_total",
			Help: "Failed sink calls, labelled by sink",
		},
		[]string{"sink"},
	)
	SinkLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opensqm_sink_latency_ms",
			Help:    "Sink call latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		},
		[]string{"sink"},
	)

	// Datacenter side.
	UploadedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensqm_datacenter_records_total",
			Help: "Records accepted from stations",
		},
		[]string{"station"},
	)
	DuplicateBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opensqm_datacenter_duplicate_batches_total",
		Help: "Record batches acknowledged without insert because their batch_id was already stored",
	})
)

var registerOnce sync.Once

// MustRegister adds every instrument to the default registry. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Readings, Records, Brightness, Temperature, Night, CacheSize,
			DeviceErrors, DeviceResets, SinkErrors, SinkLatencyMs,
			UploadedRecords, DuplicateBatches,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSink records the outcome of one sink call.
func ObserveSink(sink string, dur time.Duration, err error) {
	SinkLatencyMs.WithLabelValues(sink).Observe(float64(dur.Milliseconds()))
	if err != nil {
		SinkErrors.WithLabelValues(sink).Inc()
	}
}

// SetNight flips the night gauge.
func SetNight(night bool) {
	if night {
		Night.Set(1)
		return
	}
	Night.Set(0)
}
