package agent

import (
	"errors"
	"time"

	"github.com/vesaa/opensqm/internal/models"
)

// ErrNoReadings means the device returned an empty reading set, which the
// loop treats as a bug rather than a device fault.
var ErrNoReadings = errors.New("no readings to average")

// Average folds readings into one Record: every numeric field and both
// timestamps are arithmetic means, and offset is added to the mean brightness.
func Average(readings []models.Reading, offset float64) (models.Record, error) {
	if len(readings) == 0 {
		return models.Record{}, ErrNoReadings
	}

	var temp, freq, counts, msas float64
	utc := make([]time.Time, len(readings))
	local := make([]time.Time, len(readings))
	for i, r := range readings {
		temp += r.Temperature
		freq += r.Frequency
		counts += r.Counts
		msas += r.Brightness
		utc[i] = r.UTC
		local[i] = r.Local
	}
	n := float64(len(readings))
	return models.Record{
		UTC:         meanTime(utc),
		Local:       meanTime(local),
		Temperature: temp / n,
		Frequency:   freq / n,
		Counts:      counts / n,
		Brightness:  msas/n + offset,
		Samples:     len(readings),
	}, nil
}

// meanTime averages offsets from the first timestamp, keeping its zone.
func meanTime(ts []time.Time) time.Time {
	var sum time.Duration
	for _, t := range ts[1:] {
		sum += t.Sub(ts[0])
	}
	return ts[0].Add(sum / time.Duration(len(ts)))
}
