package plot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vesaa/opensqm/internal/models"
)

const summaryHeader = "# Night;Records;First UTC;Last UTC;Mean MSAS;Median MSAS;Max MSAS;Min MSAS;Mean Temperature"

// Summarize computes the statistics of one night's records.
func Summarize(records []models.Record) (models.NightSummary, error) {
	if len(records) == 0 {
		return models.NightSummary{}, ErrNoData
	}

	s := models.NightSummary{
		Records:       len(records),
		Start:         records[0].UTC,
		End:           records[0].UTC,
		MaxBrightness: records[0].Brightness,
		MinBrightness: records[0].Brightness,
	}
	msas := make([]float64, 0, len(records))
	var sumB, sumT float64
	for _, r := range records {
		msas = append(msas, r.Brightness)
		sumB += r.Brightness
		sumT += r.Temperature
		if r.UTC.Before(s.Start) {
			s.Start = r.UTC
		}
		if r.UTC.After(s.End) {
			s.End = r.UTC
		}
		if r.Brightness > s.MaxBrightness {
			s.MaxBrightness = r.Brightness
		}
		if r.Brightness < s.MinBrightness {
			s.MinBrightness = r.Brightness
		}
	}
	n := float64(len(records))
	s.MeanBrightness = sumB / n
	s.MeanTemperature = sumT / n
	s.MedianBrightness = median(msas)
	s.Night = models.NightOf(s.Start.In(records[0].Local.Location()))
	return s, nil
}

func median(v []float64) float64 {
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return (v[mid-1] + v[mid]) / 2
}

// SummaryPath is the per-station summary file in dir.
func SummaryPath(dir, deviceID string) string {
	return filepath.Join(dir, "Summary_"+deviceID+".dat")
}

// SummaryLine renders s as one row of the summary file.
func SummaryLine(s models.NightSummary) string {
	return strings.Join([]string{
		s.Night.Format("2006-01-02"),
		fmt.Sprintf("%d", s.Records),
		s.Start.Format(models.TimeLayout),
		s.End.Format(models.TimeLayout),
		fmt.Sprintf("%.2f", s.MeanBrightness),
		fmt.Sprintf("%.2f", s.MedianBrightness),
		fmt.Sprintf("%.2f", s.MaxBrightness),
		fmt.Sprintf("%.2f", s.MinBrightness),
		fmt.Sprintf("%.1f", s.MeanTemperature),
	}, ";")
}

// AppendSummary adds s to the summary file at path, writing the header when the file is new.
func AppendSummary(path string, s models.NightSummary) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	var out string
	if info.Size() == 0 {
		out = summaryHeader + "\n"
	}
	out += SummaryLine(s) + "\n"
	_, err = f.WriteString(out)
	return err
}
