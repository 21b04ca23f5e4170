package plot

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/ephem"
	"github.com/vesaa/opensqm/internal/models"
)

var utc2 = time.FixedZone("UTC+2", 2*3600)

func nightRecords() []models.Record {
	base := time.Date(2024, 9, 1, 22, 0, 0, 0, utc2)
	var recs []models.Record
	for i, msas := range []float64{20.1, 20.5, 20.9, 21.3, 20.7} {
		local := base.Add(time.Duration(i) * time.Hour)
		recs = append(recs, models.Record{
			UTC:         local.UTC(),
			Local:       local,
			Temperature: 10 + float64(i),
			Frequency:   5,
			Counts:      150000,
			Brightness:  msas,
		})
	}
	return recs
}

func writeDataFile(t *testing.T, recs []models.Record) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("# Light Pollution Monitoring Data Format 1.0\n# END OF HEADER\n\n")
	for _, r := range recs {
		sb.WriteString(r.Line() + "\n")
	}
	path := filepath.Join(t.TempDir(), "20240901_120000_SQM-LE-VINJE.dat")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadDataFileRoundTrip(t *testing.T) {
	recs := nightRecords()
	got, err := ReadDataFile(writeDataFile(t, recs), utc2)
	if err != nil {
		t.Fatalf("ReadDataFile: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("expected %d records, got %d", len(recs), len(got))
	}
	for i := range recs {
		if !got[i].UTC.Equal(recs[i].UTC) || !got[i].Local.Equal(recs[i].Local) {
			t.Fatalf("record %d: time mismatch %s vs %s", i, got[i].UTC, recs[i].UTC)
		}
		if got[i].Brightness != recs[i].Brightness || got[i].Temperature != recs[i].Temperature {
			t.Fatalf("record %d: %+v vs %+v", i, got[i], recs[i])
		}
	}
}

func TestReadDataFileReportsBadRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dat")
	if err := os.WriteFile(path, []byte("# header\nnot;a;row\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadDataFile(path, utc2); err == nil || !strings.Contains(err.Error(), "bad.dat:2") {
		t.Fatalf("expected an error naming line 2, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(nightRecords())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Records != 5 {
		t.Fatalf("expected 5 records, got %d", s.Records)
	}
	if math.Abs(s.MeanBrightness-20.7) > 1e-9 {
		t.Fatalf("unexpected mean %v", s.MeanBrightness)
	}
	if s.MedianBrightness != 20.7 || s.MaxBrightness != 21.3 || s.MinBrightness != 20.1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if math.Abs(s.MeanTemperature-12) > 1e-9 {
		t.Fatalf("unexpected mean temperature %v", s.MeanTemperature)
	}
	if !s.Night.Equal(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected night %s", s.Night)
	}
	if s.End.Sub(s.Start) != 4*time.Hour {
		t.Fatalf("unexpected span %s..%s", s.Start, s.End)
	}

	if _, err := Summarize(nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestAppendSummaryWritesHeaderOnce(t *testing.T) {
	path := SummaryPath(t.TempDir(), "SQM-LE-VINJE")
	s, _ := Summarize(nightRecords())
	for i := 0; i < 2; i++ {
		if err := AppendSummary(path, s); err != nil {
			t.Fatalf("AppendSummary: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || lines[0] != summaryHeader {
		t.Fatalf("unexpected summary file:\n%s", data)
	}
	if !strings.HasPrefix(lines[1], "2024-09-01;5;") {
		t.Fatalf("unexpected summary row %q", lines[1])
	}
}

func TestNightHourWrapsPastMidnight(t *testing.T) {
	r := models.Record{Local: time.Date(2024, 9, 2, 1, 15, 0, 0, utc2)}
	if h := nightHour(r); h != 25.25 {
		t.Fatalf("expected 25.25, got %v", h)
	}
}

func TestHourRangeMatchesNightHour(t *testing.T) {
	tests := []struct {
		limits   [2]float64
		min, max float64
	}{
		{[2]float64{17, 9}, 17, 33},
		{[2]float64{19, 0}, 19, 24},
		{[2]float64{1, 6}, 25, 30},
		{[2]float64{22, 23}, 22, 23},
	}
	for _, tc := range tests {
		min, max := hourRange(tc.limits)
		if min != tc.min || max != tc.max {
			t.Fatalf("hourRange(%v) = %v..%v, want %v..%v", tc.limits, min, max, tc.min, tc.max)
		}
	}

	// A point at 03:00 falls inside a [1, 6] window.
	r := models.Record{Local: time.Date(2024, 9, 2, 3, 0, 0, 0, utc2)}
	min, max := hourRange([2]float64{1, 6})
	if h := nightHour(r); h < min || h > max {
		t.Fatalf("nightHour %v outside %v..%v", h, min, max)
	}
}

func TestRenderWritesPNG(t *testing.T) {
	cfg := &config.Config{
		ObservatoryName: "VINJE",
		DeviceID:        "SQM-LE-VINJE",
		LimitsNSB:       []float64{18, 22},
		LimitsTime:      []float64{19, 6},
		LimitsSunAlt:    []float64{-80, 5},
	}
	obs := ephem.Observer{Latitude: 46.1075, Longitude: 14.668, Elevation: 290, Horizon: -10}

	for _, full := range []bool{false, true} {
		cfg.FullPlot = full
		path := filepath.Join(t.TempDir(), "graph.png")
		if err := NewPlotter(cfg, obs).Render(path, nightRecords()); err != nil {
			t.Fatalf("Render(full=%v): %v", full, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) < 8 || string(data[1:4]) != "PNG" {
			t.Fatalf("Render(full=%v) did not write a PNG", full)
		}
	}

	if err := NewPlotter(cfg, obs).Render(filepath.Join(t.TempDir(), "x.png"), nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}
