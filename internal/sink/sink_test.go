package sink

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
)

var utc2 = time.FixedZone("UTC+2", 2*3600)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ObservatoryName:       "VINJE",
		ObservatoryLatitude:   46.1075,
		ObservatoryLongitude:  14.66805556,
		ObservatoryAltitude:   290,
		DeviceType:            config.DeviceSQMLE,
		DeviceID:              "SQM-LE-VINJE",
		DataSupplier:          "Jaka Cikac",
		LocalTimezone:         2,
		OffsetCalibration:     -0.11,
		MonthlyDataDirectory:  dir,
		DailyDataDirectory:    filepath.Join(dir, "daily_data"),
		DailyGraphDirectory:   filepath.Join(dir, "daily_graphs"),
		CurrentDataDirectory:  dir,
		CurrentGraphDirectory: dir,
		SummaryDataDirectory:  dir,
		MySQLDBTable:          "measurements",
		DatacenterToken:       "station-token",
		S3Bucket:              "sqm-archive",
		S3Prefix:              "raw",
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// record builds a record stamped at the given local wall time in UTC+2.
func record(local time.Time, msas float64) models.Record {
	return models.Record{
		UTC:         local.UTC(),
		Local:       local,
		Temperature: 12.5,
		Frequency:   5.25,
		Counts:      151517,
		Brightness:  msas,
		Samples:     5,
	}
}

type blockingSink struct{}

func (blockingSink) Name() string { return "blocking" }

func (blockingSink) Send(ctx context.Context, _ Batch) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingSink struct{ err error }

func (f failingSink) Name() string                      { return "failing" }
func (f failingSink) Send(context.Context, Batch) error { return f.err }

func TestCallBoundsSlowSink(t *testing.T) {
	start := time.Now()
	err := Call(context.Background(), blockingSink{}, Batch{Signal: Flush}, 20*time.Millisecond)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Call did not honour the timeout")
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if se.Sink != "blocking" || se.Signal != Flush {
		t.Fatalf("unexpected error fields %+v", se)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded in chain, got %v", err)
	}
}

func TestCallKeepsPartialWrite(t *testing.T) {
	err := Call(context.Background(), failingSink{err: &PartialWriteError{Written: 3, Err: errors.New("disk full")}}, Batch{}, time.Second)
	var pw *PartialWriteError
	if !errors.As(err, &pw) || pw.Written != 3 {
		t.Fatalf("expected PartialWriteError{3} through *Error, got %v", err)
	}
	if err := Call(context.Background(), failingSink{}, Batch{}, time.Second); err != nil {
		t.Fatalf("expected nil for a successful sink, got %v", err)
	}
}

func TestRunBoundedReturnsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	err := runBounded(ctx, func() error { <-release; return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
