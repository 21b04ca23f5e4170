package sink

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
)

// File appends records to the daily, monthly and current data files. Files
// are opened for append and closed on every write, so a crash never leaves a
// handle open and a restart continues the same files.
//
// The daily file is the durable copy: its failure is reported as a
// *PartialWriteError. Monthly and current copies are only logged on failure.
type File struct {
	dailyDir   string
	monthlyDir string
	currentDir string
	deviceID   string
	header     []string
	logger     *log.Logger
}

// NewFile creates the file sink for cfg's directories.
func NewFile(cfg *config.Config, h Header, logger *log.Logger) *File {
	if logger == nil {
		logger = log.New(log.Writer(), "[sink:file] ", log.LstdFlags)
	}
	return &File{
		dailyDir:   cfg.DailyDataDirectory,
		monthlyDir: cfg.MonthlyDataDirectory,
		currentDir: cfg.CurrentDataDirectory,
		deviceID:   cfg.DeviceID,
		header:     h.Lines(),
		logger:     logger,
	}
}

func (f *File) Name() string { return "file" }

// DailyPath is the data file of one night: YYYYMMDD_120000_<device_id>.dat.
func (f *File) DailyPath(night time.Time) string {
	return filepath.Join(f.dailyDir, DailyStem(night, f.deviceID)+".dat")
}

// MonthlyPath collects every night of a month: YYYYMM_<device_id>.dat.
func (f *File) MonthlyPath(night time.Time) string {
	return filepath.Join(f.monthlyDir, fmt.Sprintf("%s_%s.dat", night.Format("200601"), f.deviceID))
}

// CurrentPath holds the night in progress and is truncated at each NewFile.
func (f *File) CurrentPath() string {
	return filepath.Join(f.currentDir, f.deviceID+".dat")
}

// DailyStem is the file name shared by a night's data file and graph.
func DailyStem(night time.Time, deviceID string) string {
	return night.Format("20060102") + "_120000_" + deviceID
}

func (f *File) Send(ctx context.Context, b Batch) error {
	switch b.Signal {
	case SignalNewFile:
		return f.startNight()
	case Records:
		return f.writeRecords(ctx, b.Records)
	default:
		return nil
	}
}

// startNight truncates the current file and writes its header.
func (f *File) startNight() error {
	if err := os.WriteFile(f.CurrentPath(), []byte(strings.Join(f.header, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("resetting current file: %w", err)
	}
	return nil
}

// writeRecords writes records in order. A record counts as written once its
// daily line is on disk.
func (f *File) writeRecords(ctx context.Context, records []models.Record) error {
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return &PartialWriteError{Written: i, Err: err}
		}
		night := models.NightOf(rec.Local)
		line := rec.Line()

		if err := f.appendLine(f.DailyPath(night), line); err != nil {
			return &PartialWriteError{Written: i, Err: err}
		}
		if err := f.appendLine(f.MonthlyPath(night), line); err != nil {
			f.logger.Printf("monthly file: %v", err)
		}
		if err := f.appendLine(f.CurrentPath(), line); err != nil {
			f.logger.Printf("current file: %v", err)
		}
	}
	return nil
}

// appendLine adds one row to path, writing the header first if the file is new or empty.
func (f *File) appendLine(path, line string) (err error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := fh.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	info, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	var buf strings.Builder
	if info.Size() == 0 {
		for _, h := range f.header {
			buf.WriteString(h)
			buf.WriteByte('\n')
		}
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
	if _, err := fh.WriteString(buf.String()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
