package sink

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vesaa/opensqm/internal/models"
	"gopkg.in/gomail.v2"
)

func TestEmailSendsAtEndOfNight(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmailFrom = "sqm@example.org"
	cfg.EmailTo = []string{"observer@example.org"}
	e := NewEmail(cfg)

	var sent []*gomail.Message
	e.deliver = func(m *gomail.Message) error { sent = append(sent, m); return nil }

	night := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	f := NewFile(cfg, HeaderFromConfig(cfg), quietLogger())
	rec := record(time.Date(2024, 9, 1, 23, 0, 0, 0, utc2), 20.1)
	if err := f.Send(context.Background(), Batch{Signal: Records, Records: []models.Record{rec}}); err != nil {
		t.Fatalf("writing data file: %v", err)
	}

	ctx := context.Background()
	if err := e.Send(ctx, Batch{Signal: Flush}); err != nil || len(sent) != 0 {
		t.Fatalf("Flush must not send mail (err=%v, sent=%d)", err, len(sent))
	}
	summary := &models.NightSummary{Night: night, Records: 1, MeanBrightness: 20.1}
	if err := e.Send(ctx, Batch{Signal: EndOfNight, Night: night, Summary: summary}); err != nil {
		t.Fatalf("EndOfNight: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	m := sent[0]
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "[opensqm] VINJE night 2024-09-01" {
		t.Fatalf("unexpected subject %v", got)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("rendering message: %v", err)
	}
	if !strings.Contains(buf.String(), "20240901_120000_SQM-LE-VINJE.dat") {
		t.Fatal("expected the daily data file to be attached")
	}
	if _, err := os.Stat(f.DailyPath(night)); err != nil {
		t.Fatalf("daily file missing: %v", err)
	}
}

func TestEmailIsBoundedByContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmailTo = []string{"observer@example.org"}
	e := NewEmail(cfg)
	release := make(chan struct{})
	defer close(release)
	e.deliver = func(*gomail.Message) error { <-release; return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Send(ctx, Batch{Signal: EndOfNight, Night: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
