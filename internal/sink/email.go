package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vesaa/opensqm/internal/config"
	"gopkg.in/gomail.v2"
)

// Email mails the night's data file and graph once the night is over.
type Email struct {
	from     string
	to       []string
	deviceID string
	dailyDir string
	graphDir string
	station  string
	deliver  func(m *gomail.Message) error
}

// NewEmail creates the mailer for cfg's SMTP settings.
func NewEmail(cfg *config.Config) *Email {
	dialer := gomail.NewDialer(cfg.EmailSMTPHost, cfg.EmailSMTPPort, cfg.EmailUser, cfg.EmailPass)
	from := cfg.EmailFrom
	if from == "" {
		from = cfg.EmailUser
	}
	return &Email{
		from:     from,
		to:       cfg.EmailTo,
		deviceID: cfg.DeviceID,
		dailyDir: cfg.DailyDataDirectory,
		graphDir: cfg.DailyGraphDirectory,
		station:  cfg.ObservatoryName,
		deliver:  func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, b Batch) error {
	if b.Signal != EndOfNight {
		return nil
	}
	stem := DailyStem(b.Night, e.deviceID)

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", fmt.Sprintf("[opensqm] %s night %s", e.station, b.Night.Format("2006-01-02")))
	m.SetBody("text/plain", e.body(b))

	for _, path := range []string{
		filepath.Join(e.dailyDir, stem+".dat"),
		filepath.Join(e.graphDir, stem+".png"),
	} {
		if _, err := os.Stat(path); err == nil {
			m.Attach(path)
		}
	}

	// SMTP dialing takes no context.
	return runBounded(ctx, func() error { return e.deliver(m) })
}

func (e *Email) body(b Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sky brightness data for %s (%s), night of %s.\n\n",
		e.station, e.deviceID, b.Night.Format("2006-01-02"))
	if s := b.Summary; s != nil {
		fmt.Fprintf(&sb, "Records:           %d\n", s.Records)
		fmt.Fprintf(&sb, "First / last:      %s / %s UTC\n", s.Start.Format("15:04"), s.End.Format("15:04"))
		fmt.Fprintf(&sb, "Mean brightness:   %.2f mag/arcsec^2\n", s.MeanBrightness)
		fmt.Fprintf(&sb, "Median brightness: %.2f mag/arcsec^2\n", s.MedianBrightness)
		fmt.Fprintf(&sb, "Darkest / brightest: %.2f / %.2f mag/arcsec^2\n", s.MaxBrightness, s.MinBrightness)
		fmt.Fprintf(&sb, "Mean temperature:  %.1f C\n", s.MeanTemperature)
	}
	return sb.String()
}
