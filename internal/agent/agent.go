// Package agent implements the OpenSQM acquisition loop. It polls the
// photometer during the night, averages and caches records, flushes them to
// the data files and the optional sinks, and closes each night with a
// summary, a graph and the end-of-night notifications.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/device"
	"github.com/vesaa/opensqm/internal/ephem"
	"github.com/vesaa/opensqm/internal/metrics"
	"github.com/vesaa/opensqm/internal/models"
	"github.com/vesaa/opensqm/internal/plot"
	"github.com/vesaa/opensqm/internal/sink"
)

// DataFiles is the primary sink: the local data files.
type DataFiles interface {
	sink.Sink
	DailyPath(night time.Time) string
	CurrentPath() string
}

// Renderer draws a graph of records into a PNG file.
type Renderer interface {
	Render(path string, records []models.Record) error
}

// Options carries the collaborators of an Agent. Now and Sleep default to
// the wall clock.
type Options struct {
	Device    device.Device
	Observer  ephem.Observer
	Files     DataFiles
	Sinks     []sink.Sink // best-effort
	Renderer  Renderer
	Escalator Escalator
	Logger    *log.Logger
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Agent is the acquisition loop. It is not safe for concurrent use; Run owns it.
type Agent struct {
	cfg       *config.Config
	dev       device.Device
	observer  ephem.Observer
	files     DataFiles
	sinks     []sink.Sink
	renderer  Renderer
	escalator Escalator
	logger    *log.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	zone      *time.Location

	cache     Cache
	niter     int       // records taken since the night started
	nightOpen bool      // NewFile sent for the current night
	night     time.Time // date of the current night
	announced bool      // daytime message logged

	failures     int
	failingSince time.Time
	escalated    bool
	retry        *backoff.ExponentialBackOff
}

// New creates an Agent for cfg.
func New(cfg *config.Config, opts Options) *Agent {
	a := &Agent{
		cfg:       cfg,
		dev:       opts.Device,
		observer:  opts.Observer,
		files:     opts.Files,
		sinks:     opts.Sinks,
		renderer:  opts.Renderer,
		escalator: opts.Escalator,
		logger:    opts.Logger,
		now:       opts.Now,
		sleep:     opts.Sleep,
		zone:      cfg.LocalZone(),
	}
	if a.logger == nil {
		a.logger = log.New(log.Writer(), "[agent] ", log.LstdFlags)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}

	// Pause before each reset after a failed read: doubles from
	// device_reset_backoff up to device_reset_backoff_max, never shrinking
	// until a read succeeds.
	a.retry = backoff.NewExponentialBackOff()
	a.retry.InitialInterval = time.Duration(cfg.DeviceResetBackoff) * time.Second
	if a.retry.InitialInterval <= 0 {
		a.retry.InitialInterval = time.Second
	}
	a.retry.MaxInterval = time.Duration(cfg.DeviceResetMax) * time.Second
	if a.retry.MaxInterval < a.retry.InitialInterval {
		a.retry.MaxInterval = a.retry.InitialInterval
	}
	a.retry.Multiplier = 2
	a.retry.RandomizationFactor = 0
	a.retry.MaxElapsedTime = 0
	a.retry.Reset()
	return a
}

// Run polls until ctx is cancelled, then flushes the cache, closes the device
// and returns nil. It returns early with an error only for an unexpected
// failure or an outage longer than device_max_outage (wrapping
// device.ErrUnreachable).
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Printf("starting readings (%d samples per record, one record every %s)",
		a.cfg.MeasuresToPromediate, a.cfg.Delay())
	for {
		if ctx.Err() != nil {
			return a.shutdown(ctx)
		}
		if err := a.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return a.shutdown(ctx)
			}
			a.logger.Printf("stopping: %v", err)
			_ = a.shutdown(ctx)
			return err
		}
	}
}

func (a *Agent) cycle(ctx context.Context) error {
	now, err := a.dev.ReadClock(ctx)
	if err != nil {
		return err
	}
	night := a.observer.IsNighttime(now)
	metrics.SetNight(night)
	if night {
		return a.nightCycle(ctx, now)
	}
	return a.dayCycle(ctx, now)
}

// ─── Night ────────────────────────────────────────────────────────────────────

func (a *Agent) nightCycle(ctx context.Context, now time.Time) error {
	start := a.now()
	a.announced = false

	if !a.nightOpen {
		a.night = models.NightOf(now.In(a.zone))
		a.nightOpen = true
		a.logger.Printf("night %s started", a.night.Format("2006-01-02"))
		a.broadcast(ctx, sink.Batch{Signal: sink.SignalNewFile, Night: a.night}, true)
	}

	readings, err := a.dev.ReadMeasurement(ctx, a.cfg.MeasuresToPromediate, a.cfg.SamplePause())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.recoverDevice(ctx, err)
	}
	a.deviceRecovered()

	rec, err := Average(readings, a.cfg.OffsetCalibration)
	if err != nil {
		return err
	}
	a.niter++
	a.cache.Add(rec)
	metrics.Readings.Add(float64(len(readings)))
	metrics.Records.Inc()
	metrics.Brightness.Set(rec.Brightness)
	metrics.Temperature.Set(rec.Temperature)

	if a.cache.Len() >= a.cfg.CacheMeasures {
		a.flush(ctx)
	}
	metrics.CacheSize.Set(float64(a.cache.Len()))

	if a.niter%a.cfg.PlotEach == 0 {
		a.plotCurrent()
	}

	wait := a.cfg.Delay() - a.now().Sub(start)
	if wait < time.Second {
		wait = time.Second
	}
	return a.sleep(ctx, wait)
}

// recoverDevice handles a failed read: log, escalate if the outage has
// lasted _reboot_delay, back off, then reset. Device failures never end the
// loop unless the outage exceeds device_max_outage; an error that is not a
// device error at all does.
func (a *Agent) recoverDevice(ctx context.Context, cause error) error {
	var devErr *device.Error
	if !errors.As(cause, &devErr) {
		return fmt.Errorf("unexpected read failure: %w", cause)
	}

	a.failures++
	if a.failures == 1 {
		a.failingSince = a.now()
	}
	metrics.DeviceErrors.WithLabelValues(errorKind(devErr)).Inc()
	a.logger.Printf("connection lost (%d in a row): %v", a.failures, cause)

	if a.escalator != nil && !a.escalated &&
		a.now().Sub(a.failingSince) >= time.Duration(a.cfg.RebootDelay)*time.Second {
		a.escalated = true
		a.logger.Printf("escalating via %s", a.escalator)
		if err := a.escalator.Escalate(ctx); err != nil {
			a.logger.Printf("escalation failed: %v", err)
		}
	}

	if err := a.sleep(ctx, a.retry.NextBackOff()); err != nil {
		return err
	}
	metrics.DeviceResets.Inc()
	err := a.dev.Reset(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	var resetErr *device.Error
	if !errors.As(err, &resetErr) {
		return fmt.Errorf("unexpected reset failure: %w", err)
	}

	// An exhausted reset is retried on the next cycle with a longer pause;
	// only device_max_outage, when set, gives up.
	metrics.DeviceErrors.WithLabelValues(errorKind(resetErr)).Inc()
	outage := a.now().Sub(a.failingSince)
	if limit := time.Duration(a.cfg.DeviceMaxOutage) * time.Second; limit > 0 && outage >= limit {
		return fmt.Errorf("device down for %s: %w", outage.Round(time.Second), err)
	}
	a.logger.Printf("reset failed after %s of outage, retrying: %v", outage.Round(time.Second), err)
	return nil
}

func (a *Agent) deviceRecovered() {
	if a.failures > 0 {
		a.logger.Printf("device back after %d failed reads", a.failures)
	}
	a.failures = 0
	a.escalated = false
	a.retry.Reset()
}

func errorKind(e *device.Error) string {
	switch {
	case errors.Is(e, device.ErrTimeout):
		return "timeout"
	case errors.Is(e, device.ErrProtocol):
		return "protocol"
	case errors.Is(e, device.ErrUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}

// ─── Day ──────────────────────────────────────────────────────────────────────

func (a *Agent) dayCycle(ctx context.Context, now time.Time) error {
	if !a.announced {
		a.announced = true
		next, err := a.observer.NextSunset(now)
		switch {
		case errors.Is(err, ephem.ErrNoTransition):
			a.logger.Printf("%s. Daytime. No sunset within the search window", now.Format("2006-01-02 15:04:05"))
		case err != nil:
			return err
		default:
			a.logger.Printf("%s. Daytime. Waiting until %s", now.Format("2006-01-02 15:04:05"), next.In(a.zone).Format("2006-01-02 15:04:05"))
		}
	}

	if a.nightOpen {
		a.flush(ctx)
		metrics.CacheSize.Set(float64(a.cache.Len()))
	}
	// Every day cycle: best-effort sinks re-send whatever they still hold.
	a.broadcast(ctx, sink.Batch{Signal: sink.Flush, Night: a.night}, false)

	if a.nightOpen {
		if a.niter > 0 {
			a.endNight(ctx)
		}
		a.niter = 0
		a.nightOpen = false
	}
	return a.sleep(ctx, a.cfg.DaytimeSleep())
}

// endNight writes the summary and final graph from the night's data file and
// then tells the sinks the night is over.
func (a *Agent) endNight(ctx context.Context) {
	path := a.files.DailyPath(a.night)
	records, err := plot.ReadDataFile(path, a.zone)
	if err != nil {
		a.logger.Printf("reading %s: %v", path, err)
		return
	}
	summary, err := plot.Summarize(records)
	if err != nil {
		a.logger.Printf("summary of %s: %v", path, err)
		return
	}
	if err := plot.AppendSummary(plot.SummaryPath(a.cfg.SummaryDataDirectory, a.cfg.DeviceID), summary); err != nil {
		a.logger.Printf("writing summary: %v", err)
	}
	a.logger.Printf("night %s done: %d records, median %.2f mag/arcsec²",
		summary.Night.Format("2006-01-02"), summary.Records, summary.MedianBrightness)

	if a.renderer != nil {
		graph := filepath.Join(a.cfg.DailyGraphDirectory, sink.DailyStem(a.night, a.cfg.DeviceID)+".png")
		if err := a.renderer.Render(graph, records); err != nil {
			a.logger.Printf("warning: error plotting data: %v", err)
		}
	}
	a.broadcast(ctx, sink.Batch{Signal: sink.EndOfNight, Night: a.night, Summary: &summary}, false)
}

// ─── Sinks ────────────────────────────────────────────────────────────────────

// flush writes the cache to the data files and hands what reached disk to
// the best-effort sinks. Records the file sink did not write stay cached.
func (a *Agent) flush(ctx context.Context) {
	if a.cache.Len() == 0 {
		return
	}
	records := a.cache.Records()
	written := len(records)
	if err := sink.Call(ctx, a.files, sink.Batch{Signal: sink.Records, Night: a.night, Records: records}, a.cfg.SinkDeadline()); err != nil {
		written = 0
		var pw *sink.PartialWriteError
		if errors.As(err, &pw) {
			written = pw.Written
		}
		a.logger.Printf("%v (%d records kept for retry)", err, len(records)-written)
	}
	a.cache.Drop(written)
	if written == 0 {
		return
	}
	a.broadcast(ctx, sink.Batch{Signal: sink.Records, Night: a.night, Records: records[:written]}, false)
}

// broadcast sends b to the best-effort sinks, and to the data files first
// when withFiles is set. Failures are logged only.
func (a *Agent) broadcast(ctx context.Context, b sink.Batch, withFiles bool) {
	if withFiles {
		if err := sink.Call(ctx, a.files, b, a.cfg.SinkDeadline()); err != nil {
			a.logger.Printf("%v", err)
		}
	}
	for _, s := range a.sinks {
		if err := sink.Call(ctx, s, b, a.cfg.SinkDeadline()); err != nil {
			a.logger.Printf("%v", err)
		}
	}
}

func (a *Agent) plotCurrent() {
	if a.renderer == nil {
		return
	}
	records, err := plot.ReadDataFile(a.files.CurrentPath(), a.zone)
	if err == nil {
		err = a.renderer.Render(filepath.Join(a.cfg.CurrentGraphDirectory, a.cfg.DeviceID+".png"), records)
	}
	if err != nil {
		a.logger.Printf("warning: error plotting data: %v", err)
	}
}

// shutdown flushes what is cached and releases the device. Sink calls get a
// fresh deadline since ctx may already be cancelled.
func (a *Agent) shutdown(ctx context.Context) error {
	if a.cache.Len() > 0 {
		a.logger.Printf("flushing %d cached records", a.cache.Len())
		a.flush(context.WithoutCancel(ctx))
	}
	if err := a.dev.Close(); err != nil {
		a.logger.Printf("closing device: %v", err)
	}
	a.logger.Printf("stopped")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
