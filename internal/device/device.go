// Package device talks to Unihedron sky-quality meters. A Photometer speaks
// the SQM command protocol over any Transport; SQM-LE and SQM-LU differ only
// in the transport chosen at startup.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/models"
)

// Device is the capability set the acquisition loop needs from a photometer.
type Device interface {
	Open(ctx context.Context) error
	ReadClock(ctx context.Context) (time.Time, error)
	ReadMeasurement(ctx context.Context, n int, pause time.Duration) ([]models.Reading, error)
	Identify(ctx context.Context) (Identity, error)
	Reset(ctx context.Context) error
	Close() error
}

// ResetPolicy bounds reconnection: MaxAttempts dials with exponential
// backoff from Initial up to Max between them.
type ResetPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Options configures a Photometer. Zero values get sensible defaults.
type Options struct {
	Timeout   time.Duration // per-response read timeout
	LocalZone *time.Location
	Reset     ResetPolicy
	Clock     func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	Logger    *log.Logger
}

// Photometer implements Device over a Transport.
type Photometer struct {
	transport Transport
	conn      Conn
	pending   []byte

	timeout time.Duration
	zone    *time.Location
	policy  ResetPolicy
	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *log.Logger
}

// New creates a Photometer; no connection is made until Open.
func New(t Transport, opts Options) *Photometer {
	p := &Photometer{
		transport: t,
		timeout:   opts.Timeout,
		zone:      opts.LocalZone,
		policy:    opts.Reset,
		clock:     opts.Clock,
		sleep:     opts.Sleep,
		logger:    opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if p.zone == nil {
		p.zone = time.UTC
	}
	if p.policy.MaxAttempts <= 0 {
		p.policy.MaxAttempts = 5
	}
	if p.policy.Initial <= 0 {
		p.policy.Initial = time.Second
	}
	if p.policy.Max < p.policy.Initial {
		p.policy.Max = p.policy.Initial
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.logger == nil {
		p.logger = log.New(log.Writer(), "[device] ", log.LstdFlags)
	}
	return p
}

// FromConfig selects the transport for cfg.DeviceType.
func FromConfig(cfg *config.Config, logger *log.Logger) (*Photometer, error) {
	var t Transport
	switch cfg.DeviceType {
	case config.DeviceSQMLE:
		t = NetworkTransport{
			Addr:        cfg.DeviceAddr,
			Port:        cfg.DevicePort,
			DialTimeout: time.Duration(cfg.DeviceTimeout) * time.Second,
		}
	case config.DeviceSQMLU:
		t = SerialTransport{Port: cfg.DeviceAddr, BaudRate: cfg.DeviceBaudRate}
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.DeviceType)
	}
	return New(t, Options{
		Timeout:   time.Duration(cfg.DeviceTimeout) * time.Second,
		LocalZone: cfg.LocalZone(),
		Reset: ResetPolicy{
			MaxAttempts: cfg.DeviceResetAttempts,
			Initial:     time.Duration(cfg.DeviceResetBackoff) * time.Second,
			Max:         time.Duration(cfg.DeviceResetMax) * time.Second,
		},
		Logger: logger,
	}), nil
}

// String names the transport, e.g. "tcp://192.168.4.18:10001".
func (p *Photometer) String() string { return p.transport.String() }

// Open connects to the unit if not already connected.
func (p *Photometer) Open(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	c, err := p.transport.Dial(ctx)
	if err != nil {
		return newError("dial", ErrUnreachable, err)
	}
	p.conn = c
	p.pending = p.pending[:0]
	return nil
}

// ReadClock returns the current UTC time. SQM units have no real-time clock,
// so readings are stamped with the host clock.
func (p *Photometer) ReadClock(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return p.clock().UTC(), nil
}

// ReadMeasurement takes n readings, pausing between consecutive ones.
func (p *Photometer) ReadMeasurement(ctx context.Context, n int, pause time.Duration) ([]models.Reading, error) {
	if err := p.Open(ctx); err != nil {
		return nil, err
	}

	readings := make([]models.Reading, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && pause > 0 {
			if err := p.sleep(ctx, pause); err != nil {
				return nil, err
			}
		}
		line, err := p.exchange(ctx, cmdReading)
		if err != nil {
			return nil, err
		}
		s, err := ParseSample(line)
		if err != nil {
			return nil, newError(cmdReading, ErrProtocol, err)
		}
		utc := p.clock().UTC()
		readings = append(readings, models.Reading{
			UTC:         utc,
			Local:       utc.In(p.zone),
			Temperature: s.Temperature,
			Frequency:   s.Frequency,
			Counts:      s.Counts,
			Period:      s.Period,
			Brightness:  s.Brightness,
		})
	}
	return readings, nil
}

// Identify queries the unit's protocol, model, feature and serial numbers.
func (p *Photometer) Identify(ctx context.Context) (Identity, error) {
	if err := p.Open(ctx); err != nil {
		return Identity{}, err
	}
	line, err := p.exchange(ctx, cmdIdentity)
	if err != nil {
		return Identity{}, err
	}
	id, err := ParseIdentity(line)
	if err != nil {
		return Identity{}, newError(cmdIdentity, ErrProtocol, err)
	}
	return id, nil
}

// Reset drops the connection and redials with exponential backoff. It fails
// with ErrUnreachable once the policy's attempts are exhausted.
func (p *Photometer) Reset(ctx context.Context) error {
	_ = p.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.Initial
	b.MaxInterval = p.policy.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		err := p.Open(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Printf("reconnected to %s after %d attempts", p.transport, attempt)
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.policy.MaxAttempts {
			break
		}
		wait := b.NextBackOff()
		p.logger.Printf("reconnect %d/%d to %s failed: %v (retry in %s)", attempt, p.policy.MaxAttempts, p.transport, lastErr, wait)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return newError("reset", ErrUnreachable, fmt.Errorf("%d attempts: %w", p.policy.MaxAttempts, lastErr))
}

// Close releases the connection. It is safe to call on a closed Photometer.
func (p *Photometer) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.pending = p.pending[:0]
	return err
}

// exchange sends cmd and returns the next response line. Any transport
// failure drops the connection so that the next call redials.
func (p *Photometer) exchange(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.conn.Discard(); err != nil {
		_ = p.Close()
		return "", newError(cmd, ErrTimeout, err)
	}
	p.pending = p.pending[:0]
	if err := p.conn.SetReadTimeout(p.timeout); err != nil {
		_ = p.Close()
		return "", newError(cmd, ErrTimeout, err)
	}
	if _, err := p.conn.Write([]byte(cmd)); err != nil {
		_ = p.Close()
		return "", newError(cmd, ErrTimeout, err)
	}
	line, err := p.readLine()
	if err != nil {
		_ = p.Close()
		return "", newError(cmd, ErrTimeout, err)
	}
	return line, nil
}

// readLine reads up to the next '\n' within the read timeout.
func (p *Photometer) readLine() (string, error) {
	deadline := time.Now().Add(p.timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := string(p.pending[:i+1])
			p.pending = append(p.pending[:0], p.pending[i+1:]...)
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", errors.New("no complete response before deadline")
		}
		n, err := p.conn.Read(buf)
		p.pending = append(p.pending, buf[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", fmt.Errorf("read: %w", err)
			}
			if bytes.IndexByte(p.pending, '\n') >= 0 {
				continue
			}
			return "", fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return "", errors.New("read timed out")
		}
	}
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
