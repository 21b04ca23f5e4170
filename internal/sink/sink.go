// Package sink holds the destinations averaged records are delivered to.
// The local file sink is the durable one; database, datacenter, email and
// archive sinks are best-effort and their failures never stop acquisition.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vesaa/opensqm/internal/metrics"
	"github.com/vesaa/opensqm/internal/models"
)

// Signal tells a sink what a Batch carries.
type Signal int

const (
	// Records delivers averaged records.
	Records Signal = iota
	// SignalNewFile marks the first cycle of a night.
	SignalNewFile
	// Flush asks a sink to push anything it still buffers.
	Flush
	// EndOfNight follows the night's last flush, once its summary and graph exist.
	EndOfNight
)

func (s Signal) String() string {
	switch s {
	case Records:
		return "records"
	case SignalNewFile:
		return "newfile"
	case Flush:
		return "flush"
	case EndOfNight:
		return "endofnight"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Batch is the unit handed to a sink. Night is the date the batch is filed
// under (see models.NightOf); Records is only set for the Records signal and
// Summary only for EndOfNight.
type Batch struct {
	Signal  Signal
	Night   time.Time
	Records []models.Record
	Summary *models.NightSummary
}

// Sink is a record destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, b Batch) error
}

// Error reports a failed sink call. It is never fatal to the loop.
type Error struct {
	Sink   string
	Signal Signal
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s (%s): %v", e.Sink, e.Signal, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PartialWriteError is returned by the file sink when only the first Written
// records of a batch reached disk.
type PartialWriteError struct {
	Written int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("wrote %d records before failing: %v", e.Written, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Call delivers b to s within timeout, records the outcome in metrics and
// wraps any failure in *Error.
func Call(ctx context.Context, s Sink, b Batch, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.Send(ctx, b)
	metrics.ObserveSink(s.Name(), time.Since(start), err)
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Sink: s.Name(), Signal: b.Signal, Err: err}
}

// runBounded runs fn in its own goroutine for clients that take no context.
// fn keeps running after ctx is done; its result is then discarded.
func runBounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
