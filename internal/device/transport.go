package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Conn is an open byte stream to a photometer.
//
// Read must return an error or (0, nil) once the read timeout elapses without data.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	// Discard drops unread input left over from a previous exchange.
	Discard() error
}

// Transport opens connections to a photometer. SQM-LE units are reached over
// TCP, SQM-LU units over a USB serial port; the command protocol is the same.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// ─── SQM-LE ──────────────────────────────────────────────────────────────────

// DefaultNetworkPort is the TCP port of the SQM-LE command interface.
const DefaultNetworkPort = 10001

// NetworkTransport dials an SQM-LE over TCP.
type NetworkTransport struct {
	Addr        string
	Port        int
	DialTimeout time.Duration
}

// Dial opens a TCP connection to the unit.
func (t NetworkTransport) Dial(ctx context.Context) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", t.address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.address(), err)
	}
	return &netConn{Conn: c}, nil
}

func (t NetworkTransport) String() string { return "tcp://" + t.address() }

func (t NetworkTransport) address() string {
	port := t.Port
	if port == 0 {
		port = DefaultNetworkPort
	}
	return net.JoinHostPort(t.Addr, strconv.Itoa(port))
}

type netConn struct {
	net.Conn
}

func (c *netConn) SetReadTimeout(d time.Duration) error {
	return c.Conn.SetDeadline(time.Now().Add(d))
}

func (c *netConn) Discard() error { return nil }

// ─── SQM-LU ──────────────────────────────────────────────────────────────────

// DefaultBaudRate is the SQM-LU serial speed (8N1).
const DefaultBaudRate = 115200

// SerialTransport opens an SQM-LU on a serial port such as /dev/ttyUSB0 or COM3.
type SerialTransport struct {
	Port     string
	BaudRate int
}

// Dial opens the serial port. The context is only checked before opening.
func (t SerialTransport) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := t.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Port, err)
	}
	return &serialConn{Port: port}, nil
}

func (t SerialTransport) String() string { return "serial://" + t.Port }

type serialConn struct {
	serial.Port
}

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	return c.Port.SetReadTimeout(d)
}

func (c *serialConn) Discard() error {
	return c.Port.ResetInputBuffer()
}
