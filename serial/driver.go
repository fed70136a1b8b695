// Package serial is the bottom of the Smart3 host driver's layer stack: a
// blocking, timed byte-stream over a termios serial device. It has no
// notion of frames, messages, or the protocol above it.
package serial

import (
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Baud is one of the three speeds the register family supports.
type Baud int

const (
	Baud9600  Baud = 9600
	Baud19200 Baud = 19200
	Baud38400 Baud = 38400
)

func (b Baud) cflag() (CFlag, error) {
	switch b {
	case Baud9600:
		return B9600, nil
	case Baud19200:
		return B19200, nil
	case Baud38400:
		return B38400, nil
	default:
		return 0, fmt.Errorf("serial: unsupported baud %d", b)
	}
}

// PhysicalLayer selects RS-232 (point-to-point) or RS-485 (multidrop,
// addressed, half-duplex) wiring.
type PhysicalLayer int

const (
	RS232 PhysicalLayer = iota
	RS485
)

// Config bundles everything needed to open and configure a Driver. Build one
// with NewConfig and functional Options, following the teacher's
// Options/SetReadTimeout pattern generalized to the full set of knobs this
// driver needs.
type Config struct {
	Device       string
	Baud         Baud
	Physical     PhysicalLayer
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

type Option func(*Config)

func WithBaud(b Baud) Option                       { return func(c *Config) { c.Baud = b } }
func WithPhysicalLayer(p PhysicalLayer) Option      { return func(c *Config) { c.Physical = p } }
func WithReadTimeout(d time.Duration) Option        { return func(c *Config) { c.ReadTimeout = d } }
func WithWriteTimeout(d time.Duration) Option       { return func(c *Config) { c.WriteTimeout = d } }
func WithLogger(l zerolog.Logger) Option            { return func(c *Config) { c.Logger = l } }

// NewConfig returns a Config with the protocol's defaults: 5s read/write
// timeout, RS-232, 9600 baud, logging disabled.
func NewConfig(device string, opts ...Option) *Config {
	c := &Config{
		Device:       device,
		Baud:         Baud9600,
		Physical:     RS232,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FrameFeeder is the narrow interface the protocol layer's packet framers
// satisfy. Driver depends only on this interface, never on the protocol
// package itself, so the dependency arrow stays pointed from protocol down
// to serial and never the other way.
type FrameFeeder interface {
	// Feed advances the framer's state machine by one byte. done is true
	// once a packet (successfully parsed or terminally invalid) is ready;
	// err, if non-nil once done is true, describes why framing failed.
	Feed(b byte) (done bool, err error)
}

// transport is the subset of *Port's method set Driver depends on. Driver
// holds this interface rather than *Port directly so tests can substitute an
// in-memory loopback (see loopback.go) for a real device node.
type transport interface {
	Write(data []byte) (int, error)
	ReadTimeout(data []byte, timeout time.Duration) (int, error)
	Close() error
	Flush(queue Queue) error
	Pending() (int, error)
	PendingOut() (int, error)
	GetAttr() (*Termios, error)
	SetAttr(when Action, attrs *Termios) error
	SetRS485(cfg *RS485) error
}

// Driver is the SerialPortDriver of spec §4.3: open/close, blocking timed
// send/receive, and buffer introspection, layered on top of Port.
type Driver struct {
	cfg  *Config
	port transport
}

// Open configures and opens the serial device described by cfg: 8 data
// bits, no parity, one stop bit, no flow control, receiver enabled, modem
// control lines ignored (CLOCAL) — and, for RS-485, kernel-assisted RTS
// framing via TIOCSRS485.
func Open(cfg *Config) (*Driver, error) {
	port, err := OpenPort(cfg.Device, NewOptions())
	if err != nil {
		return nil, err
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.Cflag |= CREAD | CLOCAL
	attrs.Cflag &^= CSTOPB | PARENB | HUPCL
	speed, err := cfg.Baud.cflag()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.SetSpeed(speed)
	if err := port.SetAttr(TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}
	if cfg.Physical == RS485 {
		if err := port.SetRS485(&RS485{Flags: RS485Enabled | RS485RTSOnSend}); err != nil {
			// Not every UART exposes kernel RS-485 assist; the host can
			// still drive the bus, it just loses RTS auto-toggling.
			cfg.Logger.Warn().Err(err).Msg("rs485 kernel framing unavailable")
		}
	}
	return &Driver{cfg: cfg, port: port}, nil
}

func (d *Driver) Close() error {
	return d.port.Close()
}

// Send transmits frame, honoring cfg.WriteTimeout as a soft deadline: writes
// are retried until the whole frame is flushed or the deadline passes.
func (d *Driver) Send(frame []byte) error {
	deadline := time.Now().Add(d.cfg.WriteTimeout)
	written := 0
	for written < len(frame) {
		n, err := d.port.Write(frame[written:])
		if err != nil {
			return err
		}
		written += n
		if written < len(frame) && time.Now().After(deadline) {
			return ErrTimeout
		}
	}
	d.cfg.Logger.Debug().Str("dir", "tx").Str("frame", hex.EncodeToString(frame)).Msg("> ")
	return nil
}

// ReadTimeout returns the configured default read deadline.
func (d *Driver) ReadTimeout() time.Duration { return d.cfg.ReadTimeout }

// Receive feeds bytes to feeder, one at a time, until it reports done or
// timeout elapses. It returns the raw bytes consumed (including any junk the
// framer discarded before locking onto a preamble) so the caller can log or
// re-synchronize.
func (d *Driver) Receive(feeder FrameFeeder, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var raw []byte
	buf := make([]byte, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return raw, ErrTimeout
		}
		n, err := d.port.ReadTimeout(buf, remaining)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return raw, err
		}
		if n == 0 {
			continue
		}
		raw = append(raw, buf[0])
		done, ferr := feeder.Feed(buf[0])
		if done {
			d.cfg.Logger.Debug().Str("dir", "rx").Str("frame", hex.EncodeToString(raw)).Msg("< ")
			return raw, ferr
		}
	}
}

// DiscardInBuffer drops any bytes the kernel has queued for reading.
func (d *Driver) DiscardInBuffer() error { return d.port.Flush(TCIFLUSH) }

// DiscardOutBuffer drops any bytes queued for transmission but not yet sent.
func (d *Driver) DiscardOutBuffer() error { return d.port.Flush(TCOFLUSH) }

// IsInBufferEmpty reports whether the kernel's receive queue is empty.
func (d *Driver) IsInBufferEmpty() (bool, error) {
	n, err := d.port.Pending()
	return n == 0, err
}

// IsOutBufferEmpty reports whether the kernel has finished draining writes.
func (d *Driver) IsOutBufferEmpty() (bool, error) {
	n, err := d.port.PendingOut()
	return n == 0, err
}
