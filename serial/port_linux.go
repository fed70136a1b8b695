package serial

import (
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

// Termios mirrors struct termios from <asm-generic/termbits.h> on Linux.
type Termios struct {
	Iflag IFlag    /* input mode flags */
	Oflag OFlag    /* output mode flags */
	Cflag CFlag    /* control mode flags */
	Lflag LFlag    /* local mode flags */
	Line  byte     /* line discipline */
	Cc    [19]byte /* control characters */
}

type IFlag uint32

const (
	IGNBRK = IFlag(0000001)
	BRKINT = IFlag(0000002)
	PARMRK = IFlag(0000010)
	ISTRIP = IFlag(0000040)
	INLCR  = IFlag(0000100)
	IGNCR  = IFlag(0000200)
	ICRNL  = IFlag(0000400)
	IXON   = IFlag(0002000)
)

type OFlag uint32

const (
	OPOST = OFlag(0000001)
)

type CFlag uint32

const (
	// CBAUD is the baud-speed mask (4+1 bits), not in POSIX.
	CBAUD  = CFlag(0010017)
	B9600  = CFlag(0000015)
	B19200 = CFlag(0000016)
	B38400 = CFlag(0000017)

	CSIZE = CFlag(0000060)
	CS8   = CFlag(0000060)

	CSTOPB = CFlag(0000100)
	CREAD  = CFlag(0000200)
	PARENB = CFlag(0000400)
	HUPCL  = CFlag(0002000)
	CLOCAL = CFlag(0004000)
)

type LFlag uint32

const (
	ISIG   = LFlag(0000001)
	ICANON = LFlag(0000002)
	ECHO   = LFlag(0000010)
	ECHONL = LFlag(0000100)
	IEXTEN = LFlag(0100000)
)

// RS485Flag are the bits of the kernel's struct serial_rs485 flags field.
type RS485Flag uint32

const (
	// RS485Enabled turns on kernel-assisted RS-485 RTS framing for the port.
	RS485Enabled = RS485Flag(1 << 0)
	// RS485RTSOnSend is the logical level for RTS while transmitting.
	RS485RTSOnSend = RS485Flag(1 << 1)
	// RS485RTSAfterSend is the logical level for RTS once transmission ends.
	RS485RTSAfterSend = RS485Flag(1 << 2)
)

// RS485 mirrors struct serial_rs485 from <linux/serial.h>.
type RS485 struct {
	Flags              RS485Flag
	DelayRTSBeforeSend uint32
	DelayRTSAfterSend  uint32
	padding            [5]uint32
}

type Queue uint32

const (
	TCIFLUSH = Queue(iota)
	TCOFLUSH
	TCIOFLUSH
)

type Action int

const (
	TCSANOW = Action(iota)
	TCSADRAIN
	TCSAFLUSH
)

type Options struct {
	ReadTimeout time.Duration
	OpenMode    int
}

func NewOptions() *Options {
	return &Options{ReadTimeout: -1, OpenMode: syscall.O_RDWR | syscall.O_NOCTTY}
}

func (o *Options) SetReadTimeout(timeout time.Duration) *Options {
	o.ReadTimeout = timeout
	return o
}

// Port is a raw, termios-configurable handle to a serial device node. It is
// the bottom of the layer stack: it knows nothing about frames, only bytes.
type Port struct {
	options *Options
	closed  atomic.Bool
	f       int
}

// OpenPort opens the raw device node without configuring termios; callers
// that need a ready-to-use line should go through Open (driver.go) instead.
func OpenPort(name string, opts *Options) (*Port, error) {
	if opts == nil {
		opts = NewOptions()
	}
	fd, err := syscall.Open(name, opts.OpenMode, 0)
	if err != nil {
		return nil, wrapErr("open "+name, err)
	}
	return &Port{options: opts, f: fd}, nil
}

func (p *Port) Write(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err = syscall.Write(p.f, data)
	return n, wrapErr("write", err)
}

func (p *Port) readTimeout(data []byte, timeout time.Duration) (int, error) {
	if err := poll.WaitInput(p.f, timeout); err != nil {
		return 0, wrapErr("poll", err)
	}
	n, err := syscall.Read(p.f, data)
	return n, wrapErr("read", err)
}

func (p *Port) Read(data []byte) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.options.ReadTimeout > -1 {
		return p.readTimeout(data, p.options.ReadTimeout)
	}
	return p.readTimeout(data, -1)
}

func (p *Port) ReadTimeout(data []byte, timeout time.Duration) (n int, err error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.readTimeout(data, timeout)
}

func (p *Port) Close() error {
	if !p.closed.Swap(true) {
		fd := p.f
		p.f = -1
		return wrapErr("close", syscall.Close(fd))
	}
	return ErrClosed
}

func (p *Port) GetAttr() (*Termios, error) {
	attrs := &Termios{}
	if err := ioctl.Ioctl(uintptr(p.f), tcgets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, wrapErr("tcgets", err)
	}
	return attrs, nil
}

func (p *Port) SetAttr(when Action, attrs *Termios) error {
	return wrapErr("tcsets", ioctl.Ioctl(uintptr(p.f), tcsets+uintptr(when), uintptr(unsafe.Pointer(attrs))))
}

// GetRS485 returns the kernel's current RS-485 RTS-framing configuration.
func (p *Port) GetRS485() (*RS485, error) {
	cfg := &RS485{}
	if err := ioctl.Ioctl(uintptr(p.f), tiocgrs485, uintptr(unsafe.Pointer(cfg))); err != nil {
		return nil, wrapErr("tiocgrs485", err)
	}
	return cfg, nil
}

// SetRS485 asks the kernel driver to toggle RTS around each transmission,
// so the host never has to race RTS against the last byte leaving the UART.
func (p *Port) SetRS485(cfg *RS485) error {
	return wrapErr("tiocsrs485", ioctl.Ioctl(uintptr(p.f), tiocsrs485, uintptr(unsafe.Pointer(cfg))))
}

// MakeRaw clears every flag that would make the line discipline interpret
// or transform bytes; the wire protocol needs every byte untouched.
func (attrs *Termios) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
}

func (attrs *Termios) SetSpeed(speed CFlag) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= speed
}

// Flush discards data written but not yet transmitted, or data received but
// not yet read, per queue.
func (p *Port) Flush(queue Queue) error {
	return wrapErr("tcflsh", ioctl.Ioctl(uintptr(p.f), tcflsh, uintptr(queue)))
}

// Pending returns the number of bytes queued in the kernel's input buffer.
func (p *Port) Pending() (int, error) {
	var n int32
	if err := ioctl.Ioctl(uintptr(p.f), tiocinq, uintptr(unsafe.Pointer(&n))); err != nil {
		return 0, wrapErr("tiocinq", err)
	}
	return int(n), nil
}

// PendingOut returns the number of bytes queued in the kernel's output
// buffer, still waiting to be drained onto the wire.
func (p *Port) PendingOut() (int, error) {
	var n int32
	if err := ioctl.Ioctl(uintptr(p.f), tiocoutq, uintptr(unsafe.Pointer(&n))); err != nil {
		return 0, wrapErr("tiocoutq", err)
	}
	return int(n), nil
}
