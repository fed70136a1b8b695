package serial

import (
	"errors"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// pipePort is a transport backed by a pair of OS pipes, standing in for a
// termios device node. GetAttr/SetAttr/SetRS485 are no-ops: a pipe has no
// line discipline to configure.
type pipePort struct {
	r      *os.File
	w      *os.File
	closed atomic.Bool
}

func (p *pipePort) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.w.Write(data)
}

func (p *pipePort) ReadTimeout(data []byte, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if timeout >= 0 {
		p.r.SetReadDeadline(time.Now().Add(timeout))
	} else {
		p.r.SetReadDeadline(time.Time{})
	}
	n, err := p.r.Read(data)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

func (p *pipePort) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	p.r.Close()
	return p.w.Close()
}

func (p *pipePort) Flush(Queue) error { return nil }

// Pending reports bytes queued for read via FIONREAD, which shares its
// ioctl number with TIOCINQ on Linux.
func (p *pipePort) Pending() (int, error) {
	var n int32
	if err := ioctl.Ioctl(p.r.Fd(), tiocinq, uintptr(unsafe.Pointer(&n))); err != nil {
		return 0, wrapErr("tiocinq", err)
	}
	return int(n), nil
}

func (p *pipePort) PendingOut() (int, error) { return 0, nil }

func (p *pipePort) GetAttr() (*Termios, error)     { return &Termios{}, nil }
func (p *pipePort) SetAttr(Action, *Termios) error { return nil }
func (p *pipePort) SetRS485(*RS485) error          { return nil }

// OpenLoopback returns two Drivers wired back to back over OS pipes: writes
// on a arrive as reads on b and vice versa, so the protocol, transceiver,
// and console layers can be exercised end to end without a real serial
// device node.
func OpenLoopback(cfgA, cfgB *Config) (a, b *Driver, err error) {
	aToB, err := newPipe()
	if err != nil {
		return nil, nil, err
	}
	bToA, err := newPipe()
	if err != nil {
		return nil, nil, err
	}
	a = &Driver{cfg: cfgA, port: &pipePort{r: bToA.r, w: aToB.w}}
	b = &Driver{cfg: cfgB, port: &pipePort{r: aToB.r, w: bToA.w}}
	return a, b, nil
}

type pipeEnds struct {
	r, w *os.File
}

func newPipe() (pipeEnds, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return pipeEnds{}, err
	}
	return pipeEnds{r: r, w: w}, nil
}
