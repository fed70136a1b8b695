// Package manager implements spec §4.7: the OperationManager, a
// process-wide serialised executor that owns the serial port for an entire
// session and funnels every operation through one dedicated worker thread.
package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daedaluz/smart3/console"
	"github.com/daedaluz/smart3/operations"
	"github.com/daedaluz/smart3/protocol"
	"github.com/daedaluz/smart3/serial"
	"github.com/daedaluz/smart3/transceiver"
)

// idleContinuationWindow is how long the worker waits on an empty queue
// before giving up and running Shutdown, so a caller enqueuing its next
// operation right after the previous one completes doesn't pay the cost of
// a full Startup/Shutdown cycle.
const idleContinuationWindow = 250 * time.Millisecond

// Operation is a unit of work the worker runs against a live
// operations.Session. Its return value is opaque to the manager; callers
// type-assert it back out of OperationResult.Value.
type Operation func(s *operations.Session) (any, error)

// OperationResult is what Enqueue's channel eventually delivers.
type OperationResult struct {
	Value any
	Err   error
}

type job struct {
	run    Operation
	result chan OperationResult
}

// Config bundles everything the worker needs to construct a session,
// following the teacher's Options/NewConfig pattern (serial.Config).
// OpenDriver defaults to serial.Open(serialCfg); tests substitute a closure
// built over serial.OpenLoopback so the worker never touches a real device
// node.
type Config struct {
	OpenDriver   func() (*serial.Driver, error)
	Physical     protocol.Physical
	RegisterAddr byte
	Logger       zerolog.Logger
}

type Option func(*Config)

func WithPhysical(p protocol.Physical) Option { return func(c *Config) { c.Physical = p } }
func WithRegisterAddr(addr byte) Option       { return func(c *Config) { c.RegisterAddr = addr } }
func WithLogger(l zerolog.Logger) Option      { return func(c *Config) { c.Logger = l } }
func WithDriverOpener(open func() (*serial.Driver, error)) Option {
	return func(c *Config) { c.OpenDriver = open }
}

func NewConfig(serialCfg *serial.Config, opts ...Option) *Config {
	c := &Config{
		OpenDriver:   func() (*serial.Driver, error) { return serial.Open(serialCfg) },
		Physical:     protocol.RS232,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manager is the OperationManager: a FIFO queue plus a single worker thread
// that owns the serial port while it is running.
type Manager struct {
	cfg *Config

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job
	running bool
}

func New(cfg *Config) *Manager {
	m := &Manager{cfg: cfg}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enqueue appends op to the FIFO, starting the worker if none is live, or
// waking the existing one if it is idling in its continuation window.
func (m *Manager) Enqueue(op Operation) <-chan OperationResult {
	result := make(chan OperationResult, 1)
	m.mu.Lock()
	m.queue = append(m.queue, &job{run: op, result: result})
	if !m.running {
		m.running = true
		go m.work()
	} else {
		m.cond.Signal()
	}
	m.mu.Unlock()
	return result
}

// waitForWork blocks until the queue is non-empty or timeout elapses,
// returning whether there is work to do. sync.Cond has no native timed
// wait, so an expiry flag flipped by a one-shot timer stands in for one.
func (m *Manager) waitForWork(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		return true
	}
	expired := false
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		expired = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	for len(m.queue) == 0 && !expired {
		m.cond.Wait()
	}
	return len(m.queue) > 0
}

func (m *Manager) dequeue() *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.queue[0]
	m.queue = m.queue[1:]
	return j
}

// abortAll drains the queue and fails every pending job with err, the
// error-propagation policy spec §4.7 describes for a failed operation.
func (m *Manager) abortAll(err error) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, j := range pending {
		j.result <- OperationResult{Err: err}
	}
}

func rewrapPacketValidation(err error) error {
	perr, ok := err.(*protocol.Error)
	if !ok || perr.Kind != protocol.KindPacketValidation {
		return err
	}
	return protocol.WrapError(protocol.KindProtocol, perr.Msg, perr)
}

// work is the worker lifecycle of spec §4.7: open the port, run Startup,
// process the queue until it drains and the continuation window expires,
// then always run Shutdown and close the port before exiting.
func (m *Manager) work() {
	driver, err := m.cfg.OpenDriver()
	if err != nil {
		m.abortAll(err)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return
	}
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	defer driver.Close()

	t := transceiver.New(driver, m.cfg.Physical, m.cfg.RegisterAddr, m.cfg.Logger)
	c := console.New(t, m.cfg.Logger)
	session := operations.NewSession(c, m.cfg.Logger)
	defer func() {
		if err := session.Shutdown(); err != nil {
			m.cfg.Logger.Error().Err(err).Msg("shutdown operation failed")
		}
	}()

	if err := session.Startup(); err != nil {
		m.abortAll(err)
		return
	}

	for m.waitForWork(idleContinuationWindow) {
		j := m.dequeue()
		value, err := j.run(session)
		if err != nil {
			err = rewrapPacketValidation(err)
			j.result <- OperationResult{Err: err}
			m.abortAll(err)
			return
		}
		j.result <- OperationResult{Value: value}
	}
}
