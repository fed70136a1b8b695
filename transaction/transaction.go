// Package transaction implements spec §4.8: the multi-phase sale
// controller built entirely from operations.Session calls submitted
// through a manager.Manager's queue.
package transaction

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daedaluz/smart3/manager"
	"github.com/daedaluz/smart3/operations"
	"github.com/daedaluz/smart3/plu"
	"github.com/daedaluz/smart3/protocol"
)

// Status is one state of the Initialized -> Starting -> {Rejected |
// Waiting} -> Completing -> {Completed | Faulted} | Canceled lifecycle.
type Status int

const (
	StatusInitialized Status = iota
	StatusStarting
	StatusRejected
	StatusWaiting
	StatusCompleting
	StatusCompleted
	StatusFaulted
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "Initialized"
	case StatusStarting:
		return "Starting"
	case StatusRejected:
		return "Rejected"
	case StatusWaiting:
		return "Waiting"
	case StatusCompleting:
		return "Completing"
	case StatusCompleted:
		return "Completed"
	case StatusFaulted:
		return "Faulted"
	case StatusCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// SaleLine is one requested sale item, before the register has confirmed
// it still exists in the PLU table.
type SaleLine struct {
	Id       string
	Quantity int
}

const keepaliveInterval = 1000 * time.Millisecond

// activeMu/activeHeld guard the process-wide "one transaction at a time"
// slot spec §4.8 describes. It is package state rather than Transaction
// state because every other service entry point, not just Transaction
// itself, has to observe it.
var (
	activeMu   sync.Mutex
	activeHeld bool
)

func acquireSlot() error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if activeHeld {
		return protocol.NewError(protocol.KindTransactionOpen, "a transaction is already active")
	}
	activeHeld = true
	return nil
}

func releaseSlot() {
	activeMu.Lock()
	activeHeld = false
	activeMu.Unlock()
}

// Transaction is the sale controller of spec §4.8.
type Transaction struct {
	mgr *manager.Manager

	mu              sync.Mutex
	cond            *sync.Cond
	status          Status
	cancelRequested bool

	continued    []plu.Info
	original     []plu.Info
	discontinued []SaleLine

	keepaliveDone chan struct{}
	keepaliveErr  error
}

// New returns a Transaction in the Initialized state, submitting its
// sub-operations through mgr.
func New(mgr *manager.Manager) *Transaction {
	t := &Transaction{mgr: mgr, status: StatusInitialized}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) Continued() []plu.Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]plu.Info(nil), t.continued...)
}

func (t *Transaction) Discontinued() []SaleLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SaleLine(nil), t.discontinued...)
}

func (t *Transaction) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.cond.Broadcast()
	t.mu.Unlock()
}

// checkCanceled is the cooperative checkpoint both Begin and End poll
// between sub-operations: if Cancel has set the request flag, it raises
// Canceled and parks the Transaction there.
func (t *Transaction) checkCanceled() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelRequested {
		t.status = StatusCanceled
		t.cond.Broadcast()
		return protocol.Err(protocol.KindCanceled)
	}
	return nil
}

func (t *Transaction) enqueueAndWait(op manager.Operation) (any, error) {
	result := <-t.mgr.Enqueue(op)
	return result.Value, result.Err
}

func (t *Transaction) readPLU(id string) ([]plu.Info, error) {
	value, err := t.enqueueAndWait(func(s *operations.Session) (any, error) {
		return s.ReadPLUInfo(id, id, nil)
	})
	if err != nil {
		return nil, err
	}
	items, _ := value.([]plu.Info)
	return items, nil
}

// groupSaleLines sums quantities for duplicate ids, preserving the order
// each id was first seen in sale.
func groupSaleLines(sale []SaleLine) []SaleLine {
	order := make([]string, 0, len(sale))
	totals := make(map[string]int, len(sale))
	for _, line := range sale {
		if _, ok := totals[line.Id]; !ok {
			order = append(order, line.Id)
		}
		totals[line.Id] += line.Quantity
	}
	grouped := make([]SaleLine, len(order))
	for i, id := range order {
		grouped[i] = SaleLine{Id: id, Quantity: totals[id]}
	}
	return grouped
}

// Begin claims the process-wide active-transaction slot, reads back one
// PLUInfo per unique sale id, and decides between Rejected (some id no
// longer exists) and Waiting (every id found), per spec §4.8 begin().
func (t *Transaction) Begin(sale []SaleLine) (bool, error) {
	if err := acquireSlot(); err != nil {
		return false, err
	}
	t.setStatus(StatusStarting)

	var continued, original []plu.Info
	var discontinued []SaleLine
	for _, line := range groupSaleLines(sale) {
		if err := t.checkCanceled(); err != nil {
			releaseSlot()
			return false, err
		}
		items, err := t.readPLU(line.Id)
		if err != nil {
			t.setStatus(StatusFaulted)
			releaseSlot()
			return false, err
		}
		if len(items) == 0 {
			discontinued = append(discontinued, line)
			continue
		}
		item := items[0]
		item.Quantity = line.Quantity
		continued = append(continued, item)
		original = append(original, item)
	}

	t.mu.Lock()
	t.continued = continued
	t.original = original
	t.discontinued = discontinued
	t.mu.Unlock()

	if len(discontinued) > 0 {
		t.setStatus(StatusRejected)
		releaseSlot()
		return false, nil
	}

	t.setStatus(StatusWaiting)
	t.startKeepalive()
	return true, nil
}

// SetPrice overrides a continued item's price before End — the hook
// end()'s "mutated by the caller" check observes. Valid only in Waiting.
func (t *Transaction) SetPrice(id string, price decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusWaiting {
		return protocol.NewError(protocol.KindProtocol, "SetPrice requires the Waiting state")
	}
	for i := range t.continued {
		if t.continued[i].Id != id {
			continue
		}
		cp := t.continued[i]
		cp.Price = price
		if err := cp.Validate(); err != nil {
			return err
		}
		t.continued[i] = cp
		return nil
	}
	return protocol.NewError(protocol.KindInvalidArgument, "unknown continued item "+id)
}

func (t *Transaction) startKeepalive() {
	t.keepaliveDone = make(chan struct{})
	go t.runKeepalive()
}

// runKeepalive enqueues a Keepalive once per second while Waiting, storing
// any error for End to re-raise, per spec §4.8's keepalive loop.
func (t *Transaction) runKeepalive() {
	defer close(t.keepaliveDone)
	for {
		t.mu.Lock()
		waiting := t.status == StatusWaiting
		t.mu.Unlock()
		if !waiting {
			return
		}
		if _, err := t.enqueueAndWait(func(s *operations.Session) (any, error) {
			return nil, s.Keepalive()
		}); err != nil {
			t.mu.Lock()
			t.keepaliveErr = err
			t.mu.Unlock()
			return
		}
		if !t.waitWaiting(keepaliveInterval) {
			return
		}
	}
}

// waitWaiting blocks up to timeout, or until the status moves off
// Waiting, and reports whether the loop should run another iteration.
// sync.Cond has no native timed wait; a one-shot timer flips an expiry
// flag that Broadcast wakes the waiter for, the same idiom manager.Manager
// uses for its own continuation window.
func (t *Transaction) waitWaiting(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusWaiting {
		return false
	}
	expired := false
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		expired = true
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()
	for t.status == StatusWaiting && !expired {
		t.cond.Wait()
	}
	return t.status == StatusWaiting
}

// stopKeepalive signals the loop to stop at its next checkpoint and waits
// for it to exit.
func (t *Transaction) stopKeepalive() {
	t.mu.Lock()
	done := t.keepaliveDone
	t.cond.Broadcast()
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// End transitions Waiting -> Completing, freezes the continued items,
// validates payment, enqueues a WritePLUInfo only for items the caller
// mutated via SetPrice, then enqueues the Transact itself, per spec §4.8
// end().
func (t *Transaction) End(payment decimal.Decimal) error {
	t.mu.Lock()
	if t.status != StatusWaiting {
		err := protocol.NewError(protocol.KindProtocol, "End requires the Waiting state")
		t.mu.Unlock()
		return err
	}
	t.status = StatusCompleting
	t.cond.Broadcast()
	t.mu.Unlock()

	t.stopKeepalive()

	if err := t.checkCanceled(); err != nil {
		releaseSlot()
		return err
	}

	t.mu.Lock()
	keepaliveErr := t.keepaliveErr
	t.mu.Unlock()
	if keepaliveErr != nil {
		t.setStatus(StatusFaulted)
		releaseSlot()
		return keepaliveErr
	}

	t.mu.Lock()
	continued := append([]plu.Info(nil), t.continued...)
	original := append([]plu.Info(nil), t.original...)
	t.mu.Unlock()

	total := decimal.Zero
	mutated := make([]plu.Info, 0, len(continued))
	for i := range continued {
		if !continued[i].Price.Equal(original[i].Price) {
			mutated = append(mutated, continued[i])
		}
		continued[i] = continued[i].Freeze()
		total = total.Add(continued[i].Price.Mul(decimal.NewFromInt(int64(continued[i].Quantity))))
	}
	t.mu.Lock()
	t.continued = continued
	t.mu.Unlock()

	if payment.Sign() <= 0 || payment.LessThan(total) {
		t.setStatus(StatusFaulted)
		releaseSlot()
		return protocol.NewError(protocol.KindInvalidArgument, "payment must be positive and cover the total")
	}

	if len(mutated) > 0 {
		if err := t.checkCanceled(); err != nil {
			releaseSlot()
			return err
		}
		if _, err := t.enqueueAndWait(func(s *operations.Session) (any, error) {
			return nil, s.WritePLUInfo(mutated, nil)
		}); err != nil {
			t.setStatus(StatusFaulted)
			releaseSlot()
			return err
		}
	}

	if err := t.checkCanceled(); err != nil {
		releaseSlot()
		return err
	}

	_, err := t.enqueueAndWait(func(s *operations.Session) (any, error) {
		return nil, s.Transact(continued, payment)
	})
	releaseSlot()
	if err != nil {
		t.setStatus(StatusFaulted)
		return err
	}
	t.setStatus(StatusCompleted)
	return nil
}

// Cancel is status-dependent per spec §4.8 cancel(): Initialized cancels
// immediately; Waiting stops the keepalive loop and cancels immediately;
// Starting/Completing set a request flag and block for the running
// sub-operation's next checkpoint; terminal states no-op. It reports
// whether the Transaction ended up Canceled.
func (t *Transaction) Cancel() bool {
	t.mu.Lock()
	switch t.status {
	case StatusInitialized:
		t.status = StatusCanceled
		t.cond.Broadcast()
		t.mu.Unlock()
		return true
	case StatusWaiting:
		t.status = StatusCanceled
		t.cond.Broadcast()
		t.mu.Unlock()
		t.stopKeepalive()
		releaseSlot()
		return true
	case StatusStarting, StatusCompleting:
		t.cancelRequested = true
		for t.status == StatusStarting || t.status == StatusCompleting {
			t.cond.Wait()
		}
		canceled := t.status == StatusCanceled
		t.mu.Unlock()
		return canceled
	default:
		canceled := t.status == StatusCanceled
		t.mu.Unlock()
		return canceled
	}
}

// CancelAsync offloads Cancel to a goroutine, per spec §4.8's "async
// variant simply offloads the sync version."
func (t *Transaction) CancelAsync() {
	go t.Cancel()
}
