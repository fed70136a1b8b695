// Package core implements SPEC_FULL.md §6's expansion: the small boundary
// interface a non-core service façade depends on, so it never imports
// manager or transaction concretely.
package core

import (
	"github.com/daedaluz/smart3/manager"
	"github.com/daedaluz/smart3/transaction"
)

// Core is the seam between the protocol engine (manager.Manager) and
// whatever external service exposes it; see SPEC_FULL.md §6.
type Core interface {
	Enqueue(op manager.Operation) <-chan manager.OperationResult
	BeginTransaction(sale []transaction.SaleLine) (*transaction.Transaction, error)
}

// service is the concrete Core backed by a single manager.Manager.
type service struct {
	mgr *manager.Manager
}

// New wraps mgr as a Core.
func New(mgr *manager.Manager) Core {
	return &service{mgr: mgr}
}

func (s *service) Enqueue(op manager.Operation) <-chan manager.OperationResult {
	return s.mgr.Enqueue(op)
}

// BeginTransaction constructs a Transaction over the same manager and runs
// its begin() phase. The Transaction is returned even when begin()
// resolves to Rejected rather than Waiting — callers distinguish the two
// by reading tx.Status() — but a nil Transaction accompanies any error
// that prevented begin() from running at all (e.g. TransactionOpen).
func (s *service) BeginTransaction(sale []transaction.SaleLine) (*transaction.Transaction, error) {
	tx := transaction.New(s.mgr)
	if _, err := tx.Begin(sale); err != nil {
		return nil, err
	}
	return tx, nil
}
