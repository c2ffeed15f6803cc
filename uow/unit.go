package uow

import (
	"context"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/casualjim/sago"
)

// UnitOpt represents a configuration option for a unit of work
type UnitOpt func(*UnitOfWork)

// LogWith is used to log the errors swallowed by Commit.
//
// Commit reports failure through its boolean result, so without a logger
// the underlying cause is lost. The default is to log to /dev/null.
func LogWith(log sago.Logger) UnitOpt {
	return func(u *UnitOfWork) { u.log = log }
}

// New creates a unit of work that commits under transactions begun by
// the provider
func New(provider TxProvider, opts ...UnitOpt) *UnitOfWork {
	unit := &UnitOfWork{
		provider: provider,
		log:      sago.NopLogger,
	}
	for _, opt := range opts {
		opt(unit)
	}
	return unit
}

// A UnitOfWork groups deferred side-effecting operations so they commit
// or roll back together
type UnitOfWork struct {
	provider TxProvider
	log      sago.Logger
	m        sync.Mutex
	execs    []Executable
	done     bool
}

// Add queues executables for the next commit
func (u *UnitOfWork) Add(execs ...Executable) {
	u.m.Lock()
	for _, exec := range execs {
		if exec != nil {
			u.execs = append(u.execs, exec)
		}
	}
	u.m.Unlock()
}

// Len is the number of executables queued in this unit
func (u *UnitOfWork) Len() int {
	u.m.Lock()
	sz := len(u.execs)
	u.m.Unlock()
	return sz
}

// Commit begins a transaction, runs every queued executable against it
// and commits. It never panics or returns an error: any failure rolls
// the transaction back and yields false. Rollback cleanup is attempted
// unconditionally, so a transaction is never left dangling.
func (u *UnitOfWork) Commit(ctx context.Context) bool {
	u.m.Lock()
	defer u.m.Unlock()

	if u.done {
		u.log.Warnf("unit of work committed twice, ignoring")
		return false
	}
	u.done = true

	tx, err := u.provider.Begin(ctx)
	if err != nil {
		u.log.Errorf("failed to begin transaction: %v", err)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			u.log.Errorf("panic during commit: %v", r)
		}
		// rollback after a successful commit is a no-op error, drop it
		_ = tx.Rollback()
	}()

	for _, exec := range u.execs {
		if err := exec(ctx, tx); err != nil {
			err = multierror.Append(err, tx.Rollback()).ErrorOrNil()
			u.log.Errorf("unit of work rolled back: %v", err)
			return false
		}
	}

	if err := tx.Commit(); err != nil {
		u.log.Errorf("failed to commit transaction: %v", err)
		return false
	}
	return true
}

// Rollback discards the queued executables and rolls the unit back
// without running them
func (u *UnitOfWork) Rollback() {
	u.m.Lock()
	u.execs = nil
	u.done = true
	u.m.Unlock()
}
