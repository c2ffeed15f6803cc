package uow

import "context"

// A Tx is the transaction handle executables run against
type Tx interface {
	Commit() error
	Rollback() error
}

// A TxProvider begins the transaction a unit of work commits under
type TxProvider interface {
	Begin(ctx context.Context) (Tx, error)
}

// An Executable is a deferred, transaction-scoped side effect. It is the
// unit of composition for outbox writes and session persistence alike:
// repositories hand these out instead of acting immediately, so that a
// step's side effects and its session update commit together.
type Executable func(ctx context.Context, tx Tx) error

// Nop is the zero value for an executable and doesn't take any action
var Nop Executable = func(context.Context, Tx) error { return nil }

// Combine runs the executables in declared order against the same
// transaction, stopping at the first error
func Combine(execs ...Executable) Executable {
	return func(ctx context.Context, tx Tx) error {
		for _, exec := range execs {
			if exec == nil {
				continue
			}
			if err := exec(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	}
}
