package uow

import "context"

// NopTxProvider begins no-op transactions. Useful for wirings whose
// executables manage their own durability, and in tests.
var NopTxProvider TxProvider = nopProvider{}

type nopProvider struct{}

func (nopProvider) Begin(context.Context) (Tx, error) { return nopTx{}, nil }

type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }
