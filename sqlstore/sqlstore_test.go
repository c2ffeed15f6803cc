package sqlstore_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/sago/sqlstore"
	"github.com/casualjim/sago/uow"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every sqlite connection gets its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
}

func TestProviderBeginsTransactions(t *testing.T) {
	db := newTestDB(t)
	provider := sqlstore.NewProvider(db)

	tx, err := provider.Begin(context.Background())
	require.NoError(t, err)
	require.IsType(t, &sqlx.Tx{}, tx)
	require.NoError(t, tx.Rollback())
}

func TestExecutablesRejectForeignTransactions(t *testing.T) {
	db := newTestDB(t)
	exec := sqlstore.NewCommands(db).SaveMessage("orders", testMessage("order-1", nil))

	err := exec(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "*sqlx.Tx")
}

func commit(t *testing.T, db *sqlx.DB, execs ...uow.Executable) {
	t.Helper()
	unit := uow.New(sqlstore.NewProvider(db))
	unit.Add(execs...)
	require.True(t, unit.Commit(context.Background()))
}
