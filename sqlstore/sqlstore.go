// Package sqlstore implements the saga persistence contracts over a SQL
// database through sqlx. Mutators return deferred executables so the
// writes join the orchestration's unit of work; reads go straight to the
// database. Queries are written with question-mark bindvars and rebound
// to the connection's driver.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/casualjim/sago/uow"
)

// Schema holds the tables this package expects. Written for sqlite, the
// statements also run unchanged on postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_sessions (
	saga_id      TEXT PRIMARY KEY,
	current_step TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	pending      BOOLEAN NOT NULL DEFAULT FALSE,
	data         TEXT,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_commands (
	message_id TEXT PRIMARY KEY,
	saga_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_commands (
	message_id TEXT PRIMARY KEY,
	saga_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_responses (
	message_id TEXT PRIMARY KEY,
	saga_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_responses (
	message_id TEXT PRIMARY KEY,
	saga_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);
`

// Migrate creates the tables when they don't exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

// NewProvider begins sqlx transactions for units of work
func NewProvider(db *sqlx.DB) uow.TxProvider {
	return &provider{db: db}
}

type provider struct {
	db *sqlx.DB
}

func (p *provider) Begin(ctx context.Context) (uow.Tx, error) {
	return p.db.BeginTxx(ctx, nil)
}

// sqlTx unwraps the transaction handle an executable was given. The
// executables this package produces only work under transactions begun
// by NewProvider.
func sqlTx(tx uow.Tx) (*sqlx.Tx, error) {
	stx, ok := tx.(*sqlx.Tx)
	if !ok {
		return nil, fmt.Errorf("sqlstore: executable needs a *sqlx.Tx, got %T", tx)
	}
	return stx, nil
}
