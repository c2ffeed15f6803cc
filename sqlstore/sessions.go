package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/errwrap"
	"github.com/jmoiron/sqlx"

	"github.com/casualjim/sago/saga"
	"github.com/casualjim/sago/uow"
)

// NewSessions creates a saga session repository backed by the
// saga_sessions table
func NewSessions(db *sqlx.DB) saga.SessionRepository {
	return &sessions{db: db}
}

type sessions struct {
	db *sqlx.DB
}

type sessionRow struct {
	SagaID      string         `db:"saga_id"`
	CurrentStep string         `db:"current_step"`
	State       string         `db:"state"`
	Pending     bool           `db:"pending"`
	Data        sql.NullString `db:"data"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const upsertSession = `INSERT INTO saga_sessions (saga_id, current_step, state, pending, data, updated_at)
VALUES (:saga_id, :current_step, :state, :pending, :data, :updated_at)
ON CONFLICT (saga_id) DO UPDATE SET
	current_step = excluded.current_step,
	state        = excluded.state,
	pending      = excluded.pending,
	data         = excluded.data,
	updated_at   = excluded.updated_at`

// SaveTx defers persisting the session. The row is rendered when the
// unit of work commits, so it reflects every mutation the orchestration
// made, not the state at queueing time.
func (s *sessions) SaveTx(sess *saga.Session) uow.Executable {
	return func(ctx context.Context, tx uow.Tx) error {
		stx, err := sqlTx(tx)
		if err != nil {
			return err
		}
		row := sessionRow{
			SagaID:      sess.ID,
			CurrentStep: sess.CurrentStep,
			State:       sess.State.String(),
			Pending:     sess.Pending,
			UpdatedAt:   time.Now().UTC(),
		}
		if sess.Data != nil {
			data, err := json.Marshal(sess.Data)
			if err != nil {
				return err
			}
			row.Data = sql.NullString{String: string(data), Valid: true}
		}
		_, err = stx.NamedExecContext(ctx, upsertSession, row)
		return err
	}
}

// Load retrieves one session by saga ID
func (s *sessions) Load(ctx context.Context, sagaID string) (*saga.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT saga_id, current_step, state, pending, data, updated_at FROM saga_sessions WHERE saga_id = ?`), sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errwrap.Wrapf(sagaID+": {{err}}", saga.ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}

	state, err := saga.StateFromString(row.State)
	if err != nil {
		return nil, err
	}
	sess := &saga.Session{
		ID:          row.SagaID,
		CurrentStep: row.CurrentStep,
		State:       state,
		Pending:     row.Pending,
	}
	if row.Data.Valid {
		var data interface{}
		if err := json.Unmarshal([]byte(row.Data.String), &data); err != nil {
			return nil, err
		}
		sess.Data = data
	}
	return sess, nil
}
