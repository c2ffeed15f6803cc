package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/saga"
	"github.com/casualjim/sago/uow"
)

// NewCommands creates the outbox repository for commands the
// orchestrator issues, backed by outbox_commands and dead_commands
func NewCommands(db *sqlx.DB) saga.CommandRepository {
	return &outbox{db: db, table: "outbox_commands", deadTable: "dead_commands"}
}

// NewResponses creates the outbox repository for replies produced on
// behalf of collaborating services, backed by outbox_responses and
// dead_responses
func NewResponses(db *sqlx.DB) saga.ResponseRepository {
	return &outbox{db: db, table: "outbox_responses", deadTable: "dead_responses"}
}

type outbox struct {
	db        *sqlx.DB
	table     string
	deadTable string
}

type messageRow struct {
	MessageID string         `db:"message_id"`
	SagaID    string         `db:"saga_id"`
	Channel   string         `db:"channel"`
	Payload   sql.NullString `db:"payload"`
	CreatedAt time.Time      `db:"created_at"`
}

func toRow(channel string, msg message.Message) (messageRow, error) {
	row := messageRow{
		MessageID: msg.ID,
		SagaID:    msg.SagaID,
		Channel:   channel,
		CreatedAt: msg.At.UTC(),
	}
	if msg.Payload != nil {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return row, err
		}
		row.Payload = sql.NullString{String: string(payload), Valid: true}
	}
	return row, nil
}

func fromRow(row messageRow) (message.Outbound, error) {
	out := message.Outbound{
		Message: message.Message{
			ID:     row.MessageID,
			SagaID: row.SagaID,
			At:     row.CreatedAt,
		},
		Channel: row.Channel,
	}
	if row.Payload.Valid {
		var payload interface{}
		if err := json.Unmarshal([]byte(row.Payload.String), &payload); err != nil {
			return out, err
		}
		out.Payload = payload
	}
	return out, nil
}

// SaveMessage defers enqueueing the message for relay to the channel
func (o *outbox) SaveMessage(channel string, msg message.Message) uow.Executable {
	return o.insert(o.table, message.Outbound{Message: msg, Channel: channel})
}

// SaveDeadLetters defers setting messages aside for inspection or
// redelivery outside the normal flow
func (o *outbox) SaveDeadLetters(msgs ...message.Outbound) uow.Executable {
	return func(ctx context.Context, tx uow.Tx) error {
		for _, msg := range msgs {
			if err := o.insert(o.deadTable, msg)(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	}
}

func (o *outbox) insert(table string, msg message.Outbound) uow.Executable {
	return func(ctx context.Context, tx uow.Tx) error {
		stx, err := sqlTx(tx)
		if err != nil {
			return err
		}
		row, err := toRow(msg.Channel, msg.Message)
		if err != nil {
			return err
		}
		_, err = stx.NamedExecContext(ctx,
			`INSERT INTO `+table+` (message_id, saga_id, channel, payload, created_at)
			 VALUES (:message_id, :saga_id, :channel, :payload, :created_at)`, row)
		return err
	}
}

// DeleteMessage defers removing delivered messages from the outbox
func (o *outbox) DeleteMessage(ids ...string) uow.Executable {
	return o.delete(o.table, ids)
}

// DeleteDeadLetters defers removing redelivered messages from the dead
// letter table
func (o *outbox) DeleteDeadLetters(ids ...string) uow.Executable {
	return o.delete(o.deadTable, ids)
}

func (o *outbox) delete(table string, ids []string) uow.Executable {
	return func(ctx context.Context, tx uow.Tx) error {
		if len(ids) == 0 {
			return nil
		}
		stx, err := sqlTx(tx)
		if err != nil {
			return err
		}
		query, args, err := sqlx.In(`DELETE FROM `+table+` WHERE message_id IN (?)`, ids)
		if err != nil {
			return err
		}
		_, err = stx.ExecContext(ctx, stx.Rebind(query), args...)
		return err
	}
}

// MessagesFromOutbox returns the oldest undelivered messages
func (o *outbox) MessagesFromOutbox(ctx context.Context, batchSize int) ([]message.Outbound, error) {
	return o.batch(ctx, o.table, batchSize)
}

// MessagesFromDeadLetter returns the oldest dead letters
func (o *outbox) MessagesFromDeadLetter(ctx context.Context, batchSize int) ([]message.Outbound, error) {
	return o.batch(ctx, o.deadTable, batchSize)
}

func (o *outbox) batch(ctx context.Context, table string, batchSize int) ([]message.Outbound, error) {
	var rows []messageRow
	err := o.db.SelectContext(ctx, &rows, o.db.Rebind(
		`SELECT message_id, saga_id, channel, payload, created_at FROM `+table+` ORDER BY created_at, message_id LIMIT ?`), batchSize)
	if err != nil {
		return nil, err
	}

	msgs := make([]message.Outbound, 0, len(rows))
	for _, row := range rows {
		msg, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
