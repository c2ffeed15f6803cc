package saga

import (
	"context"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/uow"
)

// A SessionRepository persists and retrieves one session per saga ID
type SessionRepository interface {
	// SaveTx defers persisting the session into the caller's unit of work
	SaveTx(sess *Session) uow.Executable
	// Load retrieves the session by saga ID; a missing ID yields
	// ErrSessionNotFound
	Load(ctx context.Context, sagaID string) (*Session, error)
}

// An OutboxRepository stores messages for later relay following the
// outbox pattern. All mutators return a deferred executable so the write
// commits together with the state change that produced it; reads are
// immediate.
type OutboxRepository interface {
	SaveMessage(channel string, msg message.Message) uow.Executable
	SaveDeadLetters(msgs ...message.Outbound) uow.Executable
	DeleteMessage(ids ...string) uow.Executable
	DeleteDeadLetters(ids ...string) uow.Executable
	MessagesFromOutbox(ctx context.Context, batchSize int) ([]message.Outbound, error)
	MessagesFromDeadLetter(ctx context.Context, batchSize int) ([]message.Outbound, error)
}

// A CommandRepository is the outbox for commands the orchestrator issues
type CommandRepository interface {
	OutboxRepository
}

// A ResponseRepository is the outbox for replies produced on behalf of
// collaborating services
type ResponseRepository interface {
	OutboxRepository
}

// An IdempotenceProvider guards inbound messages for at-most-once
// processing, keyed by message ID. Lock returns false when the key is
// already held or consumed.
type IdempotenceProvider interface {
	Lock(ctx context.Context, msg message.Message) (bool, error)
	Release(ctx context.Context, msg message.Message) error
}
