package message

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"
)

// A Message is the envelope exchanged between the saga engine and the
// services collaborating in a saga. The ID doubles as the idempotence
// key for at-most-once consumption.
type Message struct {
	ID      string
	SagaID  string
	Payload interface{}
	At      time.Time
}

// New creates a message addressed to the saga with the given ID
func New(sagaID string, payload interface{}) Message {
	return Message{
		ID:      ksuid.New().String(),
		SagaID:  sagaID,
		Payload: payload,
		At:      time.Now(),
	}
}

// WithOrigin tags an inbound message with the name of the channel it
// arrived on. Reply classification is done by origin channel identity.
type WithOrigin struct {
	Message
	Origin string
}

// Outbound is a message recorded in an outbox together with the name of
// the channel it should be delivered to.
type Outbound struct {
	Message
	Channel string
}

// A Channel delivers messages to a named destination. Failure to deliver
// is reported through the returned error, never swallowed.
type Channel interface {
	Send(context.Context, Message) error
	Name() string
}

// Func adapts a function into a Channel
func Func(name string, send func(context.Context, Message) error) Channel {
	return &funcChannel{name: name, send: send}
}

type funcChannel struct {
	name string
	send func(context.Context, Message) error
}

func (f *funcChannel) Send(ctx context.Context, msg Message) error {
	if f.send == nil {
		return nil
	}
	return f.send(ctx, msg)
}

func (f *funcChannel) Name() string { return f.name }
