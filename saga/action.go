package saga

import (
	"context"
	"fmt"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/uow"
)

var kindKeyNames = map[Kind]string{
	RemoteInvocation:   "remote-invocation",
	RemoteCompensation: "remote-compensation",
	LocalInvocation:    "local-invocation",
	LocalCompensation:  "local-compensation",
}

// Kind discriminates the action variants
type Kind uint8

const (
	// RemoteInvocation enqueues a command for another service and waits
	// for its reply
	RemoteInvocation Kind = iota
	// RemoteCompensation enqueues a command that undoes a completed step
	RemoteCompensation
	// LocalInvocation runs step logic in process and produces the reply
	// itself
	LocalInvocation
	// LocalCompensation runs compensation logic in process
	LocalCompensation
)

func (k Kind) String() string {
	return kindKeyNames[k]
}

// A PayloadFunc builds the payload of an outgoing command from the
// session
type PayloadFunc func(ctx context.Context, sess *Session) (interface{}, error)

// A CommandEndpoint carries the request channel an outgoing command is
// addressed to, the channels its success and failure replies come back
// on, and the outbox repository the command is enqueued through.
type CommandEndpoint struct {
	Request  string
	Success  string
	Failure  string
	Commands CommandRepository
}

// A LocalHandler runs in-process step logic against the session. The
// returned executable joins the orchestration's unit of work. A returned
// error is converted by the action into a failure reply, not propagated.
type LocalHandler func(ctx context.Context, sess *Session) (uow.Executable, error)

// A LocalEndpoint runs step logic in process and produces a success or
// failure reply directly, without a wire hop
type LocalEndpoint struct {
	Success message.Channel
	Failure message.Channel
	Handler LocalHandler
}

// Fault is the payload of a failure reply produced by a local endpoint
type Fault struct {
	Reason string
}

// An Action knows how to produce the side effect for a step and which
// channels count as its success and failure reply destinations. It is a
// single tagged variant: the kind decides whether the command and local
// halves are populated.
type Action struct {
	kind    Kind
	command *CommandEndpoint
	payload PayloadFunc
	local   *LocalEndpoint
}

// RemoteInvoke creates an invocation action that enqueues a command
// built by payload on the endpoint's request channel
func RemoteInvoke(endpoint *CommandEndpoint, payload PayloadFunc) *Action {
	return &Action{kind: RemoteInvocation, command: endpoint, payload: payload}
}

// RemoteCompensate creates a compensation action that enqueues a command
// built by payload on the endpoint's request channel
func RemoteCompensate(endpoint *CommandEndpoint, payload PayloadFunc) *Action {
	return &Action{kind: RemoteCompensation, command: endpoint, payload: payload}
}

// LocalInvoke creates an invocation action that runs the endpoint's
// handler in process
func LocalInvoke(endpoint *LocalEndpoint) *Action {
	return &Action{kind: LocalInvocation, local: endpoint}
}

// LocalCompensate creates a compensation action that runs the endpoint's
// handler in process
func LocalCompensate(endpoint *LocalEndpoint) *Action {
	return &Action{kind: LocalCompensation, local: endpoint}
}

// Kind of this action
func (a *Action) Kind() Kind { return a.kind }

// SuccessChannel is the name of the channel a success reply for this
// action arrives on
func (a *Action) SuccessChannel() string {
	switch a.kind {
	case RemoteInvocation, RemoteCompensation:
		return a.command.Success
	default:
		return a.local.Success.Name()
	}
}

// FailureChannel is the name of the channel a failure reply for this
// action arrives on
func (a *Action) FailureChannel() string {
	switch a.kind {
	case RemoteInvocation, RemoteCompensation:
		return a.command.Failure
	default:
		return a.local.Failure.Name()
	}
}

// Execute produces the action's side effect as a deferred executable.
// Remote kinds enqueue a command in the outbox; local kinds run the
// handler now and defer the reply send, converting a handler error into
// a failure reply rather than propagating it.
func (a *Action) Execute(ctx context.Context, sess *Session) (uow.Executable, error) {
	switch a.kind {
	case RemoteInvocation, RemoteCompensation:
		var payload interface{}
		if a.payload != nil {
			built, err := a.payload(ctx, sess)
			if err != nil {
				return nil, err
			}
			payload = built
		}
		return a.command.Commands.SaveMessage(a.command.Request, message.New(sess.ID, payload)), nil
	case LocalInvocation, LocalCompensation:
		var exec uow.Executable
		if a.local.Handler != nil {
			handled, err := a.local.Handler(ctx, sess)
			if err != nil {
				return send(a.local.Failure, message.New(sess.ID, Fault{Reason: err.Error()})), nil
			}
			exec = handled
		}
		reply := send(a.local.Success, message.New(sess.ID, nil))
		if exec == nil {
			return reply, nil
		}
		return uow.Combine(exec, reply), nil
	default:
		return nil, fmt.Errorf("saga: unknown action kind %d", a.kind)
	}
}

func send(ch message.Channel, msg message.Message) uow.Executable {
	return func(ctx context.Context, _ uow.Tx) error {
		return ch.Send(ctx, msg)
	}
}
