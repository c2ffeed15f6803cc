package saga

import (
	"context"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/uow"
)

// A ReplyHandler consumes a successful reply for a step and produces a
// deferred executable that joins the orchestration's unit of work. A nil
// executable means the handler has nothing to persist.
type ReplyHandler func(ctx context.Context, msg message.WithOrigin, sess *Session) (uow.Executable, error)

// A Step is one named position in a saga topology. A step without an
// invocation action is a pass-through marker: it still counts as a
// position in the sequence but is skipped when walking for invocation or
// compensation purposes.
type Step struct {
	name         string
	invocation   *Action
	compensation *Action
	mustComplete bool
	handlers     []ReplyHandler
}

// Name of the step, unique within its definition
func (s *Step) Name() string { return s.name }

// Invocable is true when the step carries an invocation action
func (s *Step) Invocable() bool { return s.invocation != nil }

// Compensatable is true when the step carries a compensation action
func (s *Step) Compensatable() bool { return s.compensation != nil }

// MustComplete is true when a failed invocation is retried in place
// until it succeeds instead of triggering compensation
func (s *Step) MustComplete() bool { return s.mustComplete }

// Invocation action of the step, nil for pass-through markers
func (s *Step) Invocation() *Action { return s.invocation }

// Compensation action of the step, nil when the step cannot be undone
func (s *Step) Compensation() *Action { return s.compensation }
