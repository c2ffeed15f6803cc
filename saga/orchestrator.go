package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/errwrap"
	"github.com/rcrowley/go-metrics"

	"github.com/casualjim/sago"
	"github.com/casualjim/sago/eventbus"
	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/uow"
)

// OrchestratorOpt represents a configuration option for the orchestrator
type OrchestratorOpt func(*Orchestrator)

// PublishTo makes the orchestrator publish lifecycle events to the bus
func PublishTo(bus eventbus.EventBus) OrchestratorOpt {
	return func(o *Orchestrator) { o.bus = bus }
}

// LogWith is used to log commit failures and the like, the default is to
// log to /dev/null
func LogWith(log sago.Logger) OrchestratorOpt {
	return func(o *Orchestrator) { o.log = log }
}

// NewOrchestrator creates the algorithm that walks saga topologies
// forward and backward in response to replies. Every public entry point
// loads or creates a session, mutates it, and commits the session save
// together with the queued side effects in one unit of work.
func NewOrchestrator(sessions SessionRepository, provider uow.TxProvider, opts ...OrchestratorOpt) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		provider: provider,
		bus:      eventbus.NopBus,
		log:      sago.NopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// An Orchestrator drives saga sessions through their topology
type Orchestrator struct {
	sessions SessionRepository
	provider uow.TxProvider
	bus      eventbus.EventBus
	log      sago.Logger
}

// StartSaga creates a session for a new instance of the saga, points it
// at the first step and invokes the first invocable step. The session
// save and the invocation side effect commit atomically; when the
// topology has no invocable step at all the session completes
// immediately. When a transaction group is active on the context the
// unit joins it instead of committing, so the caller can commit the
// start together with its own work.
func (o *Orchestrator) StartSaga(ctx context.Context, sg Saga, args interface{}) (*Session, error) {
	def := sg.Definition()
	sess, err := sg.CreateSession(args)
	if err != nil {
		return nil, err
	}

	unit := uow.New(o.provider, uow.LogWith(o.log))
	o.publish(sess.ID, "", eventbus.SagaStarted)

	if first := def.First(); first == nil {
		sess.SetCompleted()
		o.publish(sess.ID, "", eventbus.SagaCompleted)
	} else {
		sess.CurrentStep = first.Name()
		sess.SetForward()
		if step := forwardInvocable(def, sess, true); step != nil {
			if err := o.invokeStep(ctx, sess, step, unit, eventbus.StepInvoked); err != nil {
				return nil, err
			}
		} else {
			sess.SetCompleted()
			o.publish(sess.ID, sess.CurrentStep, eventbus.SagaCompleted)
		}
	}

	unit.Add(o.sessions.SaveTx(sess))
	if err := o.finish(ctx, sess.ID, unit); err != nil {
		return nil, err
	}
	return sess, nil
}

// Orchestrate advances or rewinds the session owning the message by one
// reply. The mutated session and any side effects of the next action
// commit atomically, or join the transaction group active on the
// context. A reply for a terminal session is an error, not a silent
// no-op, so the caller can route it to a dead-letter path.
func (o *Orchestrator) Orchestrate(ctx context.Context, sg Saga, msg message.WithOrigin) error {
	start := time.Now()
	defer metrics.GetOrRegisterTimer("saga.orchestrate", metrics.DefaultRegistry).UpdateSince(start)

	sess, err := o.sessions.Load(ctx, msg.SagaID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return errwrap.Wrapf("saga "+sess.ID+" is "+sess.State.String()+": {{err}}", ErrDeadSession)
	}

	def := sg.Definition()
	step := def.Step(sess.CurrentStep)
	if step == nil {
		return errwrap.Wrapf(fmt.Sprintf("saga %s at %q: {{err}}", sess.ID, sess.CurrentStep), ErrStepNotFound)
	}

	unit := uow.New(o.provider, uow.LogWith(o.log))
	if sess.InForwardDirection() {
		err = o.onInvocationReply(ctx, def, sess, step, msg, unit)
	} else {
		err = o.onCompensationReply(ctx, def, sess, step, msg, unit)
	}
	if err != nil {
		return err
	}

	unit.Add(o.sessions.SaveTx(sess))
	return o.finish(ctx, sess.ID, unit)
}

// finish hands the unit to the transaction group active on the context,
// or commits it right away when there is none. A joined unit is the
// group's responsibility: commit failures surface through the group's
// own Commit result, not here.
func (o *Orchestrator) finish(ctx context.Context, sagaID string, unit *uow.UnitOfWork) error {
	if group, ok := uow.GroupFrom(ctx); ok {
		group.Join(unit)
		return nil
	}
	if !unit.Commit(ctx) {
		return errwrap.Wrapf("saga "+sagaID+": {{err}}", ErrCommitFailed)
	}
	return nil
}

// onInvocationReply classifies a reply for a step moving forward. A
// failure either retries the step in place (must-complete) or walks
// backward to the nearest compensatable step; a success runs the step's
// reply handlers in declared order and walks forward to the next
// invocable step.
func (o *Orchestrator) onInvocationReply(ctx context.Context, def *Definition, sess *Session, step *Step, msg message.WithOrigin, unit *uow.UnitOfWork) error {
	sess.UnsetPending()

	action := step.Invocation()
	if action == nil {
		return errwrap.Wrapf(fmt.Sprintf("saga %s: step %q has no invocation action: {{err}}", sess.ID, step.Name()), ErrChannelNotFound)
	}

	switch msg.Origin {
	case action.FailureChannel():
		if step.MustComplete() {
			sess.SetRetrying()
			return o.invokeStep(ctx, sess, step, unit, eventbus.StepRetried)
		}
		if prev := backwardCompensatable(def, sess); prev != nil {
			sess.SetCompensating()
			return o.compensateStep(ctx, sess, prev, unit, eventbus.StepCompensated)
		}
		sess.SetFailed()
		o.publish(sess.ID, sess.CurrentStep, eventbus.SagaFailed)
		return nil

	case action.SuccessChannel():
		for _, handler := range step.handlers {
			exec, err := handler(ctx, msg, sess)
			if err != nil {
				// reply handler errors are the saga author's problem,
				// propagate them untouched
				return err
			}
			unit.Add(exec)
		}
		sess.SetForward()
		if next := forwardInvocable(def, sess, false); next != nil {
			return o.invokeStep(ctx, sess, next, unit, eventbus.StepInvoked)
		}
		sess.SetCompleted()
		o.publish(sess.ID, sess.CurrentStep, eventbus.SagaCompleted)
		return nil

	default:
		return errwrap.Wrapf(fmt.Sprintf("saga %s: reply on %q, step %q expects %q or %q: {{err}}",
			sess.ID, msg.Origin, step.Name(), action.SuccessChannel(), action.FailureChannel()), ErrChannelNotFound)
	}
}

// onCompensationReply classifies a reply for a step being compensated.
// Compensations retry unconditionally until they succeed; a success
// walks backward to the next compensatable step or fails the saga once
// fully unwound.
func (o *Orchestrator) onCompensationReply(ctx context.Context, def *Definition, sess *Session, step *Step, msg message.WithOrigin, unit *uow.UnitOfWork) error {
	sess.UnsetPending()

	action := step.Compensation()
	if action == nil {
		return errwrap.Wrapf(fmt.Sprintf("saga %s: step %q has no compensation action: {{err}}", sess.ID, step.Name()), ErrChannelNotFound)
	}

	switch msg.Origin {
	case action.FailureChannel():
		sess.SetCompensating()
		return o.compensateStep(ctx, sess, step, unit, eventbus.StepRetried)

	case action.SuccessChannel():
		if prev := backwardCompensatable(def, sess); prev != nil {
			return o.compensateStep(ctx, sess, prev, unit, eventbus.StepCompensated)
		}
		sess.SetFailed()
		o.publish(sess.ID, sess.CurrentStep, eventbus.SagaFailed)
		return nil

	default:
		return errwrap.Wrapf(fmt.Sprintf("saga %s: reply on %q, step %q expects %q or %q: {{err}}",
			sess.ID, msg.Origin, step.Name(), action.SuccessChannel(), action.FailureChannel()), ErrChannelNotFound)
	}
}

func (o *Orchestrator) invokeStep(ctx context.Context, sess *Session, step *Step, unit *uow.UnitOfWork, kind eventbus.Kind) error {
	exec, err := step.Invocation().Execute(ctx, sess)
	if err != nil {
		return err
	}
	unit.Add(exec)
	sess.SetPending()
	o.publish(sess.ID, step.Name(), kind)
	return nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, sess *Session, step *Step, unit *uow.UnitOfWork, kind eventbus.Kind) error {
	exec, err := step.Compensation().Execute(ctx, sess)
	if err != nil {
		return err
	}
	unit.Add(exec)
	sess.SetPending()
	o.publish(sess.ID, step.Name(), kind)
	return nil
}

func (o *Orchestrator) publish(sagaID, step string, kind eventbus.Kind) {
	o.bus.Publish(eventbus.Event{SagaID: sagaID, Step: step, Kind: kind, At: time.Now()})
}

// forwardInvocable walks toward the back of the topology from the
// session's current step until it reaches an invocable step, updating
// the current step pointer at every position passed through. It returns
// nil when no invocable step remains. An explicit loop rather than
// recursion keeps long topologies off the stack.
func forwardInvocable(def *Definition, sess *Session, inclusive bool) *Step {
	step := def.Step(sess.CurrentStep)
	if step != nil && !inclusive {
		step = def.StepAfter(step.Name())
		if step != nil {
			sess.CurrentStep = step.Name()
		}
	}
	for step != nil && !step.Invocable() {
		step = def.StepAfter(step.Name())
		if step != nil {
			sess.CurrentStep = step.Name()
		}
	}
	return step
}

// backwardCompensatable walks toward the front of the topology, starting
// strictly before the session's current step, until it reaches a
// compensatable step. The current step pointer is updated at every
// position passed through; nil means nothing behind the current position
// can be undone.
func backwardCompensatable(def *Definition, sess *Session) *Step {
	step := def.StepBefore(sess.CurrentStep)
	for step != nil {
		sess.CurrentStep = step.Name()
		if step.Compensatable() {
			return step
		}
		step = def.StepBefore(step.Name())
	}
	return nil
}
