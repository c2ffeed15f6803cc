package saga_test

import (
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/errwrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/saga"
	"github.com/casualjim/sago/uow"
)

type memSessions struct {
	m        sync.Mutex
	sessions map[string]saga.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]saga.Session)}
}

func (s *memSessions) SaveTx(sess *saga.Session) uow.Executable {
	return func(context.Context, uow.Tx) error {
		s.m.Lock()
		s.sessions[sess.ID] = *sess
		s.m.Unlock()
		return nil
	}
}

func (s *memSessions) Load(_ context.Context, sagaID string) (*saga.Session, error) {
	s.m.Lock()
	defer s.m.Unlock()
	sess, ok := s.sessions[sagaID]
	if !ok {
		return nil, errwrap.Wrapf(sagaID+": {{err}}", saga.ErrSessionNotFound)
	}
	return &sess, nil
}

func (s *memSessions) Get(sagaID string) saga.Session {
	s.m.Lock()
	defer s.m.Unlock()
	return s.sessions[sagaID]
}

type memOutbox struct {
	m      sync.Mutex
	outbox []message.Outbound
	dead   []message.Outbound
}

func (o *memOutbox) SaveMessage(channel string, msg message.Message) uow.Executable {
	return func(context.Context, uow.Tx) error {
		o.m.Lock()
		o.outbox = append(o.outbox, message.Outbound{Message: msg, Channel: channel})
		o.m.Unlock()
		return nil
	}
}

func (o *memOutbox) SaveDeadLetters(msgs ...message.Outbound) uow.Executable {
	return func(context.Context, uow.Tx) error {
		o.m.Lock()
		o.dead = append(o.dead, msgs...)
		o.m.Unlock()
		return nil
	}
}

func (o *memOutbox) DeleteMessage(ids ...string) uow.Executable {
	return func(context.Context, uow.Tx) error {
		o.m.Lock()
		o.outbox = drop(o.outbox, ids)
		o.m.Unlock()
		return nil
	}
}

func (o *memOutbox) DeleteDeadLetters(ids ...string) uow.Executable {
	return func(context.Context, uow.Tx) error {
		o.m.Lock()
		o.dead = drop(o.dead, ids)
		o.m.Unlock()
		return nil
	}
}

func drop(msgs []message.Outbound, ids []string) []message.Outbound {
	var kept []message.Outbound
	for _, msg := range msgs {
		found := false
		for _, id := range ids {
			if msg.ID == id {
				found = true
				break
			}
		}
		if !found {
			kept = append(kept, msg)
		}
	}
	return kept
}

func (o *memOutbox) MessagesFromOutbox(_ context.Context, batchSize int) ([]message.Outbound, error) {
	o.m.Lock()
	defer o.m.Unlock()
	if batchSize > len(o.outbox) {
		batchSize = len(o.outbox)
	}
	return append([]message.Outbound(nil), o.outbox[:batchSize]...), nil
}

func (o *memOutbox) MessagesFromDeadLetter(_ context.Context, batchSize int) ([]message.Outbound, error) {
	o.m.Lock()
	defer o.m.Unlock()
	if batchSize > len(o.dead) {
		batchSize = len(o.dead)
	}
	return append([]message.Outbound(nil), o.dead[:batchSize]...), nil
}

func (o *memOutbox) Sent() []message.Outbound {
	o.m.Lock()
	defer o.m.Unlock()
	return append([]message.Outbound(nil), o.outbox...)
}

func (o *memOutbox) Last() message.Outbound {
	o.m.Lock()
	defer o.m.Unlock()
	return o.outbox[len(o.outbox)-1]
}

func endpointFor(name string, repo saga.CommandRepository) *saga.CommandEndpoint {
	return &saga.CommandEndpoint{
		Request:  name + ".request",
		Success:  name + ".success",
		Failure:  name + ".failure",
		Commands: repo,
	}
}

func remoteStep(b *saga.Builder, name string, repo saga.CommandRepository, compensatable bool) {
	ep := endpointFor(name, repo)
	sb := b.Step(name).Invoke(saga.RemoteInvoke(ep, nil))
	if compensatable {
		sb.CompensateWith(saga.RemoteCompensate(ep, nil))
	}
}

func reply(sess *saga.Session, origin string) message.WithOrigin {
	return message.WithOrigin{Message: message.New(sess.ID, nil), Origin: origin}
}

type fixture struct {
	sessions *memSessions
	outbox   *memOutbox
	orch     *saga.Orchestrator
}

func newFixture() *fixture {
	sessions := newMemSessions()
	return &fixture{
		sessions: sessions,
		outbox:   &memOutbox{},
		orch:     saga.NewOrchestrator(sessions, uow.NopTxProvider),
	}
}

func TestStartSaga_EmptyTopologyCompletes(t *testing.T) {
	fix := newFixture()
	def, err := saga.Define("empty").Build()
	require.NoError(t, err)

	sess, err := fix.orch.StartSaga(context.Background(), saga.New("empty", def, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, saga.Completed, sess.State)
	assert.False(t, sess.Pending)
	assert.Equal(t, saga.Completed, fix.sessions.Get(sess.ID).State)
}

func TestStartSaga_NoInvocableStepsCompletes(t *testing.T) {
	fix := newFixture()
	b := saga.Define("markers")
	b.Step("head")
	b.Step("tail")
	def, err := b.Build()
	require.NoError(t, err)

	sess, err := fix.orch.StartSaga(context.Background(), saga.New("markers", def, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, saga.Completed, sess.State)
	// the pointer walked through every marker
	assert.Equal(t, "tail", sess.CurrentStep)
	assert.Empty(t, fix.outbox.Sent())
}

func TestStartSaga_InvokesFirstStep(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)

	sess, err := fix.orch.StartSaga(context.Background(), saga.New("order", def, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, saga.Forward, sess.State)
	assert.True(t, sess.Pending)
	assert.Equal(t, "reserve", sess.CurrentStep)

	sent := fix.outbox.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reserve.request", sent[0].Channel)
	assert.Equal(t, sess.ID, sent[0].SagaID)
}

func TestStartSaga_SkipsLeadingMarkers(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	b.Step("head")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)

	sess, err := fix.orch.StartSaga(context.Background(), saga.New("order", def, nil), nil)
	require.NoError(t, err)
	assert.True(t, sess.Pending)
	assert.Equal(t, "reserve", sess.CurrentStep)
}

func TestStartSaga_LocalInvocationPending(t *testing.T) {
	fix := newFixture()
	var replies []message.Message
	success := message.Func("pick.success", func(_ context.Context, msg message.Message) error {
		replies = append(replies, msg)
		return nil
	})
	failure := message.Func("pick.failure", nil)

	b := saga.Define("pick")
	b.Step("pick").Invoke(saga.LocalInvoke(&saga.LocalEndpoint{
		Success: success,
		Failure: failure,
		Handler: func(context.Context, *saga.Session) (uow.Executable, error) { return nil, nil },
	}))
	def, err := b.Build()
	require.NoError(t, err)

	sess, err := fix.orch.StartSaga(context.Background(), saga.New("pick", def, nil), nil)
	require.NoError(t, err)
	assert.True(t, sess.Pending)
	assert.Equal(t, "pick", sess.CurrentStep)
	// the success reply went out when the unit of work committed
	require.Len(t, replies, 1)
	assert.Equal(t, sess.ID, replies[0].SagaID)
}

func TestOrchestrate_SingleStepSuccessCompletes(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.True(t, sess.Pending)

	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))

	saved := fix.sessions.Get(sess.ID)
	assert.Equal(t, saga.Completed, saved.State)
	assert.False(t, saved.Pending)
	assert.Equal(t, "reserve", saved.CurrentStep)
}

func TestOrchestrate_RunsReplyHandlersInOrder(t *testing.T) {
	fix := newFixture()
	var order []string
	handler := func(name string) saga.ReplyHandler {
		return func(context.Context, message.WithOrigin, *saga.Session) (uow.Executable, error) {
			return func(context.Context, uow.Tx) error {
				order = append(order, name)
				return nil
			}, nil
		}
	}

	b := saga.Define("order")
	b.Step("reserve").
		Invoke(saga.RemoteInvoke(endpointFor("reserve", fix.outbox), nil)).
		OnReply(handler("first"), handler("second"))
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestOrchestrate_MustCompleteRetriesForever(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	b.Step("charge").
		Invoke(saga.RemoteInvoke(endpointFor("charge", fix.outbox), nil)).
		MustComplete()
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "charge.failure")))
		saved := fix.sessions.Get(sess.ID)
		assert.Equal(t, saga.RetryingInvocation, saved.State)
		assert.True(t, saved.InForwardDirection())
		assert.False(t, saved.IsCompensating())
		assert.True(t, saved.Pending)
	}
	// the original send plus one re-invocation per failure
	assert.Len(t, fix.outbox.Sent(), 6)

	// a success after any number of failures still completes the saga
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "charge.success")))
	assert.Equal(t, saga.Completed, fix.sessions.Get(sess.ID).State)
}

func TestOrchestrate_FailureCompensatesPreviousStep(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, true)
	remoteStep(b, "ship", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	require.Equal(t, "ship", fix.sessions.Get(sess.ID).CurrentStep)

	// ship fails, the saga turns around and compensates reserve
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "ship.failure")))
	saved := fix.sessions.Get(sess.ID)
	assert.Equal(t, saga.Compensating, saved.State)
	assert.True(t, saved.IsCompensating())
	assert.Equal(t, "reserve", saved.CurrentStep)
	assert.True(t, saved.Pending)
	assert.Equal(t, "reserve.request", fix.outbox.Last().Channel)

	// compensation succeeded and nothing earlier can be undone
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	saved = fix.sessions.Get(sess.ID)
	assert.Equal(t, saga.Failed, saved.State)
	assert.False(t, saved.Pending)
}

func TestOrchestrate_FailureWithoutCompensatableStepFails(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.failure")))
	assert.Equal(t, saga.Failed, fix.sessions.Get(sess.ID).State)
}

func TestOrchestrate_CompensationFailureRetries(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, true)
	remoteStep(b, "ship", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "ship.failure")))

	// compensations retry unconditionally until they succeed
	for i := 0; i < 3; i++ {
		require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.failure")))
		saved := fix.sessions.Get(sess.ID)
		assert.Equal(t, saga.Compensating, saved.State)
		assert.Equal(t, "reserve", saved.CurrentStep)
		assert.True(t, saved.Pending)
	}

	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	assert.Equal(t, saga.Failed, fix.sessions.Get(sess.ID).State)
}

func TestOrchestrate_CompensationSkipsMarkers(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, true)
	b.Step("checkpoint")
	remoteStep(b, "ship", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))
	require.Equal(t, "ship", fix.sessions.Get(sess.ID).CurrentStep)

	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "ship.failure")))
	saved := fix.sessions.Get(sess.ID)
	assert.Equal(t, "reserve", saved.CurrentStep)
	assert.Equal(t, saga.Compensating, saved.State)
}

func TestOrchestrate_TerminalSessionRejected(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)
	require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success")))

	before := fix.sessions.Get(sess.ID)
	err = fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success"))
	require.Error(t, err)
	assert.True(t, errwrap.Contains(err, saga.ErrDeadSession.Error()))
	assert.True(t, saga.IsExpected(err))
	// the session is untouched
	assert.Equal(t, before, fix.sessions.Get(sess.ID))
}

func TestOrchestrate_UnknownChannelRejected(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)

	err = fix.orch.Orchestrate(context.Background(), sg, reply(sess, "somewhere.else"))
	require.Error(t, err)
	assert.True(t, errwrap.Contains(err, saga.ErrChannelNotFound.Error()))
	// nothing was consumed, the session still waits
	assert.True(t, fix.sessions.Get(sess.ID).Pending)
}

func TestOrchestrate_UnknownSessionRejected(t *testing.T) {
	fix := newFixture()
	def, err := saga.Define("order").Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	err = fix.orch.Orchestrate(context.Background(), sg, message.WithOrigin{
		Message: message.New("order-deadbeef", nil),
		Origin:  "reserve.success",
	})
	require.Error(t, err)
	assert.True(t, errwrap.Contains(err, saga.ErrSessionNotFound.Error()))
}

func TestOrchestrate_FiveStepsAllSucceed(t *testing.T) {
	fix := newFixture()
	names := []string{"reserve", "charge", "allocate", "ship", "notify"}
	b := saga.Define("order")
	for _, name := range names {
		remoteStep(b, name, fix.outbox, true)
	}
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)

	for _, name := range names {
		require.Equal(t, name, fix.sessions.Get(sess.ID).CurrentStep)
		require.NoError(t, fix.orch.Orchestrate(context.Background(), sg, reply(sess, name+".success")))
	}

	saved := fix.sessions.Get(sess.ID)
	assert.Equal(t, saga.Completed, saved.State)
	assert.Equal(t, "notify", saved.CurrentStep)
	assert.Len(t, fix.outbox.Sent(), 5)
}

func TestStartSaga_JoinsActiveGroup(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)

	group := uow.NewGroup()
	ctx := uow.WithGroup(context.Background(), group)
	sess, err := fix.orch.StartSaga(ctx, saga.New("order", def, nil), nil)
	require.NoError(t, err)

	// the unit joined the caller's group instead of committing
	assert.Equal(t, 1, group.Len())
	assert.Empty(t, fix.outbox.Sent())
	_, err = fix.sessions.Load(context.Background(), sess.ID)
	require.Error(t, err)

	require.True(t, group.Commit(ctx))
	require.Len(t, fix.outbox.Sent(), 1)
	assert.Equal(t, "reserve.request", fix.outbox.Last().Channel)
	assert.Equal(t, saga.Forward, fix.sessions.Get(sess.ID).State)
}

func TestOrchestrate_JoinsActiveGroup(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	remoteStep(b, "reserve", fix.outbox, false)
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)

	group := uow.NewGroup()
	ctx := uow.WithGroup(context.Background(), group)
	require.NoError(t, fix.orch.Orchestrate(ctx, sg, reply(sess, "reserve.success")))

	// the stored session is untouched until the group commits
	saved := fix.sessions.Get(sess.ID)
	assert.Equal(t, saga.Forward, saved.State)
	assert.True(t, saved.Pending)

	require.True(t, group.Commit(ctx))
	assert.Equal(t, saga.Completed, fix.sessions.Get(sess.ID).State)
}

func TestOrchestrate_ReplyHandlerErrorPropagates(t *testing.T) {
	fix := newFixture()
	b := saga.Define("order")
	b.Step("reserve").
		Invoke(saga.RemoteInvoke(endpointFor("reserve", fix.outbox), nil)).
		OnReply(func(context.Context, message.WithOrigin, *saga.Session) (uow.Executable, error) {
			return nil, assert.AnError
		})
	def, err := b.Build()
	require.NoError(t, err)
	sg := saga.New("order", def, nil)

	sess, err := fix.orch.StartSaga(context.Background(), sg, nil)
	require.NoError(t, err)

	err = fix.orch.Orchestrate(context.Background(), sg, reply(sess, "reserve.success"))
	require.Error(t, err)
	assert.False(t, saga.IsExpected(err))
	// the failed orchestration did not commit
	assert.True(t, fix.sessions.Get(sess.ID).Pending)
}
