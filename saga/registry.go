package saga

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/errwrap"
	"github.com/rcrowley/go-metrics"

	"github.com/casualjim/sago"
	"github.com/casualjim/sago/message"
)

// RegistryOpt represents a configuration option for the registry
type RegistryOpt func(*Registry)

// Idempotent makes the registry guard inbound messages with the
// provider, giving at-most-once consumption per message ID
func Idempotent(provider IdempotenceProvider) RegistryOpt {
	return func(r *Registry) { r.idem = provider }
}

// RegistryLog is used to log duplicate drops; the default is /dev/null
func RegistryLog(log sago.Logger) RegistryOpt {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates the table of registered sagas and the entry point
// inbound messages are routed through
func NewRegistry(orchestrator *Orchestrator, opts ...RegistryOpt) *Registry {
	r := &Registry{
		orchestrator: orchestrator,
		sagas:        make(map[string]Saga),
		keys:         newKeyMutex(),
		log:          sago.NopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// A Registry holds every registered saga definition, resolves inbound
// messages to their owning sessions and hands them to the orchestrator
// with idempotent, at-most-once processing.
type Registry struct {
	orchestrator *Orchestrator
	idem         IdempotenceProvider
	log          sago.Logger

	m     sync.Mutex
	sagas map[string]Saga
	names []string

	keys *keyMutex
}

// Register adds a saga under its name; a second registration of the same
// name yields ErrDuplicateSaga
func (r *Registry) Register(sg Saga) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.sagas[sg.Name()]; ok {
		return errwrap.Wrapf(sg.Name()+": {{err}}", ErrDuplicateSaga)
	}
	r.sagas[sg.Name()] = sg
	r.names = append(r.names, sg.Name())
	return nil
}

// Saga returns the saga registered under name
func (r *Registry) Saga(name string) (Saga, bool) {
	r.m.Lock()
	sg, ok := r.sagas[name]
	r.m.Unlock()
	return sg, ok
}

// StartSaga starts a new instance of the saga registered under name
func (r *Registry) StartSaga(ctx context.Context, name string, args interface{}) (*Session, error) {
	sg, ok := r.Saga(name)
	if !ok {
		return nil, errwrap.Wrapf(name+": {{err}}", ErrSagaNotFound)
	}
	return r.orchestrator.StartSaga(ctx, sg, args)
}

// Start starts a new instance of the saga registered under name,
// verifying it is of the concrete type the caller expects
func Start[S Saga](ctx context.Context, r *Registry, name string, args interface{}) (*Session, error) {
	sg, ok := r.Saga(name)
	if !ok {
		return nil, errwrap.Wrapf(name+": {{err}}", ErrSagaNotFound)
	}
	if _, ok := sg.(S); !ok {
		return nil, errwrap.Wrapf(name+" is registered with a different type: {{err}}", ErrSagaNotFound)
	}
	return r.orchestrator.StartSaga(ctx, sg, args)
}

// ConsumeEvent routes an inbound reply to the sessions owning it.
// Ownership is decided by saga ID prefix, since saga IDs are the saga
// name joined with a UUID. When an idempotence provider is configured a
// message that was consumed before returns silently; when orchestration
// fails the lock is released again so a redelivery can retry.
func (r *Registry) ConsumeEvent(ctx context.Context, msg message.WithOrigin) error {
	start := time.Now()
	defer metrics.GetOrRegisterTimer("saga.consume", metrics.DefaultRegistry).UpdateSince(start)

	if r.idem != nil {
		ok, err := r.idem.Lock(ctx, msg.Message)
		if err != nil {
			return err
		}
		if !ok {
			metrics.GetOrRegisterCounter("saga.consume.duplicates", metrics.DefaultRegistry).Inc(1)
			r.log.Debugf("message %s already consumed, dropping", msg.ID)
			return nil
		}
	}

	err := r.consume(ctx, msg)
	if err != nil && r.idem != nil {
		// a failed attempt must stay retryable
		if rerr := r.idem.Release(ctx, msg.Message); rerr != nil {
			r.log.Errorf("failed to release idempotence lock for %s: %v", msg.ID, rerr)
		}
	}
	return err
}

func (r *Registry) consume(ctx context.Context, msg message.WithOrigin) error {
	// collect the owners under the lock, orchestrate outside of it
	r.m.Lock()
	var owners []Saga
	for _, name := range r.names {
		if strings.HasPrefix(msg.SagaID, name+"-") {
			owners = append(owners, r.sagas[name])
		}
	}
	r.m.Unlock()

	if len(owners) == 0 {
		return errwrap.Wrapf("no saga owns "+msg.SagaID+": {{err}}", ErrSessionNotFound)
	}

	for _, sg := range owners {
		// serialize per saga ID so concurrent replies with distinct
		// message IDs cannot interleave load-mutate-save
		r.keys.Lock(msg.SagaID)
		err := r.orchestrator.Orchestrate(ctx, sg, msg)
		r.keys.Unlock(msg.SagaID)
		if err != nil {
			return err
		}
	}
	return nil
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// keyMutex hands out one mutex per key, dropping entries once unheld
type keyMutex struct {
	m     sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyMutex) Lock(key string) {
	k.m.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.m.Unlock()

	lock.mu.Lock()
}

func (k *keyMutex) Unlock(key string) {
	k.m.Lock()
	lock := k.locks[key]
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
	k.m.Unlock()

	lock.mu.Unlock()
}
