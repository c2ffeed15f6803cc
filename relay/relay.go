// Package relay delivers outbox messages to their channels. It exists so
// the module runs end to end: the orchestration core only ever writes
// commands to an outbox, and this poller guarantees each one is
// eventually delivered or set aside as a dead letter. The core knows
// nothing about it.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/saga"
	"github.com/casualjim/sago/uow"
)

// Opt represents a configuration option for the relay
type Opt func(*Relay)

// Channels registers the destinations the relay can deliver to
func Channels(channels ...message.Channel) Opt {
	return func(r *Relay) {
		for _, ch := range channels {
			r.channels[ch.Name()] = ch
		}
	}
}

// BatchSize bounds how many messages one delivery pass picks up
func BatchSize(size int) Opt {
	return func(r *Relay) { r.batchSize = size }
}

// Every sets the polling interval between delivery passes
func Every(interval time.Duration) Opt {
	return func(r *Relay) { r.interval = interval }
}

// Policy sets the backoff applied after a failed delivery pass. The
// policy is reset after every successful pass.
func Policy(policy backoff.BackOff) Opt {
	return func(r *Relay) { r.policy = policy }
}

// LogWith sets the logger for delivery failures
func LogWith(log logrus.FieldLogger) Opt {
	return func(r *Relay) { r.log = log }
}

// New creates a relay draining the outbox into the registered channels
func New(outbox saga.OutboxRepository, provider uow.TxProvider, opts ...Opt) *Relay {
	r := &Relay{
		outbox:    outbox,
		provider:  provider,
		channels:  make(map[string]message.Channel),
		batchSize: 50,
		interval:  time.Second,
		closing:   make(chan chan struct{}),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.New().WithFields(nil)
	}
	if r.policy == nil {
		r.policy = backoff.NewExponentialBackOff()
	}
	return r
}

// A Relay polls an outbox and delivers its messages
type Relay struct {
	outbox    saga.OutboxRepository
	provider  uow.TxProvider
	channels  map[string]message.Channel
	batchSize int
	interval  time.Duration
	policy    backoff.BackOff
	log       logrus.FieldLogger

	once    sync.Once
	closing chan chan struct{}
	started chan struct{}
	done    chan struct{}
}

// Start polling until the context is canceled or Close is called
func (r *Relay) Start(ctx context.Context) {
	r.once.Do(func() {
		close(r.started)
		go r.loop(ctx)
	})
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	wait := r.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := r.DeliverOnce(ctx); err != nil {
				wait = r.policy.NextBackOff()
				if wait == backoff.Stop {
					r.log.Errorf("delivery keeps failing, relay giving up: %v", err)
					return
				}
				r.log.Warnf("delivery pass failed, next attempt in %v: %v", wait, err)
			} else {
				r.policy.Reset()
				wait = r.interval
			}
			timer.Reset(wait)
		case <-ctx.Done():
			return
		case closed := <-r.closing:
			closed <- struct{}{}
			return
		}
	}
}

// Close stops the polling loop. It returns right away when the loop
// already exited or Start was never called.
func (r *Relay) Close() error {
	select {
	case <-r.started:
	default:
		return nil
	}

	ch := make(chan struct{})
	select {
	case r.closing <- ch:
		<-ch
	case <-r.done:
	}
	return nil
}

// DeliverOnce runs a single delivery pass: fetch a batch from the
// outbox, send each message to its channel, delete the delivered ones
// and dead-letter the rest. The deletes and dead-letter writes commit as
// one unit of work.
func (r *Relay) DeliverOnce(ctx context.Context) error {
	msgs, err := r.outbox.MessagesFromOutbox(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	unit := uow.New(r.provider)
	delivered := metrics.GetOrRegisterCounter("relay.delivered", metrics.DefaultRegistry)
	dead := metrics.GetOrRegisterCounter("relay.deadlettered", metrics.DefaultRegistry)

	for _, msg := range msgs {
		if err := r.send(ctx, msg); err != nil {
			r.log.WithFields(logrus.Fields{"message": msg.ID, "channel": msg.Channel}).
				Warnf("dead-lettering: %v", err)
			unit.Add(r.outbox.SaveDeadLetters(msg), r.outbox.DeleteMessage(msg.ID))
			dead.Inc(1)
			continue
		}
		unit.Add(r.outbox.DeleteMessage(msg.ID))
		delivered.Inc(1)
	}

	if !unit.Commit(ctx) {
		return saga.ErrCommitFailed
	}
	return nil
}

// RedriveOnce retries a batch of dead letters, removing the ones that
// now deliver. Messages that keep failing simply stay dead.
func (r *Relay) RedriveOnce(ctx context.Context) error {
	msgs, err := r.outbox.MessagesFromDeadLetter(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	unit := uow.New(r.provider)
	for _, msg := range msgs {
		if err := r.send(ctx, msg); err != nil {
			r.log.WithFields(logrus.Fields{"message": msg.ID, "channel": msg.Channel}).
				Debugf("dead letter still undeliverable: %v", err)
			continue
		}
		unit.Add(r.outbox.DeleteDeadLetters(msg.ID))
	}

	if unit.Len() == 0 {
		unit.Rollback()
		return nil
	}
	if !unit.Commit(ctx) {
		return saga.ErrCommitFailed
	}
	return nil
}

func (r *Relay) send(ctx context.Context, msg message.Outbound) error {
	ch, ok := r.channels[msg.Channel]
	if !ok {
		return errUnroutable(msg.Channel)
	}
	return ch.Send(ctx, msg.Message)
}

type errUnroutable string

func (e errUnroutable) Error() string {
	return "relay: no channel registered for " + string(e)
}
