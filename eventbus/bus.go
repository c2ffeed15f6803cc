package eventbus

import (
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var kindNames = map[Kind]string{
	SagaStarted:     "started",
	StepInvoked:     "step-invoked",
	StepCompensated: "step-compensated",
	StepRetried:     "step-retried",
	SagaCompleted:   "completed",
	SagaFailed:      "failed",
}

// Kind of lifecycle transition an event describes
type Kind uint8

const (
	// SagaStarted is published when a new session is created
	SagaStarted Kind = iota
	// StepInvoked is published when a step's invocation is queued
	StepInvoked
	// StepCompensated is published when a step's compensation is queued
	StepCompensated
	// StepRetried is published when a must-complete invocation or a
	// compensation is re-queued after a failure reply
	StepRetried
	// SagaCompleted is published when a session reaches the completed
	// terminal state
	SagaCompleted
	// SagaFailed is published when a session reaches the failed terminal
	// state
	SagaFailed
)

func (k Kind) String() string { return kindNames[k] }

// An Event records one lifecycle transition of a saga session
type Event struct {
	SagaID string
	Step   string
	Kind   Kind
	At     time.Time
}

// NopHandler drops events on the floor without taking action
var NopHandler = Handler(func(_ Event) error { return nil })

// Handler wraps a function that will be called when an event is received.
// Errors produced by the function are routed to the bus error handler,
// the event flow itself is not interrupted.
func Handler(on func(Event) error) EventHandler {
	return &defaultHandler{on: on}
}

type defaultHandler struct {
	on func(Event) error
}

// On event trigger
func (h *defaultHandler) On(event Event) error {
	return h.on(event)
}

// EventHandler deals with handling events
type EventHandler interface {
	On(Event) error
}

// EventPredicate for filtering events
type EventPredicate func(Event) bool

// ForSaga matches only events belonging to the given saga ID
func ForSaga(sagaID string) EventPredicate {
	return func(evt Event) bool { return evt.SagaID == sagaID }
}

// ForKind matches only events of the given kinds
func ForKind(kinds ...Kind) EventPredicate {
	return func(evt Event) bool {
		for _, k := range kinds {
			if evt.Kind == k {
				return true
			}
		}
		return false
	}
}

// Filtered composes an event handler with a filter
func Filtered(matches EventPredicate, next EventHandler) EventHandler {
	return &filteredHandler{matches: matches, next: next}
}

type filteredHandler struct {
	next    EventHandler
	matches EventPredicate
}

func (f *filteredHandler) On(evt Event) error {
	if !f.matches(evt) {
		return nil
	}
	return f.next.On(evt)
}

// EventBus does fanout of saga lifecycle events to registered handlers
type EventBus interface {
	Close() error
	Publish(Event)
	Subscribe(...EventHandler)
	Unsubscribe(...EventHandler)
	Len() int
}

// NopBus drops every event without fanout
var NopBus EventBus = &nopBus{}

type nopBus struct{}

func (n *nopBus) Close() error                { return nil }
func (n *nopBus) Publish(Event)               {}
func (n *nopBus) Subscribe(...EventHandler)   {}
func (n *nopBus) Unsubscribe(...EventHandler) {}
func (n *nopBus) Len() int                    { return 0 }

func newSubscription(handler EventHandler, onError func(error)) *eventSubscription {
	return &eventSubscription{
		handler: handler,
		once:    new(sync.Once),
		onError: onError,
	}
}

type eventSubscription struct {
	listener chan Event
	handler  EventHandler
	once     *sync.Once
	onError  func(error)
}

func (e *eventSubscription) Listen() {
	e.once.Do(func() {
		e.listener = make(chan Event)
		go func() {
			for evt := range e.listener {
				if err := e.handler.On(evt); err != nil {
					e.onError(err)
				}
			}
		}()
	})
}

func (e *eventSubscription) Stop() {
	close(e.listener)
	e.listener = nil
	e.once = new(sync.Once)
}

func (e *eventSubscription) Matches(handler EventHandler) bool {
	return e.handler == handler
}

type defaultEventBus struct {
	lock *sync.RWMutex

	channel      chan Event
	handlers     []*eventSubscription
	closed       bool
	closing      chan chan struct{}
	log          logrus.FieldLogger
	errorHandler func(error)
}

// New event bus with the specified logger
func New(log logrus.FieldLogger) EventBus {
	return NewWithTimeout(log, 100*time.Millisecond)
}

// NewWithTimeout creates a new eventbus with a timeout after which
// delivery to a subscriber is abandoned
func NewWithTimeout(log logrus.FieldLogger, timeout time.Duration) EventBus {
	if log == nil {
		log = logrus.New().WithFields(nil)
	}
	e := &defaultEventBus{
		closing:      make(chan chan struct{}),
		channel:      make(chan Event, 100),
		log:          log,
		lock:         new(sync.RWMutex),
		errorHandler: func(err error) { log.Errorln(err) },
	}
	go e.dispatcherLoop(timeout)
	return e
}

func (e *defaultEventBus) dispatcherLoop(timeout time.Duration) {
	totWait := new(sync.WaitGroup)
	for {
		select {
		case evt := <-e.channel:
			timer := metrics.GetOrRegisterTimer("saga.events.notify", metrics.DefaultRegistry)
			go timer.Time(func() {
				totWait.Add(1)
				e.lock.RLock()

				noh := len(e.handlers)
				if noh == 0 {
					e.lock.RUnlock()
					totWait.Done()
					return
				}

				var wg sync.WaitGroup
				wg.Add(noh)
				e.log.Debugf("notifying %d listeners of %s for saga %s", noh, evt.Kind, evt.SagaID)
				for _, handler := range e.handlers {
					go func(listener chan<- Event) {
						timer := time.NewTimer(timeout)
						select {
						case listener <- evt:
							timer.Stop()
						case <-timer.C:
							e.log.Warnf("failed to send %s event for saga %s to listener within %v", evt.Kind, evt.SagaID, timeout)
						}
						wg.Done()
					}(handler.listener)
				}

				wg.Wait()
				e.lock.RUnlock()
				totWait.Done()
			})
		case closed := <-e.closing:
			totWait.Wait()
			e.lock.Lock()
			e.closed = true
			close(e.channel)
			for _, h := range e.handlers {
				h.Stop()
			}
			e.handlers = nil
			e.lock.Unlock()

			closed <- struct{}{}
			e.log.Debug("saga event bus closed")
			return
		}
	}
}

// Publish an event to all interested subscribers. Events published
// after Close are dropped.
func (e *defaultEventBus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.closed {
		return
	}
	e.channel <- evt
}

// Subscribe to events published in the bus
func (e *defaultEventBus) Subscribe(handlers ...EventHandler) {
	e.lock.Lock()
	e.log.Debugf("adding %d listeners", len(handlers))
	for _, handler := range handlers {
		sub := newSubscription(handler, e.errorHandler)
		e.handlers = append(e.handlers, sub)
		sub.Listen()
	}
	e.lock.Unlock()
}

func (e *defaultEventBus) Unsubscribe(handlers ...EventHandler) {
	e.lock.Lock()
	if len(e.handlers) == 0 {
		e.lock.Unlock()
		return
	}
	e.log.Debugf("removing %d listeners", len(handlers))
	for _, h := range handlers {
		for i, handler := range e.handlers {
			if handler.Matches(h) {
				handler.Stop()
				// replace handler because it will still process messages in flight
				e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
				break
			}
		}
	}
	e.lock.Unlock()
}

func (e *defaultEventBus) Close() error {
	ch := make(chan struct{})
	e.closing <- ch
	<-ch
	close(e.closing)

	return nil
}

func (e *defaultEventBus) Len() int {
	e.lock.RLock()
	sz := len(e.handlers)
	e.lock.RUnlock()
	return sz
}
