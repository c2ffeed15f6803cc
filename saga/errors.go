package saga

import (
	"errors"

	"github.com/hashicorp/errwrap"
)

// The error kinds orchestration can surface. The first group are
// programmer or configuration errors: lookups that must always succeed
// in a correctly wired system. The second group are messages that
// legitimately have nowhere to go.
var (
	// ErrDuplicateSaga is returned when registering a saga name twice
	ErrDuplicateSaga = errors.New("saga: duplicate saga name")
	// ErrSagaNotFound is returned when no saga is registered under a name
	ErrSagaNotFound = errors.New("saga: saga not found")
	// ErrStepNotFound is returned when a session points at a step its
	// definition doesn't have
	ErrStepNotFound = errors.New("saga: step not found")
	// ErrChannelNotFound is returned when a reply arrives on a channel
	// the current step is not waiting on
	ErrChannelNotFound = errors.New("saga: reply channel not recognized")
	// ErrDeadSession is returned when a reply arrives for a session that
	// already completed or failed
	ErrDeadSession = errors.New("saga: session already completed or failed")
	// ErrSessionNotFound is returned when a reply references an unknown
	// saga ID
	ErrSessionNotFound = errors.New("saga: session not found")
	// ErrCommitFailed is returned when the unit of work backing an
	// orchestration could not commit
	ErrCommitFailed = errors.New("saga: unit of work commit failed")
	// ErrEventConsumption wraps any unexpected failure surfaced at the
	// channel boundary
	ErrEventConsumption = errors.New("saga: event consumption failed")
)

// IsExpected returns true when the error means an inbound message has
// nowhere meaningful to go: an unmatched session, channel, step or saga,
// or a reply for a session that already reached a terminal state. These
// are logged and dropped at the channel boundary rather than escalated.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range []error{
		ErrSessionNotFound,
		ErrChannelNotFound,
		ErrStepNotFound,
		ErrSagaNotFound,
		ErrDeadSession,
	} {
		if errors.Is(err, kind) || errwrap.Contains(err, kind.Error()) {
			return true
		}
	}
	return false
}
