// Package saga orchestrates long-running, multi-step business
// transactions across services connected only by asynchronous messaging.
//
// A saga is an ordered topology of steps. Each step can carry an
// invocation action that produces a side effect (enqueue a command for a
// remote service, or run an in-process handler) and a compensation
// action that undoes it. The orchestrator walks the topology forward,
// one reply at a time; when an invocation fails it either retries the
// step in place (must-complete steps) or walks backward, compensating
// every completed step until the saga has fully unwound.
//
//	b := saga.Define("order")
//	b.Step("reserve-credit").
//		Invoke(saga.RemoteInvoke(creditEndpoint, buildReserve)).
//		CompensateWith(saga.RemoteCompensate(creditEndpoint, buildRelease)).
//		OnReply(recordReservation)
//	b.Step("ship").
//		Invoke(saga.LocalInvoke(shipEndpoint))
//	def, err := b.Build()
//
// Side effects never happen inline: actions and repositories hand back
// deferred executables that join a unit of work, so a step's outbox
// write and its session update commit together. Replies come back to the
// registry, which locks the message ID for at-most-once consumption,
// finds the owning session by saga ID prefix and delegates to the
// orchestrator.
package saga
