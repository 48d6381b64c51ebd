// Package signoff provides a composable multi-party approval engine for Go
// with a durable, retried notification outbox.
//
// Signoff is designed as a library, not a service. Import it, configure a
// store, an identity resolver, and a transport, and drive approvals through
// the engine:
//
//	svc, err := signoff.New(signoff.WithStore(memory.New()))
//	eng, err := engine.Build(svc,
//	    engine.WithResolver(resolver),
//	    engine.WithTransport(transport),
//	)
//
// A task is created with a fixed set of approvers; each approver records
// exactly one effective decision. The task flips to approved exactly once,
// when every assigned approver has approved. Every state change enqueues
// notification messages into a durable outbox which a background drainer
// hands to a bounded pool of senders, with bounded retries and a permanent
// dead-letter record for messages that exhaust their budget.
//
// Signoff follows a composable store pattern where each subsystem (task,
// outbox, cluster) defines its own store interface. A single backend
// implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package signoff
