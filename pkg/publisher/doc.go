/*
Package publisher runs the notification outcome dispatch pipeline.

Every instance of the service creates a Manager, and all of them keep
attempting to acquire the shared leadership lock on a fixed schedule.
The instance that holds the lock consumes the notification stream and
dispatches; the others stay idle, doing nothing beyond acquisition.
When the leader shuts down or dies the lock is released or expires and
another instance takes over on its next attempt.

# Leadership cycle

	Acquire lock ── contended ──▶ return, retry on next tick
	     │
	  acquired
	     │
	     ▼
	Start stream consumer (from the live position)
	     │
	     ▼
	Poll until shutdown or consumer failure
	     │
	     ▼
	Stop consumer, release lock

The lock is released on every exit path, after the consumer has
stopped, so the next holder never competes with a half-dead leader.

# Dispatch

Each stream batch is decoded into per-recipient deliveries. Live
events fan out to one delivery per target; digest events are already
batched per recipient and dispatch once. A delivery walks the
recipient's configured outcomes and routes each one by its connector:
inbox records, templated emails, or outbound webhooks. Failures are
isolated per outcome and never block the other outcomes, recipients,
or events of the batch.
*/
package publisher
