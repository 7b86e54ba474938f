/*
Package events provides the in-memory entity event broker.

Every outcome mutation and every created inbox notification is published
here so that process-local caches can invalidate themselves and the UI
layer can live-update. Delivery is best-effort and non-blocking: a
subscriber with a full buffer misses the event rather than stalling the
publisher.

The dispatch pipeline does not consume this broker. It reads outcome and
rule configuration through the read-through caches in pkg/cache, which
subscribe here for invalidation.
*/
package events
