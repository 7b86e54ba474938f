/*
Package lock provides a Redis-backed distributed lock.

Locks are acquired with SET NX and a TTL, refreshed in the background
by the holder, and released with a token-checked Lua script so a
holder that lost its lease can never release a lock someone else has
since acquired. Contention is reported as ErrContended, distinct from
transport failures.
*/
package lock
