/*
Package stream consumes notification events from a Redis stream.

A Processor reads batches with blocking XREAD and hands decoded events
to a handler. Undecodable events are skipped; handler errors are
reported but do not stop consumption; a transport failure stops the
processor so the owning leadership cycle can end and let another
instance take over.
*/
package stream
