// Package storage persists outcomes and inbox notifications in an
// embedded BoltDB database, one JSON document per record.
package storage
