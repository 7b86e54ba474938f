/*
Package outcome implements validated CRUD over notification outcomes.

An outcome binds a user-facing name to a delivery connector and its
JSON configuration. Configurations are validated against the
connector's JSON schema at write time, so the dispatch pipeline only
ever sees configurations it can decode. Two built-in sample outcomes
are served alongside the stored ones; they cannot be deleted.
*/
package outcome
