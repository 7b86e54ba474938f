// Package api exposes the operational HTTP surface: health and
// readiness probes, Prometheus metrics, publisher status and outcome
// management endpoints.
package api
