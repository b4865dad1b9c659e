// Package server exposes the orchestrator over HTTP: health, Prometheus
// metrics, signal intake, the risk check and the throttle force flag.
package server
