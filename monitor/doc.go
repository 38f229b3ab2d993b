// Package monitor wires logging and Prometheus metrics for mmate clients and
// serves /metrics alongside the health endpoints.
package monitor
