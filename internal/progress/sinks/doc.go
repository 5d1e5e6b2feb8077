// Package sinks holds the progress consumers: a zap logger, Prometheus
// collectors and a run repository writer.
package sinks
