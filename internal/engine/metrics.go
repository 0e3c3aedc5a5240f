package engine

import "time"

// Metrics receives engine observations.  The Prometheus implementation lives
// in the monitoring package; a nop keeps the engine usable without it.
type Metrics interface {
	ObserveMatch(status string, fromCache bool, d time.Duration)
	ObserveBatch(size int, d time.Duration)
	ObserveRerankerFallback()
}

type nopMetrics struct{}

func (nopMetrics) ObserveMatch(string, bool, time.Duration) {}
func (nopMetrics) ObserveBatch(int, time.Duration)          {}
func (nopMetrics) ObserveRerankerFallback()                 {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
