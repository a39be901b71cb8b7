package metrics

import "time"

// Recorder abstracts the pipeline's instrumentation: purchase outcomes and
// gateway decisions as counters, negotiation latency as histograms, and the
// monitored credit balance as a gauge.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
func (NoopRecorder) SetGauge(string, float64, map[string]string)             {}
