// Package metrics provides optional Prometheus instrumentation for the
// uacore.Core request/response pipeline and the dialog table it
// drives, grounded on the pack's own MetricsCollector pattern
// (counters/gauges behind an enable flag, one namespace/subsystem
// pair, WithLabelValues per category) rather than the client_golang
// package's raw API used inline.
package metrics

import (
	"github.com/sipstack/core/internal/types"
)

// Collector receives the events uacore.Core observes as it processes
// inbound traffic. A nil Core.Metrics is treated as Noop, so
// instrumentation stays entirely optional.
type Collector interface {
	// RequestReceived is called once per inbound request Core accepts
	// for dispatch, labeled by method.
	RequestReceived(method types.RequestMethod)
	// ResponseReceived is called once per inbound response Core matches
	// or attempts to match, labeled by status code.
	ResponseReceived(status types.ResponseStatus)
	// RequestDropped is called for a request Core rejects before
	// dispatch (malformed, self-loop, unmatchable Via), labeled by
	// reason.
	RequestDropped(reason string)
}

// Noop implements Collector with no observable effect, the default
// when a Core has no Metrics configured.
type Noop struct{}

func (Noop) RequestReceived(types.RequestMethod)  {}
func (Noop) ResponseReceived(types.ResponseStatus) {}
func (Noop) RequestDropped(string)                {}

var _ Collector = Noop{}
