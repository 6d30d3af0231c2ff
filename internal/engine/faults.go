package engine

import (
	"log/slog"
	"sync"

	"github.com/Benny93/tracematrix/internal/metrics"
	"github.com/Benny93/tracematrix/internal/trace"
)

// maxRecentFaults bounds the faults kept for inspection.
const maxRecentFaults = 100

// ReportedFault is an integrity fault together with the pair it was found in.
type ReportedFault struct {
	Pair  trace.Pair           `json:"pair"`
	Fault trace.IntegrityFault `json:"fault"`
}

// FaultReporter surfaces integrity faults as warnings. Faults are modeling
// bugs, never user errors, so they are logged and counted rather than
// returned.
type FaultReporter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	total  int
	recent []ReportedFault
}

// NewFaultReporter creates a reporter.
func NewFaultReporter(logger *slog.Logger, m *metrics.Metrics) *FaultReporter {
	return &FaultReporter{logger: logger, metrics: m}
}

// Report records the faults found in a pair's collection.
func (r *FaultReporter) Report(pair trace.Pair, faults []trace.IntegrityFault) {
	if len(faults) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range faults {
		r.logger.Warn("relation integrity fault",
			slog.String("pair", string(pair.Key())),
			slog.String("kind", string(f.Kind)),
			slog.Any("relations", f.RelationIDs),
			slog.String("detail", f.String()))
		r.metrics.Faults.WithLabelValues(string(f.Kind)).Inc()

		r.total++
		r.recent = append(r.recent, ReportedFault{Pair: pair, Fault: f})
	}
	if n := len(r.recent); n > maxRecentFaults {
		r.recent = append([]ReportedFault(nil), r.recent[n-maxRecentFaults:]...)
	}
}

// Total returns the number of faults reported so far.
func (r *FaultReporter) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Recent returns the most recently reported faults, oldest first.
func (r *FaultReporter) Recent() []ReportedFault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReportedFault(nil), r.recent...)
}
