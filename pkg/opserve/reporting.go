package opserve

import "time"

// Reporter resolves per-operation reporting handles. ForOperation is called
// once per operation at registration.
type Reporter interface {
	ForOperation(id OperationID) OperationReporter
}

// OperationReporter receives the result of every invocation of one
// operation. Failure reports carry the full outcome, internal causes included.
type OperationReporter interface {
	ReportSuccess(ictx *InvocationContext, latency time.Duration)
	ReportFailure(ictx *InvocationContext, outcome Outcome, latency time.Duration)
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) ForOperation(OperationID) OperationReporter { return NopReporter{} }

func (NopReporter) ReportSuccess(*InvocationContext, time.Duration) {}

func (NopReporter) ReportFailure(*InvocationContext, Outcome, time.Duration) {}

// MultiReporter fans reports out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) ForOperation(id OperationID) OperationReporter {
	out := make(multiOperationReporter, 0, len(m))
	for _, r := range m {
		if r != nil {
			out = append(out, r.ForOperation(id))
		}
	}
	return out
}

type multiOperationReporter []OperationReporter

func (m multiOperationReporter) ReportSuccess(ictx *InvocationContext, latency time.Duration) {
	for _, r := range m {
		r.ReportSuccess(ictx, latency)
	}
}

func (m multiOperationReporter) ReportFailure(ictx *InvocationContext, outcome Outcome, latency time.Duration) {
	for _, r := range m {
		r.ReportFailure(ictx, outcome, latency)
	}
}
