package engine

import "time"

// Reporter receives engine events for metrics. Implementations must be safe
// for concurrent use and must not block.
type Reporter interface {
	RecordsPolled(processor, topic string, n int)
	RecordOutcome(processor, topic string, partition int32, kind Kind)
	RetryScheduled(processor, topic string, partition int32, attempt uint, delay time.Duration)
	OffsetCommitted(processor, topic string, partition int32, offset int64)
	InFlight(processor string, n int)
	Buffered(processor string, n int)
	PollFailed(processor, topic string, err error)
	HandlerDuration(processor, topic string, d time.Duration, kind Kind)
}

// NopReporter discards every event.
type NopReporter struct{}

var _ Reporter = NopReporter{}

func (NopReporter) RecordsPolled(string, string, int)                         {}
func (NopReporter) RecordOutcome(string, string, int32, Kind)                 {}
func (NopReporter) RetryScheduled(string, string, int32, uint, time.Duration) {}
func (NopReporter) OffsetCommitted(string, string, int32, int64)              {}
func (NopReporter) InFlight(string, int)                                      {}
func (NopReporter) Buffered(string, int)                                      {}
func (NopReporter) PollFailed(string, string, error)                          {}
func (NopReporter) HandlerDuration(string, string, time.Duration, Kind)       {}

// MultiReporter fans every event out to each reporter in order.
type MultiReporter []Reporter

var _ Reporter = MultiReporter(nil)

// NewMultiReporter drops nil reporters and flattens nested MultiReporters.
// It returns NopReporter when nothing is left and the reporter itself when
// only one is.
func NewMultiReporter(reporters ...Reporter) Reporter {
	var out MultiReporter
	for _, r := range reporters {
		switch v := r.(type) {
		case nil:
		case NopReporter:
		case MultiReporter:
			out = append(out, v...)
		default:
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return NopReporter{}
	case 1:
		return out[0]
	default:
		return out
	}
}

func (m MultiReporter) RecordsPolled(processor, topic string, n int) {
	for _, r := range m {
		r.RecordsPolled(processor, topic, n)
	}
}

func (m MultiReporter) RecordOutcome(processor, topic string, partition int32, kind Kind) {
	for _, r := range m {
		r.RecordOutcome(processor, topic, partition, kind)
	}
}

func (m MultiReporter) RetryScheduled(processor, topic string, partition int32, attempt uint, delay time.Duration) {
	for _, r := range m {
		r.RetryScheduled(processor, topic, partition, attempt, delay)
	}
}

func (m MultiReporter) OffsetCommitted(processor, topic string, partition int32, offset int64) {
	for _, r := range m {
		r.OffsetCommitted(processor, topic, partition, offset)
	}
}

func (m MultiReporter) InFlight(processor string, n int) {
	for _, r := range m {
		r.InFlight(processor, n)
	}
}

func (m MultiReporter) Buffered(processor string, n int) {
	for _, r := range m {
		r.Buffered(processor, n)
	}
}

func (m MultiReporter) PollFailed(processor, topic string, err error) {
	for _, r := range m {
		r.PollFailed(processor, topic, err)
	}
}

func (m MultiReporter) HandlerDuration(processor, topic string, d time.Duration, kind Kind) {
	for _, r := range m {
		r.HandlerDuration(processor, topic, d, kind)
	}
}
