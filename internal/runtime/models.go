package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ProcessorStats aggregates what a processor did since it was registered.
// It receives engine events as an engine.Reporter and invocation timings
// from the metrics middleware.
type ProcessorStats struct {
	mu sync.Mutex

	PolledRecords    uint64 `json:"records_polled"`
	RecordsSucceeded uint64 `json:"records_succeeded"`
	RecordsSkipped   uint64 `json:"records_skipped"`
	RecordsExhausted uint64 `json:"records_exhausted"`
	RetriesScheduled uint64 `json:"retries_scheduled"`

	Invocations         uint64    `json:"invocations"`
	InvocationsFailed   uint64    `json:"invocations_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	CommittedOffsets map[int32]int64 `json:"committed_offsets"`
	LastCommittedAt  time.Time       `json:"last_committed_at"`

	PollFailures  uint64 `json:"poll_failures"`
	LastPollError string `json:"last_poll_error,omitempty"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceSampler
}

var _ engine.Reporter = (*ProcessorStats)(nil)

// ProcessorInfo describes a registered processor.
type ProcessorInfo struct {
	Name     string                 `json:"name"`
	Topic    string                 `json:"topic"`
	Mode     string                 `json:"mode"`
	Config   config.ProcessorConfig `json:"config"`
	Stats    *ProcessorStats        `json:"stats"`
	Snapshot engine.Snapshot        `json:"snapshot"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS      float64 `json:"current_rps"`
	WindowSeconds   float64 `json:"window_seconds"`
	RecordsInWindow uint64  `json:"records_in_window"`
	TotalRecords    uint64  `json:"total_records"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Panic      uint64 `json:"panic"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight    int `json:"in_flight"`
	MaxInFlight int `json:"max_in_flight"`
	Buffered    int `json:"buffered"`
	MaxBuffered int `json:"max_buffered"`
	// EstimatedLagMillis is the age of the oldest record of the last
	// invocation, -1 when unknown.
	EstimatedLagMillis int64 `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier sorts handler errors for the stats breakdown. It does not
// influence retries.
type ErrorClassifier func(error) ErrorCategory

func newProcessorStats(sampler *resourceSampler) *ProcessorStats {
	return &ProcessorStats{
		CommittedOffsets: make(map[int32]int64),
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		resourceSampler:  sampler,
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
	}
}

type invocationStart struct {
	records int
}

func (s *ProcessorStats) onInvocationStart(inv *Invocation) invocationStart {
	var oldest time.Time
	for _, it := range inv.Items {
		if ts := it.Record.Timestamp; !ts.IsZero() && (oldest.IsZero() || ts.Before(oldest)) {
			oldest = ts
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !oldest.IsZero() {
		s.Backlog.EstimatedLagMillis = max(time.Since(oldest).Milliseconds(), 0)
	}
	return invocationStart{records: inv.Size()}
}

func (s *ProcessorStats) onInvocationFinish(start invocationStart, duration time.Duration, err error, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Invocations++
	if err != nil {
		s.InvocationsFailed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		snapshot.AverageNs = s.TotalProcessingTime / int64(s.Invocations)
		s.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now(), start.records)
		s.Throughput.CurrentRPS = snapshot.CurrentRPS
		s.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.Throughput.RecordsInWindow = uint64(snapshot.Count)
	}
	s.Throughput.TotalRecords += uint64(start.records)

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

func (s *ProcessorStats) RecordsPolled(_, _ string, n int) {
	s.mu.Lock()
	s.PolledRecords += uint64(n)
	s.LastPollError = ""
	s.mu.Unlock()
}

func (s *ProcessorStats) RecordOutcome(_, _ string, _ int32, kind engine.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case engine.OutcomeSuccess:
		s.RecordsSucceeded++
	case engine.OutcomeSkip:
		s.RecordsSkipped++
	case engine.OutcomeExhausted:
		s.RecordsExhausted++
	}
}

func (s *ProcessorStats) RetryScheduled(string, string, int32, uint, time.Duration) {
	s.mu.Lock()
	s.RetriesScheduled++
	s.mu.Unlock()
}

func (s *ProcessorStats) OffsetCommitted(_, _ string, partition int32, offset int64) {
	s.mu.Lock()
	s.CommittedOffsets[partition] = offset
	s.LastCommittedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *ProcessorStats) InFlight(_ string, n int) {
	s.mu.Lock()
	s.Backlog.InFlight = n
	s.Backlog.MaxInFlight = max(s.Backlog.MaxInFlight, n)
	s.mu.Unlock()
}

func (s *ProcessorStats) Buffered(_ string, n int) {
	s.mu.Lock()
	s.Backlog.Buffered = n
	s.Backlog.MaxBuffered = max(s.Backlog.MaxBuffered, n)
	s.mu.Unlock()
}

func (s *ProcessorStats) PollFailed(_, _ string, err error) {
	s.mu.Lock()
	s.PollFailures++
	if err != nil {
		s.LastPollError = err.Error()
	}
	s.mu.Unlock()
}

// HandlerDuration is a no-op: invocation timings arrive through the metrics
// middleware, which also sees the error.
func (s *ProcessorStats) HandlerDuration(string, string, time.Duration, engine.Kind) {}

// Committed returns the last committed offset of partition.
func (s *ProcessorStats) Committed(partition int32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.CommittedOffsets[partition]
	return off, ok
}

func (s *ProcessorStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias ProcessorStats
	return jsoncodec.Marshal((*Alias)(s))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow counts records over a sliding horizon. Each sample is one
// invocation carrying n records.
type throughputWindow struct {
	horizon time.Duration
	samples []throughputSample
	count   int
}

type throughputSample struct {
	at time.Time
	n  int
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]throughputSample, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time, n int) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, throughputSample{at: now, n: n})
	tw.count += n
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].at.Before(cutoff) {
		tw.count -= tw.samples[idx].n
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0].at)
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         tw.count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(tw.count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var codecErr *errspkg.CodecError
	var permanent *errspkg.PermanentError
	if errors.As(err, &codecErr) || errors.As(err, &permanent) ||
		errors.Is(err, errspkg.ErrUnprocessable) || errors.Is(err, errspkg.ErrSkip) {
		return ErrorCategoryValidation
	}
	var panicErr middleware.RecoveredPanicError
	if errors.As(err, &panicErr) {
		return ErrorCategoryPanic
	}
	var infra *errspkg.InfrastructureError
	if errors.As(err, &infra) {
		return ErrorCategoryTransport
	}
	var retryAfter *errspkg.RetryAfterError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &retryAfter) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
