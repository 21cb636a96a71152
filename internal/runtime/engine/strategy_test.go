package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
)

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  Kind
		delay time.Duration
		after bool
	}{
		{"success", nil, OutcomeSuccess, 0, false},
		{"skip", errspkg.ErrSkip, OutcomeSkip, 0, false},
		{"unprocessable", fmt.Errorf("wrapped: %w", errspkg.ErrUnprocessable), OutcomeSkip, 0, false},
		{"non-retryable", errspkg.NonRetryable(errors.New("bad")), OutcomeSkip, 0, false},
		{"codec", &errspkg.CodecError{Part: "value", Err: errors.New("eof")}, OutcomeSkip, 0, false},
		{"plain error", errors.New("timeout"), OutcomeRetry, 0, false},
		{"retry after", errspkg.RetryAfter(time.Second, nil), OutcomeRetry, time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := OutcomeFor(tt.err)
			assert.Equal(t, tt.kind, o.Kind)
			if tt.err != nil {
				assert.Equal(t, tt.err, o.Err)
			}
			delay, explicit := retryDelay(o)
			assert.Equal(t, tt.after, explicit)
			assert.Equal(t, tt.delay, delay)
		})
	}
}

type recordingReporter struct {
	NopReporter
	polled    int
	committed []int64
}

func (r *recordingReporter) RecordsPolled(_, _ string, n int) { r.polled += n }

func (r *recordingReporter) OffsetCommitted(_, _ string, _ int32, offset int64) {
	r.committed = append(r.committed, offset)
}

func TestMultiReporter(t *testing.T) {
	assert.Equal(t, NopReporter{}, NewMultiReporter())
	assert.Equal(t, NopReporter{}, NewMultiReporter(nil, NopReporter{}))

	a := &recordingReporter{}
	assert.Same(t, a, NewMultiReporter(nil, a))

	b := &recordingReporter{}
	c := &recordingReporter{}
	multi := NewMultiReporter(a, NewMultiReporter(b, c))
	assert.Len(t, multi, 3)

	multi.RecordsPolled("p", "t", 4)
	multi.OffsetCommitted("p", "t", 0, 9)
	multi.InFlight("p", 1)
	for _, r := range []*recordingReporter{a, b, c} {
		assert.Equal(t, 4, r.polled)
		assert.Equal(t, []int64{9}, r.committed)
	}
}
