package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrManagerRequired       = sterrors.New("recordflow: processor manager is required")
	ErrHandlerRequired       = sterrors.New("recordflow: handler function is required")
	ErrProcessorNameRequired = sterrors.New("recordflow: processor name is required")
	ErrTopicNameRequired     = sterrors.New("recordflow: topic name is required")
	ErrKeyCodecRequired      = sterrors.New("recordflow: key codec is required")
	ErrValueCodecRequired    = sterrors.New("recordflow: value codec is required")
	ErrProcessorExists       = sterrors.New("recordflow: processor is already registered")
	ErrManagerStarted        = sterrors.New("recordflow: processors have already been started")
	ErrManagerClosed         = sterrors.New("recordflow: processor manager is closed")
	ErrEngineStarted         = sterrors.New("recordflow: consumption engine has already been started")
	ErrEngineClosed          = sterrors.New("recordflow: consumption engine is closed")
	ErrConfigRequired        = sterrors.New("recordflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("recordflow: logger is required")
	ErrClientRequired        = sterrors.New("recordflow: broker client is required")
	ErrStrategyRequired      = sterrors.New("recordflow: processing strategy is required")
)

// Handler results. Returning one of these (or wrapping it) from a handler
// controls what happens to the record after the invocation.
var (
	// ErrRetry asks for the record to be retried with the policy delay. Any
	// unrecognised error has the same effect.
	ErrRetry = sterrors.New("recordflow: retry record")

	// ErrSkip acknowledges the record without further processing.
	ErrSkip = sterrors.New("recordflow: skip record")

	// ErrUnprocessable marks the record as permanently invalid. It is skipped
	// and reported as a data-quality issue.
	ErrUnprocessable = sterrors.New("recordflow: unprocessable record")
)

// ConfigurationError reports an invalid setup. It is fatal at startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("recordflow: invalid configuration (%s): %v", e.Field, e.Err)
	}
	return fmt.Sprintf("recordflow: invalid configuration: %v", e.Err)
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err, returning nil when err is nil.
func NewConfigurationError(field string, err error) error {
	if err == nil {
		return nil
	}
	return ConfigurationError{Field: field, Err: err}
}

// CodecError reports a key or value that could not be decoded. Records that
// fail decoding are skipped, never retried.
type CodecError struct {
	Topic     string
	Partition int32
	Offset    int64
	// Part is "key" or "value".
	Part string
	Err  error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("recordflow: cannot decode %s of %s[%d]@%d: %v", e.Part, e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// HandlerFailure wraps a business-logic error returned by a handler.
type HandlerFailure struct {
	Processor string
	Err       error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("recordflow: handler of processor %q failed: %v", e.Processor, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// InfrastructureError reports a broker-side failure such as an unreachable
// cluster or a rejected commit.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("recordflow: broker %s failed: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ShutdownTimeoutError is returned when a processor did not drain before the
// shutdown deadline. Unflushed describes what was left behind.
type ShutdownTimeoutError struct {
	Processor string
	Timeout   time.Duration
	Unflushed string
}

func (e *ShutdownTimeoutError) Error() string {
	msg := fmt.Sprintf("recordflow: processor %q did not drain", e.Processor)
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" within %v", e.Timeout)
	}
	if e.Unflushed != "" {
		msg += " (" + e.Unflushed + ")"
	}
	return msg
}

// PermanentError marks a handler error as non-retryable.
type PermanentError struct {
	Err error
}

// NonRetryable wraps err so the record is skipped instead of retried.
func NonRetryable(err error) error {
	if err == nil {
		err = ErrUnprocessable
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return "recordflow: non-retryable: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// RetryAfterError asks for a retry after a specific delay instead of the
// policy delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter creates a RetryAfterError with the specified delay.
//
// Example:
//
//	return recordflow.RetryAfter(time.Minute, fmt.Errorf("rate limited"))
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("recordflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("recordflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for RetryAfterError.
func (e *RetryAfterError) Is(target error) bool {
	return target == ErrRetry
}

// Disposition is what the engine does with a record after an invocation.
type Disposition int

const (
	// DispositionCommit marks the record as successfully handled.
	DispositionCommit Disposition = iota
	// DispositionRetry schedules the record again using the retry policy.
	DispositionRetry
	// DispositionRetryAfter schedules the record again after an explicit delay.
	DispositionRetryAfter
	// DispositionSkip marks the record terminal without success.
	DispositionSkip
)

func (d Disposition) String() string {
	switch d {
	case DispositionCommit:
		return "commit"
	case DispositionRetry:
		return "retry"
	case DispositionRetryAfter:
		return "retry_after"
	case DispositionSkip:
		return "skip"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Classify determines the disposition for a handler error. Unknown errors are
// retried; codec failures and explicitly non-retryable errors are skipped.
func Classify(err error) (Disposition, time.Duration) {
	if err == nil {
		return DispositionCommit, 0
	}

	var retryAfter *RetryAfterError
	if sterrors.As(err, &retryAfter) {
		return DispositionRetryAfter, retryAfter.Delay
	}

	var permanent *PermanentError
	if sterrors.As(err, &permanent) {
		return DispositionSkip, 0
	}

	var codecErr *CodecError
	if sterrors.As(err, &codecErr) {
		return DispositionSkip, 0
	}

	if sterrors.Is(err, ErrSkip) || sterrors.Is(err, ErrUnprocessable) {
		return DispositionSkip, 0
	}

	return DispositionRetry, 0
}

// IsRetryable reports whether err leads to another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	d, _ := Classify(err)
	return d == DispositionRetry || d == DispositionRetryAfter
}
