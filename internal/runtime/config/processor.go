package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
)

// ProcessingOrder controls which buffered records may be dispatched
// concurrently.
type ProcessingOrder string

const (
	// OrderPartition processes records of a partition strictly in offset order.
	OrderPartition ProcessingOrder = "PARTITION"
	// OrderKey processes records sharing a key in offset order.
	OrderKey ProcessingOrder = "KEY"
	// OrderUnordered processes records in any order.
	OrderUnordered ProcessingOrder = "UNORDERED"
)

// ParseProcessingOrder parses an ordering mode, ignoring case.
func ParseProcessingOrder(value string) (ProcessingOrder, error) {
	switch ProcessingOrder(strings.ToUpper(strings.TrimSpace(value))) {
	case OrderPartition:
		return OrderPartition, nil
	case OrderKey:
		return OrderKey, nil
	case OrderUnordered:
		return OrderUnordered, nil
	default:
		return "", fmt.Errorf("unknown processing order %q", value)
	}
}

// Property namespace and key names.
const (
	PropertyPrefix = "kafka.processor."

	KeyMaxBatchSize             = "max.batch.size"
	KeyMaxConcurrency           = "max.concurrency"
	KeyProcessingOrder          = "processing.order"
	KeyRetryInitialDelayMs      = "retry.initial.delay.ms"
	KeyRetryMultiplier          = "retry.multiplier"
	KeyRetryRandomizationFactor = "retry.randomization.factor"
	KeyRetryMaxDelayMs          = "retry.max.delay.ms"
	KeyRetryMaxAttempts         = "retry.max.attempts"
	KeyBufferSize               = "buffer.size"
	KeyPollTimeoutMs            = "poll.timeout.ms"
	ConsumerPrefix              = "consumer."
)

// Processor defaults.
const (
	DefaultMaxBatchSize             = 10
	DefaultMaxConcurrency           = 3
	DefaultOrder                    = OrderPartition
	DefaultRetryInitialDelay        = time.Second
	DefaultRetryMultiplier          = 1.0
	DefaultRetryRandomizationFactor = 0.3
	DefaultRetryMaxDelay            = time.Minute
	DefaultBufferSize               = 500
	DefaultPollTimeout              = 500 * time.Millisecond
)

// RetryConfig drives the delay between attempts of a failed record.
type RetryConfig struct {
	InitialDelay        time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxDelay            time.Duration
	// MaxAttempts bounds the attempts of one record. Zero retries forever.
	MaxAttempts uint
}

// ProcessorConfig is the typed, per-processor tuning.
type ProcessorConfig struct {
	MaxBatchSize   int
	MaxConcurrency int
	Order          ProcessingOrder
	Retry          RetryConfig
	// BufferSize bounds the records held in memory per processor.
	BufferSize int
	// PollTimeout bounds a single broker poll.
	PollTimeout time.Duration
	// Consumer holds pass-through broker client properties.
	Consumer map[string]string
}

// DefaultProcessorConfig returns the configuration used for missing keys.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxBatchSize:   DefaultMaxBatchSize,
		MaxConcurrency: DefaultMaxConcurrency,
		Order:          DefaultOrder,
		Retry: RetryConfig{
			InitialDelay:        DefaultRetryInitialDelay,
			Multiplier:          DefaultRetryMultiplier,
			RandomizationFactor: DefaultRetryRandomizationFactor,
			MaxDelay:            DefaultRetryMaxDelay,
		},
		BufferSize:  DefaultBufferSize,
		PollTimeout: DefaultPollTimeout,
	}
}

// Validate reports every out-of-range field, joined.
func (c ProcessorConfig) Validate() error {
	var errs []error
	if c.MaxBatchSize < 1 {
		errs = append(errs, errspkg.NewConfigurationError(KeyMaxBatchSize, fmt.Errorf("must be at least 1, got %d", c.MaxBatchSize)))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, errspkg.NewConfigurationError(KeyMaxConcurrency, fmt.Errorf("must be at least 1, got %d", c.MaxConcurrency)))
	}
	if _, err := ParseProcessingOrder(string(c.Order)); err != nil {
		errs = append(errs, errspkg.NewConfigurationError(KeyProcessingOrder, err))
	}
	if c.BufferSize < 1 {
		errs = append(errs, errspkg.NewConfigurationError(KeyBufferSize, fmt.Errorf("must be at least 1, got %d", c.BufferSize)))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errspkg.NewConfigurationError(KeyPollTimeoutMs, fmt.Errorf("must be positive, got %v", c.PollTimeout)))
	}
	errs = append(errs, c.Retry.validate()...)
	return errors.Join(errs...)
}

func (r RetryConfig) validate() []error {
	var errs []error
	if r.InitialDelay < 0 {
		errs = append(errs, errspkg.NewConfigurationError(KeyRetryInitialDelayMs, fmt.Errorf("cannot be negative, got %v", r.InitialDelay)))
	}
	if r.MaxDelay < 0 {
		errs = append(errs, errspkg.NewConfigurationError(KeyRetryMaxDelayMs, fmt.Errorf("cannot be negative, got %v", r.MaxDelay)))
	}
	if r.InitialDelay > r.MaxDelay {
		errs = append(errs, errspkg.NewConfigurationError(KeyRetryInitialDelayMs, fmt.Errorf("%v exceeds max delay %v", r.InitialDelay, r.MaxDelay)))
	}
	if math.IsNaN(r.Multiplier) || math.IsInf(r.Multiplier, 0) || r.Multiplier < 1 {
		errs = append(errs, errspkg.NewConfigurationError(KeyRetryMultiplier, fmt.Errorf("must be at least 1, got %v", r.Multiplier)))
	}
	if math.IsNaN(r.RandomizationFactor) || r.RandomizationFactor < 0 || r.RandomizationFactor >= 1 {
		errs = append(errs, errspkg.NewConfigurationError(KeyRetryRandomizationFactor, fmt.Errorf("must be in [0, 1), got %v", r.RandomizationFactor)))
	}
	return errs
}

// ParseProcessorProperties reads the "kafka.processor.<name>." namespace of
// props on top of DefaultProcessorConfig. Keys inside the namespace that are
// not recognised are returned sorted so the caller can log them. Values that
// do not parse, and a resulting configuration that does not validate, yield a
// ConfigurationError.
func ParseProcessorProperties(name string, props map[string]string) (ProcessorConfig, []string, error) {
	cfg := DefaultProcessorConfig()
	prefix := PropertyPrefix + name + "."

	var (
		unknown []string
		errs    []error
	)
	for fullKey, raw := range props {
		if !strings.HasPrefix(fullKey, prefix) {
			continue
		}
		key := strings.TrimPrefix(fullKey, prefix)
		value := strings.TrimSpace(raw)

		if strings.HasPrefix(key, ConsumerPrefix) {
			if cfg.Consumer == nil {
				cfg.Consumer = make(map[string]string)
			}
			cfg.Consumer[strings.TrimPrefix(key, ConsumerPrefix)] = value
			continue
		}

		var err error
		switch key {
		case KeyMaxBatchSize:
			cfg.MaxBatchSize, err = strconv.Atoi(value)
		case KeyMaxConcurrency:
			cfg.MaxConcurrency, err = strconv.Atoi(value)
		case KeyProcessingOrder:
			cfg.Order, err = ParseProcessingOrder(value)
		case KeyRetryInitialDelayMs:
			cfg.Retry.InitialDelay, err = parseMillis(value)
		case KeyRetryMultiplier:
			cfg.Retry.Multiplier, err = strconv.ParseFloat(value, 64)
		case KeyRetryRandomizationFactor:
			cfg.Retry.RandomizationFactor, err = strconv.ParseFloat(value, 64)
		case KeyRetryMaxDelayMs:
			cfg.Retry.MaxDelay, err = parseMillis(value)
		case KeyRetryMaxAttempts:
			var n uint64
			n, err = strconv.ParseUint(value, 10, 32)
			cfg.Retry.MaxAttempts = uint(n)
		case KeyBufferSize:
			cfg.BufferSize, err = strconv.Atoi(value)
		case KeyPollTimeoutMs:
			cfg.PollTimeout, err = parseMillis(value)
		default:
			unknown = append(unknown, fullKey)
			continue
		}
		if err != nil {
			errs = append(errs, errspkg.NewConfigurationError(fullKey, err))
		}
	}
	sort.Strings(unknown)

	if len(errs) > 0 {
		return cfg, unknown, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, unknown, err
	}
	return cfg, unknown, nil
}

func parseMillis(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("cannot be negative, got %d", ms)
	}
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("out of range: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
