package recordflow

import (
	runtimepkg "github.com/drblury/recordflow/internal/runtime"
	codecpkg "github.com/drblury/recordflow/internal/runtime/codec"
	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	enginepkg "github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/recordflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config          = configpkg.Config
	ProcessorConfig = configpkg.ProcessorConfig
	RetryConfig     = configpkg.RetryConfig
	ProcessingOrder = configpkg.ProcessingOrder

	Manager             = runtimepkg.Manager
	ManagerDependencies = runtimepkg.ManagerDependencies

	Topic[K, V any]                      = runtimepkg.Topic[K, V]
	Record[K, V any]                     = runtimepkg.Record[K, V]
	Handler[K, V any]                    = runtimepkg.Handler[K, V]
	BatchHandler[K, V any]               = runtimepkg.BatchHandler[K, V]
	ProcessorRegistration[K, V any]      = runtimepkg.ProcessorRegistration[K, V]
	BatchProcessorRegistration[K, V any] = runtimepkg.BatchProcessorRegistration[K, V]
	Codec[T any]                         = codecpkg.Codec[T]

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	Invocation             = runtimepkg.Invocation
	InvokeFunc             = runtimepkg.InvokeFunc

	Headers = metadatapkg.Headers
	Header  = metadatapkg.Header

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ProcessorInfo   = runtimepkg.ProcessorInfo
	ProcessorStats  = runtimepkg.ProcessorStats
	ProcessorState  = enginepkg.State
	HealthStatus    = runtimepkg.HealthStatus
	HealthReport    = runtimepkg.HealthReport
	ProcessorHealth = runtimepkg.ProcessorHealth

	PrometheusReporter = runtimepkg.PrometheusReporter
	Reporter           = enginepkg.Reporter

	// Record lifecycle hooks
	RecordContext = runtimepkg.RecordContext
	RecordHooks   = runtimepkg.RecordHooks

	// Error classification
	ErrorClassifier      = runtimepkg.ErrorClassifier
	ErrorCategory        = runtimepkg.ErrorCategory
	ConfigurationError   = errspkg.ConfigurationError
	CodecError           = errspkg.CodecError
	HandlerFailure       = errspkg.HandlerFailure
	InfrastructureError  = errspkg.InfrastructureError
	ShutdownTimeoutError = errspkg.ShutdownTimeoutError
	PermanentError       = errspkg.PermanentError
	RetryAfterError      = errspkg.RetryAfterError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportClient       = transport.Client
	TransportRecord       = transport.Record
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewManager     = runtimepkg.NewManager
	TryNewManager  = runtimepkg.TryNewManager
	ValidateConfig = configpkg.ValidateConfig

	DefaultProcessorConfig   = configpkg.DefaultProcessorConfig
	ParseProcessorProperties = configpkg.ParseProcessorProperties
	ParseProcessingOrder     = configpkg.ParseProcessingOrder
	NewPrometheusReporter    = runtimepkg.NewPrometheusReporter

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogRecordsMiddleware    = runtimepkg.LogRecordsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Record lifecycle hooks
	RecordHooksMiddleware = runtimepkg.RecordHooksMiddleware
	LoggingHooks          = runtimepkg.LoggingHooks
	MetricsHooks          = runtimepkg.MetricsHooks
	AlertingHooks         = runtimepkg.AlertingHooks

	StringCodec = codecpkg.String
	BytesCodec  = codecpkg.Bytes
	Int64Codec  = codecpkg.Int64

	NonRetryable = errspkg.NonRetryable
	RetryAfter   = errspkg.RetryAfter
	IsRetryable  = errspkg.IsRetryable

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrManagerRequired       = errspkg.ErrManagerRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrProcessorNameRequired = errspkg.ErrProcessorNameRequired
	ErrTopicNameRequired     = errspkg.ErrTopicNameRequired
	ErrKeyCodecRequired      = errspkg.ErrKeyCodecRequired
	ErrValueCodecRequired    = errspkg.ErrValueCodecRequired
	ErrProcessorExists       = errspkg.ErrProcessorExists
	ErrManagerStarted        = errspkg.ErrManagerStarted
	ErrManagerClosed         = errspkg.ErrManagerClosed
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired

	// Handler outcome errors
	ErrRetry         = errspkg.ErrRetry
	ErrSkip          = errspkg.ErrSkip
	ErrUnprocessable = errspkg.ErrUnprocessable

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewHeaders = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Processing orders accepted by the "kafka.processor.processing.order" property.
const (
	OrderPartition = configpkg.OrderPartition
	OrderKey       = configpkg.OrderKey
	OrderUnordered = configpkg.OrderUnordered
)

// Processor property keys, relative to PropertyPrefix.
const (
	PropertyPrefix              = configpkg.PropertyPrefix
	KeyMaxBatchSize             = configpkg.KeyMaxBatchSize
	KeyMaxConcurrency           = configpkg.KeyMaxConcurrency
	KeyProcessingOrder          = configpkg.KeyProcessingOrder
	KeyRetryInitialDelayMs      = configpkg.KeyRetryInitialDelayMs
	KeyRetryMultiplier          = configpkg.KeyRetryMultiplier
	KeyRetryRandomizationFactor = configpkg.KeyRetryRandomizationFactor
	KeyRetryMaxDelayMs          = configpkg.KeyRetryMaxDelayMs
	KeyRetryMaxAttempts         = configpkg.KeyRetryMaxAttempts
	KeyBufferSize               = configpkg.KeyBufferSize
	KeyPollTimeoutMs            = configpkg.KeyPollTimeoutMs
)

const (
	StateNew      = enginepkg.StateNew
	StateRunning  = enginepkg.StateRunning
	StateDraining = enginepkg.StateDraining
	StateClosed   = enginepkg.StateClosed
	StateFailed   = enginepkg.StateFailed

	HealthUp   = runtimepkg.HealthUp
	HealthDown = runtimepkg.HealthDown

	CorrelationIDHeader = runtimepkg.CorrelationIDHeader
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func Describe[K, V any](name string, keyCodec Codec[K], valueCodec Codec[V]) (Topic[K, V], error) {
	return runtimepkg.Describe(name, keyCodec, valueCodec)
}

func MustDescribe[K, V any](name string, keyCodec Codec[K], valueCodec Codec[V]) Topic[K, V] {
	return runtimepkg.MustDescribe(name, keyCodec, valueCodec)
}

func RegisterProcessor[K, V any](m *Manager, reg ProcessorRegistration[K, V]) error {
	return runtimepkg.RegisterProcessor(m, reg)
}

func RegisterBatchProcessor[K, V any](m *Manager, reg BatchProcessorRegistration[K, V]) error {
	return runtimepkg.RegisterBatchProcessor(m, reg)
}

// JSONCodec encodes values with sonic; empty input decodes to the zero value.
func JSONCodec[T any]() Codec[T] {
	return codecpkg.JSON[T]()
}

// StrictJSONCodec is JSONCodec that rejects unknown fields.
func StrictJSONCodec[T any]() Codec[T] {
	return codecpkg.StrictJSON[T]()
}

func ProtoCodec[T proto.Message]() (Codec[T], error) {
	return codecpkg.Proto[T]()
}

func MustProtoCodec[T proto.Message]() Codec[T] {
	return codecpkg.MustProto[T]()
}

func CodecFuncs[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return codecpkg.Funcs(encode, decode)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
