package runtime

import (
	"errors"
	"strings"
	"time"

	"github.com/drblury/recordflow/internal/runtime/codec"
	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/metadata"
)

// Topic names a topic and the codecs of its keys and values. It is immutable
// and may be shared by any number of processors.
type Topic[K, V any] struct {
	Name       string
	KeyCodec   codec.Codec[K]
	ValueCodec codec.Codec[V]
}

// Describe builds a validated Topic.
func Describe[K, V any](name string, keyCodec codec.Codec[K], valueCodec codec.Codec[V]) (Topic[K, V], error) {
	t := Topic[K, V]{Name: name, KeyCodec: keyCodec, ValueCodec: valueCodec}
	if err := t.Validate(); err != nil {
		return Topic[K, V]{}, err
	}
	return t, nil
}

// MustDescribe is Describe that panics on error.
func MustDescribe[K, V any](name string, keyCodec codec.Codec[K], valueCodec codec.Codec[V]) Topic[K, V] {
	t, err := Describe(name, keyCodec, valueCodec)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate reports a blank name and missing codecs.
func (t Topic[K, V]) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errspkg.NewConfigurationError("topic.name", errspkg.ErrTopicNameRequired))
	}
	if t.KeyCodec == nil {
		errs = append(errs, errspkg.NewConfigurationError("topic.key_codec", errspkg.ErrKeyCodecRequired))
	}
	if t.ValueCodec == nil {
		errs = append(errs, errspkg.NewConfigurationError("topic.value_codec", errspkg.ErrValueCodecRequired))
	}
	return errors.Join(errs...)
}

// Record is a decoded record handed to a handler.
type Record[K, V any] struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       K
	Value     V
	Headers   metadata.Headers
	Timestamp time.Time
	// Attempt is 1 on first delivery and grows with every retry.
	Attempt uint
}

// decode turns a buffered item into a typed record. A record without a key
// gets the zero K without consulting the key codec.
func (t Topic[K, V]) decode(item engine.Item) (Record[K, V], error) {
	raw := item.Record
	rec := Record[K, V]{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Headers:   raw.Headers,
		Timestamp: raw.Timestamp,
		Attempt:   item.Attempt,
	}
	if rec.Topic == "" {
		rec.Topic = t.Name
	}
	if len(raw.Key) > 0 {
		key, err := t.KeyCodec.Decode(raw.Key)
		if err != nil {
			return rec, t.codecError(raw.Partition, raw.Offset, "key", err)
		}
		rec.Key = key
	}
	value, err := t.ValueCodec.Decode(raw.Value)
	if err != nil {
		return rec, t.codecError(raw.Partition, raw.Offset, "value", err)
	}
	rec.Value = value
	return rec, nil
}

func (t Topic[K, V]) codecError(partition int32, offset int64, part string, err error) error {
	return &errspkg.CodecError{
		Topic:     t.Name,
		Partition: partition,
		Offset:    offset,
		Part:      part,
		Err:       err,
	}
}
