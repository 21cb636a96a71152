// Package codec converts record keys and values between bytes and typed
// values.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

// ErrProtoPointerRequired is returned when a protobuf codec is built for a
// non-pointer message type.
var ErrProtoPointerRequired = errors.New("recordflow: protobuf codec requires a pointer message type")

// Codec encodes and decodes values of type T. Implementations must be safe
// for concurrent use.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Funcs builds a Codec from two functions.
func Funcs[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return funcCodec[T]{encode: encode, decode: decode}
}

type funcCodec[T any] struct {
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

func (c funcCodec[T]) Encode(value T) ([]byte, error) { return c.encode(value) }
func (c funcCodec[T]) Decode(data []byte) (T, error)  { return c.decode(data) }

// String treats the bytes as UTF-8 text.
func String() Codec[string] {
	return stringCodec{}
}

type stringCodec struct{}

func (stringCodec) Encode(value string) ([]byte, error) { return []byte(value), nil }
func (stringCodec) Decode(data []byte) (string, error)  { return string(data), nil }

// Bytes passes the payload through untouched.
func Bytes() Codec[[]byte] {
	return bytesCodec{}
}

type bytesCodec struct{}

func (bytesCodec) Encode(value []byte) ([]byte, error) { return value, nil }
func (bytesCodec) Decode(data []byte) ([]byte, error)  { return data, nil }

// Int64 encodes integers as decimal text.
func Int64() Codec[int64] {
	return int64Codec{}
}

type int64Codec struct{}

func (int64Codec) Encode(value int64) ([]byte, error) {
	return strconv.AppendInt(nil, value, 10), nil
}

func (int64Codec) Decode(data []byte) (int64, error) {
	return strconv.ParseInt(string(data), 10, 64)
}

// JSON encodes values with sonic. Empty input decodes to the zero value so
// keyless records and tombstones do not fail.
func JSON[T any]() Codec[T] {
	return jsonCodec[T]{unmarshal: jsoncodec.Unmarshal}
}

// StrictJSON is JSON that rejects unknown fields.
func StrictJSON[T any]() Codec[T] {
	return jsonCodec[T]{unmarshal: jsoncodec.UnmarshalStrict}
}

type jsonCodec[T any] struct {
	unmarshal func([]byte, any) error
}

func (jsonCodec[T]) Encode(value T) ([]byte, error) {
	return jsoncodec.Marshal(value)
}

func (c jsonCodec[T]) Decode(data []byte) (T, error) {
	var value T
	if len(data) == 0 {
		return value, nil
	}
	if err := c.unmarshal(data, &value); err != nil {
		return value, err
	}
	return value, nil
}

// Proto encodes protobuf messages in the binary wire format. A nil payload
// decodes to a nil message, an empty one to an empty message.
func Proto[T proto.Message]() (Codec[T], error) {
	factory, err := protoFactory[T]()
	if err != nil {
		return nil, err
	}
	return protoCodec[T]{
		factory:   factory,
		marshal:   proto.Marshal,
		unmarshal: proto.Unmarshal,
	}, nil
}

// ProtoJSON encodes protobuf messages with protojson.
func ProtoJSON[T proto.Message]() (Codec[T], error) {
	factory, err := protoFactory[T]()
	if err != nil {
		return nil, err
	}
	unmarshal := protojson.UnmarshalOptions{DiscardUnknown: true}
	return protoCodec[T]{
		factory:   factory,
		marshal:   protojson.Marshal,
		unmarshal: unmarshal.Unmarshal,
	}, nil
}

// MustProto is Proto that panics on error.
func MustProto[T proto.Message]() Codec[T] {
	c, err := Proto[T]()
	if err != nil {
		panic(err)
	}
	return c
}

type protoCodec[T proto.Message] struct {
	factory   func() T
	marshal   func(proto.Message) ([]byte, error)
	unmarshal func([]byte, proto.Message) error
}

func (c protoCodec[T]) Encode(value T) ([]byte, error) {
	if isNilProto(value) {
		return nil, nil
	}
	return c.marshal(value)
}

func (c protoCodec[T]) Decode(data []byte) (T, error) {
	if data == nil {
		var zero T
		return zero, nil
	}
	msg := c.factory()
	if err := c.unmarshal(data, msg); err != nil {
		var zero T
		return zero, err
	}
	return msg, nil
}

func protoFactory[T proto.Message]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, ErrProtoPointerRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, ErrProtoPointerRequired
	}
	elem := typ.Elem()
	if _, ok := reflect.New(elem).Interface().(T); !ok {
		return nil, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
