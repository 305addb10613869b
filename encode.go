package grpcexport

import (
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Encoder serializes handler content into a protobuf payload. Whether the
// content is marshalled as a message or wrapped in a synthetic one-field
// message is decided when the Encoder is created, from the prototype.
type Encoder struct {
	typ   reflect.Type
	kind  reflect.Kind
	wrap  bool
	field protowire.Number
}

// EncoderOption customizes an Encoder.
type EncoderOption func(*Encoder)

// WithFieldNumber sets the field number used when wrapping primitive content.
// The default is 1, the value field of the well-known wrapper types.
func WithFieldNumber(n protowire.Number) EncoderOption {
	return func(e *Encoder) {
		e.field = n
	}
}

// NewEncoder returns an encoder for content of the prototype's type. Proto
// messages are marshalled as they are. Integers, booleans, floats, strings
// and byte slices are written as the single field of a wrapper message, and
// the field is emitted even when it holds the zero value.
func NewEncoder(prototype any, opts ...EncoderOption) (*Encoder, error) {
	if prototype == nil {
		return nil, fmt.Errorf("encoder prototype must not be nil")
	}
	e := &Encoder{typ: reflect.TypeOf(prototype), field: 1}
	for _, opt := range opts {
		opt(e)
	}
	if !e.field.IsValid() {
		return nil, fmt.Errorf("invalid field number %d", e.field)
	}
	if e.typ.Implements(protoMessageType) {
		return e, nil
	}
	e.kind = e.typ.Kind()
	switch e.kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Bool, reflect.Float32, reflect.Float64, reflect.String:
	case reflect.Slice:
		if e.typ.Elem().Kind() != reflect.Uint8 {
			return nil, fmt.Errorf("unsupported content type %v", e.typ)
		}
	default:
		return nil, fmt.Errorf("unsupported content type %v", e.typ)
	}
	e.wrap = true
	return e, nil
}

// MustEncoder is like NewEncoder but panics on error. It is meant for
// package-level registration code.
func MustEncoder(prototype any, opts ...EncoderOption) *Encoder {
	e, err := NewEncoder(prototype, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Wraps reports whether content is written as a wrapped primitive.
func (e *Encoder) Wraps() bool {
	return e.wrap
}

// Encode serializes content. Nil content yields an empty payload.
func (e *Encoder) Encode(content any) ([]byte, error) {
	if content == nil {
		return []byte{}, nil
	}
	if !e.wrap {
		m, ok := content.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("content of type %T is not a proto message", content)
		}
		return proto.Marshal(m)
	}
	v := reflect.ValueOf(content)
	if v.Kind() != e.kind {
		return nil, fmt.Errorf("content of type %T does not match encoder type %v", content, e.typ)
	}
	return appendScalar(nil, e.field, v), nil
}

func appendScalar(b []byte, num protowire.Number, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, v.Uint())
	case reflect.Bool:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v.Bool()))
	case reflect.Float32:
		b = protowire.AppendTag(b, num, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(v.Float()))
	case reflect.String:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendString(b, v.String())
	default:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, v.Bytes())
	}
}
