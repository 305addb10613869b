package grpcexport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcexport/framing"
	"github.com/fullstorydev/grpcexport/internal"
)

// DecodeConfig carries the per-call settings a decoder needs.
type DecodeConfig struct {
	// FieldNumber is the field that holds a wrapped primitive request value.
	// Zero means 1.
	FieldNumber protowire.Number
	// Encoding names the compressor of compressed messages, taken from the
	// grpc-encoding request header.
	Encoding string
	// MaxSize bounds the decompressed size of a message. Zero means
	// framing.DefaultMaxMessageSize.
	MaxSize int
}

func (c DecodeConfig) fieldNumber() protowire.Number {
	if c.FieldNumber == 0 {
		return 1
	}
	return c.FieldNumber
}

// RequestDecoder turns a complete inbound message into a Request. Errors that
// do not carry a status are reported as InvalidArgument.
type RequestDecoder interface {
	Decode(msg *framing.Message, cfg DecodeConfig) (*Request, error)
}

// RequestDecoderFunc adapts a function to RequestDecoder.
type RequestDecoderFunc func(msg *framing.Message, cfg DecodeConfig) (*Request, error)

func (f RequestDecoderFunc) Decode(msg *framing.Message, cfg DecodeConfig) (*Request, error) {
	return f(msg, cfg)
}

// defaulter is implemented by decoders whose requests need defaults filled
// in before the handler sees them.
type defaulter interface {
	InsertDefaults(req *Request) error
}

// Payload returns the message bytes, decompressing them if the message is
// flagged as compressed.
func Payload(msg *framing.Message, cfg DecodeConfig) ([]byte, error) {
	if !msg.Compressed {
		return msg.Payload, nil
	}
	c, err := internal.Compressor(cfg.Encoding)
	if err != nil {
		return nil, status.Error(codes.Unimplemented, err.Error())
	}
	r, err := c.Decompress(bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to decompress the received message: %v", err)
	}
	limit := cfg.MaxSize
	if limit <= 0 {
		limit = framing.DefaultMaxMessageSize
	}
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to decompress the received message: %v", err)
	}
	if len(b) > limit {
		return nil, status.Errorf(codes.ResourceExhausted, "received message after decompression larger than max (%d)", limit)
	}
	return b, nil
}

// RawDecoder returns a decoder that only fills in Request.Payload.
func RawDecoder() RequestDecoder {
	return RequestDecoderFunc(func(msg *framing.Message, cfg DecodeConfig) (*Request, error) {
		b, err := Payload(msg, cfg)
		if err != nil {
			return nil, err
		}
		return &Request{Payload: b}, nil
	})
}

// ProtoDecoder returns a decoder that unmarshals each message into a new
// value from newMsg, using the registered gRPC proto codec.
func ProtoDecoder(newMsg func() proto.Message) RequestDecoder {
	codec := internal.ProtoCodec()
	return RequestDecoderFunc(func(msg *framing.Message, cfg DecodeConfig) (*Request, error) {
		b, err := Payload(msg, cfg)
		if err != nil {
			return nil, err
		}
		m := newMsg()
		if err := codec.Unmarshal(b, m); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return &Request{Message: m, Payload: b}, nil
	})
}

// Kind is the protobuf scalar type of a Parameter.
type Kind int

const (
	KindInt32 Kind = iota
	KindInt64
	KindUint32
	KindUint64
	KindSint32
	KindSint64
	KindBool
	KindFloat
	KindDouble
	KindString
	KindBytes
)

func (k Kind) wireType() protowire.Type {
	switch k {
	case KindFloat:
		return protowire.Fixed32Type
	case KindDouble:
		return protowire.Fixed64Type
	case KindString, KindBytes:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

// Parameter describes one named scalar field of a request message.
type Parameter struct {
	Name string
	// Number is the protobuf field number. Zero means the field number of
	// the DecodeConfig, so that a single wrapped value can be read.
	Number protowire.Number
	Kind   Kind
	// Default is used when the field is absent. It must have the Go type the
	// Kind decodes to.
	Default any
	// Required fields without a default fail the request when absent.
	Required bool
}

// ParameterDecoder returns a decoder that reads the given scalar fields into
// Request.Params. Unknown fields are skipped. When a field occurs more than
// once, the last occurrence wins.
func ParameterDecoder(params ...Parameter) RequestDecoder {
	return &parameterDecoder{params: params}
}

type parameterDecoder struct {
	params []Parameter
}

func (d *parameterDecoder) Decode(msg *framing.Message, cfg DecodeConfig) (*Request, error) {
	b, err := Payload(msg, cfg)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[protowire.Number]*Parameter, len(d.params))
	for i := range d.params {
		p := &d.params[i]
		num := p.Number
		if num == 0 {
			num = cfg.fieldNumber()
		}
		byNumber[num] = p
	}

	values := make(map[string]any, len(d.params))
	for buf := b; len(buf) > 0; {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", protowire.ParseError(n))
		}
		buf = buf[n:]
		p, ok := byNumber[num]
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}
		if typ != p.Kind.wireType() {
			return nil, status.Errorf(codes.InvalidArgument, "parameter %q: unexpected wire type %d", p.Name, typ)
		}
		v, n, err := consumeValue(p.Kind, buf)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "parameter %q: %v", p.Name, err)
		}
		buf = buf[n:]
		values[p.Name] = v
	}
	return &Request{Params: values, Payload: b}, nil
}

// InsertDefaults fills in absent parameters from their defaults. A required
// parameter that is absent and has no default fails with InvalidArgument.
func (d *parameterDecoder) InsertDefaults(req *Request) error {
	return InsertDefaults(req, d.params...)
}

// InsertDefaults fills in absent parameters of req from their defaults.
func InsertDefaults(req *Request, params ...Parameter) error {
	for _, p := range params {
		if _, ok := req.Params[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			if req.Params == nil {
				req.Params = map[string]any{}
			}
			req.Params[p.Name] = p.Default
			continue
		}
		if p.Required {
			return status.Errorf(codes.InvalidArgument, "missing required parameter %q", p.Name)
		}
	}
	return nil
}

func consumeValue(k Kind, b []byte) (any, int, error) {
	switch k.wireType() {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return math.Float32frombits(v), n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return math.Float64frombits(v), n, nil
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if k == KindString {
			if !utf8.Valid(v) {
				return nil, 0, errors.New("string is not valid UTF-8")
			}
			return string(v), n, nil
		}
		return append([]byte(nil), v...), n, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	switch k {
	case KindInt32:
		return int32(v), n, nil
	case KindInt64:
		return int64(v), n, nil
	case KindUint32:
		return uint32(v), n, nil
	case KindUint64:
		return v, n, nil
	case KindSint32:
		return int32(protowire.DecodeZigZag(v & math.MaxUint32)), n, nil
	case KindSint64:
		return protowire.DecodeZigZag(v), n, nil
	case KindBool:
		return protowire.DecodeBool(v), n, nil
	}
	return nil, 0, fmt.Errorf("unsupported kind %d", k)
}
