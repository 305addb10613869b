package internal

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	grpcproto "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/mem"

	// registers the gzip compressor so that compressed requests that name
	// it in grpc-encoding can be decoded
	_ "google.golang.org/grpc/encoding/gzip"
)

// GetCodec returns the codec registered under the given name, adapting a
// CodecV2 when no v1 codec is registered. It returns nil if neither exists.
func GetCodec(name string) encoding.Codec {
	result := encoding.GetCodec(name)
	if result != nil {
		return result
	}
	resultv2 := encoding.GetCodecV2(name)
	if resultv2 == nil {
		return nil
	}
	return codecV2Adapter{resultv2}
}

// ProtoCodec returns the codec used for application/grpc+proto payloads.
func ProtoCodec() encoding.Codec {
	return GetCodec(grpcproto.Name)
}

type codecV2Adapter struct {
	v2 encoding.CodecV2
}

func (c codecV2Adapter) Marshal(v any) ([]byte, error) {
	buffers, err := c.v2.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer buffers.Free()
	return buffers.Materialize(), nil
}

func (c codecV2Adapter) Unmarshal(data []byte, v any) error {
	return c.v2.Unmarshal(mem.BufferSlice{mem.SliceBuffer(data)}, v)
}

func (c codecV2Adapter) Name() string {
	return c.v2.Name()
}

// Compressor returns the compressor registered for the given grpc-encoding
// value, or an error naming the encoding if none is.
func Compressor(name string) (encoding.Compressor, error) {
	if name == "" || name == "identity" {
		return nil, fmt.Errorf("message is compressed but no grpc-encoding was provided")
	}
	c := encoding.GetCompressor(name)
	if c == nil {
		return nil, fmt.Errorf("decompressor is not installed for grpc-encoding %q", name)
	}
	return c, nil
}
