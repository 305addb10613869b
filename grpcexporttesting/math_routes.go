package grpcexporttesting

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpcexport"
	"github.com/fullstorydev/grpcexport/framing"
)

// MathServiceName is the service under which RegisterMathRoutes registers
// its endpoints.
const MathServiceName = "grpcexport.testing.Math"

// Int32Config decodes requests and encodes responses as
// google.protobuf.Int32Value messages.
var Int32Config = grpcexport.EndpointConfig{
	Decoder: grpcexport.ParameterDecoder(grpcexport.Parameter{Name: "value", Kind: grpcexport.KindInt32, Default: int32(0)}),
	Encoder: grpcexport.MustEncoder(int32(0)),
}

// RegisterMathRoutes registers one endpoint of every cardinality, all
// exchanging Int32Value messages:
//
//   - Double (unary) replies with twice the request; negative values fail
//     with INVALID_ARGUMENT.
//   - Sum (client streaming) replies with the sum of the requests once the
//     client half-closes.
//   - UntilNegative (client streaming) replies with the first negative value
//     right away, or with zero at the end of the stream.
//   - CountDown (server streaming) sends the request value down to 1.
//   - Echo (bidi streaming) sends v*10 and v*10+1 for every request v.
func RegisterMathRoutes(reg *grpcexport.Registry) {
	reg.HandleUnary(MathServiceName, "Double", Int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		v := req.Params["value"].(int32)
		if v < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "negative value %d", v)
		}
		return grpcexport.Reply(v * 2), nil
	})
	reg.RegisterStreamHandler(MathServiceName, "Sum", grpcexport.ClientStreaming, func() grpcexport.Strategy {
		return &sumStrategy{dec: Int32Config.Decoder}
	})
	reg.HandleClientStream(MathServiceName, "UntilNegative", Int32Config, func(ctx context.Context, req *grpcexport.Request) (*grpcexport.Response, error) {
		if req.End {
			return grpcexport.Reply(int32(0)), nil
		}
		if v := req.Params["value"].(int32); v < 0 {
			return grpcexport.Reply(v), nil
		}
		return grpcexport.Send(nil), nil
	})
	reg.HandleServerStream(MathServiceName, "CountDown", Int32Config, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		for i := req.Params["value"].(int32); i > 0; i-- {
			if err := send(grpcexport.Send(i)); err != nil {
				return err
			}
		}
		return nil
	})
	reg.HandleBidiStream(MathServiceName, "Echo", Int32Config, func(ctx context.Context, req *grpcexport.Request, send func(*grpcexport.Response) error) error {
		if req.End {
			return nil
		}
		v := req.Params["value"].(int32)
		if err := send(grpcexport.Send(v * 10)); err != nil {
			return err
		}
		return send(grpcexport.Send(v*10 + 1))
	})
}

// sumStrategy is a Strategy written against the low-level API: it keeps a
// running total per stream and answers when the stream ends.
type sumStrategy struct {
	dec grpcexport.RequestDecoder
	sum int32
}

func (s *sumStrategy) Handle(ctx context.Context, ev grpcexport.Event) (grpcexport.Out, error) {
	if ev.End {
		payload, err := Int32Config.Encoder.Encode(s.sum)
		if err != nil {
			return grpcexport.Out{}, status.Error(codes.Internal, err.Error())
		}
		return grpcexport.Single(nil, payload, true), nil
	}
	v, err := s.decode(ctx, ev.Message)
	if err != nil {
		return grpcexport.Out{}, err
	}
	s.sum += v
	return grpcexport.Nothing(nil), nil
}

func (s *sumStrategy) decode(ctx context.Context, m *framing.Message) (int32, error) {
	req, err := s.dec.Decode(m, grpcexport.DecodeConfig{Encoding: grpcexport.StreamFromContext(ctx).Encoding})
	if err != nil {
		return 0, err
	}
	if err := grpcexport.InsertDefaults(req, grpcexport.Parameter{Name: "value", Kind: grpcexport.KindInt32, Default: int32(0)}); err != nil {
		return 0, err
	}
	return req.Params["value"].(int32), nil
}
