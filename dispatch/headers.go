package dispatch

import (
	"encoding/base64"
	"strconv"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/grpcexport/internal"
)

const (
	contentTypeGrpc      = "application/grpc"
	contentTypeGrpcProto = "application/grpc+proto"
)

func validContentType(ct string) bool {
	return ct == contentTypeGrpc || ct == contentTypeGrpcProto
}

// responseHeaders returns the fields of the HEADERS frame that precedes the
// first response message. Responses are always protobuf, whichever of the
// accepted content types the request used.
func responseHeaders(md metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentTypeGrpcProto},
		{Name: "grpc-accept-encoding", Value: "gzip"},
	}
	return internal.AppendMetadataFields(fields, md)
}

// statusFields appends the fields that carry st to a trailer block.
func statusFields(fields []hpack.HeaderField, st *status.Status) []hpack.HeaderField {
	fields = append(fields, hpack.HeaderField{Name: "grpc-status", Value: strconv.Itoa(int(st.Code()))})
	if msg := st.Message(); msg != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: internal.EncodeGrpcMessage(msg)})
	}
	if p := st.Proto(); len(p.GetDetails()) > 0 {
		if b, err := proto.Marshal(p); err == nil {
			fields = append(fields, hpack.HeaderField{Name: "grpc-status-details-bin", Value: base64.RawStdEncoding.EncodeToString(b)})
		}
	}
	return fields
}

// trailers returns the closing block of a stream whose headers were already
// written.
func trailers(st *status.Status, md metadata.MD) []hpack.HeaderField {
	fields := statusFields(nil, st)
	return internal.AppendMetadataFields(fields, md)
}

// trailersOnly returns the single block that both opens and closes a stream
// that never sent a message.
func trailersOnly(st *status.Status, hdr, tlr metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentTypeGrpcProto},
	}
	fields = statusFields(fields, st)
	fields = internal.AppendMetadataFields(fields, hdr)
	return internal.AppendMetadataFields(fields, tlr)
}

// headerValue returns the value of the first field with the given name.
func headerValue(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
