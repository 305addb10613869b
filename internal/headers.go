package internal

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/metadata"
)

// reservedHeaders are never copied between metadata and the header block;
// the transport owns them.
var reservedHeaders = map[string]struct{}{
	"accept-encoding":         {},
	"connection":              {},
	"content-type":            {},
	"content-length":          {},
	"keep-alive":              {},
	"te":                      {},
	"trailer":                 {},
	"transfer-encoding":       {},
	"upgrade":                 {},
	"grpc-encoding":           {},
	"grpc-accept-encoding":    {},
	"grpc-message":            {},
	"grpc-status":             {},
	"grpc-status-details-bin": {},
	"grpc-timeout":            {},
}

// IsReservedHeader reports whether the given lower-case header name is owned
// by the transport rather than by application metadata.
func IsReservedHeader(name string) bool {
	if strings.HasPrefix(name, ":") {
		return true
	}
	_, ok := reservedHeaders[name]
	return ok
}

// MetadataFromFields converts the decoded request header block into incoming
// metadata. Pseudo-headers and transport headers are skipped, "-bin" values
// are base64-decoded.
func MetadataFromFields(fields []hpack.HeaderField) (metadata.MD, error) {
	md := metadata.MD{}
	for _, f := range fields {
		k := strings.ToLower(f.Name)
		if IsReservedHeader(k) {
			continue
		}
		v := f.Value
		if strings.HasSuffix(k, "-bin") {
			vv, err := decodeBinHeader(v)
			if err != nil {
				return nil, fmt.Errorf("malformed binary metadata %q: %w", k, err)
			}
			v = string(vv)
		}
		md[k] = append(md[k], v)
	}
	return md, nil
}

// AppendMetadataFields appends the given metadata to a header block, base64
// encoding "-bin" values. Reserved keys are ignored.
func AppendMetadataFields(fields []hpack.HeaderField, md metadata.MD) []hpack.HeaderField {
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if IsReservedHeader(lowerK) {
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.RawStdEncoding.EncodeToString([]byte(v))
			}
			fields = append(fields, hpack.HeaderField{Name: lowerK, Value: v})
		}
	}
	return fields
}

func decodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		// Input was padded, or padding was not necessary.
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// ParseTimeout parses the value of a grpc-timeout header. See the "Timeout"
// component of requests in https://grpc.io/docs/guides/wire.html#requests.
func ParseTimeout(timeout string) (time.Duration, error) {
	if len(timeout) < 2 {
		return 0, fmt.Errorf("malformed grpc-timeout %q", timeout)
	}
	suffix := timeout[len(timeout)-1]
	timeoutVal, err := strconv.ParseInt(timeout[:len(timeout)-1], 10, 64)
	if err != nil || timeoutVal < 0 {
		return 0, fmt.Errorf("malformed grpc-timeout %q", timeout)
	}
	var unit time.Duration
	switch suffix {
	case 'H':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	case 'S':
		unit = time.Second
	case 'm':
		unit = time.Millisecond
	case 'u':
		unit = time.Microsecond
	case 'n':
		unit = time.Nanosecond
	default:
		return 0, fmt.Errorf("malformed grpc-timeout %q: unknown unit", timeout)
	}
	if timeoutVal > int64(1<<63-1)/int64(unit) {
		// clamp absurd values instead of overflowing
		return time.Duration(1<<63 - 1), nil
	}
	return time.Duration(timeoutVal) * unit, nil
}

const upperhex = "0123456789ABCDEF"

// EncodeGrpcMessage percent-encodes a status message for the grpc-message
// trailer: bytes outside printable ASCII and '%' itself are escaped.
func EncodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, string(utf8.RuneError))
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0xf])
	}
	return sb.String()
}
