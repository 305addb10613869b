// Package framing splits length-prefixed gRPC messages out of a stream of
// HTTP/2 DATA payloads and builds the same prefix for outbound messages.
//
// Every gRPC message on the wire looks like this:
//
//	[1 byte: compressed flag (0|1)] [4 bytes big-endian: length N] [N bytes: payload]
//
// A single DATA frame may carry several messages, and a single message may be
// spread over any number of DATA frames. A Splitter keeps whatever part of a
// message has not been completed yet and resumes when more bytes arrive.
package framing

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

const (
	// PrefixSize is the size of the header that precedes every message.
	PrefixSize = 5

	// DefaultMaxMessageSize is the largest declared length a Splitter accepts
	// when no other limit is configured.
	DefaultMaxMessageSize = 100 * 1024 * 1024 // 100mb
)

// Message is a gRPC message that is either complete or still being assembled
// from successive DATA payloads.
type Message struct {
	// Payload holds the bytes received so far. Once the message is complete,
	// it holds exactly DeclaredLength bytes.
	Payload []byte
	// DeclaredLength is the length from the message prefix.
	DeclaredLength uint32
	// Compressed reports whether the compressed flag was set in the prefix.
	Compressed bool
	// RemoteAddr is the address of the peer that sent the message. It is only
	// used for diagnostics.
	RemoteAddr net.Addr
}

// IsComplete returns true once all of the declared bytes have been received.
func (m *Message) IsComplete() bool {
	return uint64(len(m.Payload)) >= uint64(m.DeclaredLength)
}

// Append adds bytes to the payload of an incomplete message. It never grows
// the payload past the declared length and returns the number of bytes of p
// that were consumed.
func (m *Message) Append(p []byte) int {
	need := int(m.DeclaredLength) - len(m.Payload)
	if need <= 0 {
		return 0
	}
	if len(p) > need {
		p = p[:need]
	}
	m.Payload = append(m.Payload, p...)
	return len(p)
}

// Remaining returns the number of payload bytes still missing.
func (m *Message) Remaining() int {
	if n := int(m.DeclaredLength) - len(m.Payload); n > 0 {
		return n
	}
	return 0
}

func (m *Message) String() string {
	return fmt.Sprintf("grpc message (%d/%d bytes, compressed=%v)", len(m.Payload), m.DeclaredLength, m.Compressed)
}

// AppendPrefix appends the 5-byte message prefix for a payload of size n to
// dst and returns the extended slice.
func AppendPrefix(dst []byte, compressed bool, n int) []byte {
	var hdr [PrefixSize]byte
	if compressed {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:], uint32(n))
	return append(dst, hdr[:]...)
}

// Encode returns the wire form of a single message: the prefix followed by the
// payload.
func Encode(payload []byte, compressed bool) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("message too large to send: %d bytes", len(payload))
	}
	b := make([]byte, 0, PrefixSize+len(payload))
	b = AppendPrefix(b, compressed, len(payload))
	return append(b, payload...), nil
}
