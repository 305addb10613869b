package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
)

var (
	// ErrMessageTooLarge is returned when a message prefix declares a length
	// above the splitter's limit.
	ErrMessageTooLarge = errors.New("declared message length exceeds limit")

	// ErrBadCompressionFlag is returned when the first byte of a prefix is
	// neither 0 nor 1.
	ErrBadCompressionFlag = errors.New("invalid compressed flag in message prefix")
)

// Splitter extracts complete messages from the DATA payloads of one stream.
// Bytes of a message that has not been fully received are kept and the
// message is resumed by the next call to Split. A Splitter is not safe for
// concurrent use; it is meant to be driven by the goroutine that reads the
// stream.
type Splitter struct {
	maxSize    uint32
	remoteAddr net.Addr

	// hdr accumulates a prefix that arrived split across payloads.
	hdr    [PrefixSize]byte
	hdrLen int
	// cur is the one message currently under construction, if any.
	cur *Message
	err error
}

// NewSplitter returns a splitter for messages sent by the given peer. A
// maxSize of zero or less selects DefaultMaxMessageSize.
func NewSplitter(remoteAddr net.Addr, maxSize int) *Splitter {
	limit := uint32(DefaultMaxMessageSize)
	if maxSize > 0 {
		limit = math.MaxUint32
		if uint64(maxSize) < math.MaxUint32 {
			limit = uint32(maxSize)
		}
	}
	return &Splitter{maxSize: limit, remoteAddr: remoteAddr}
}

// Split consumes chunk and returns the messages it completes, in arrival
// order. The chunk is copied, so callers may reuse it once Split returns.
//
// Once Split has returned an error the splitter is broken: the framing of the
// rest of the stream can no longer be trusted, so every later call returns the
// same error.
func (s *Splitter) Split(chunk []byte) ([]*Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*Message
	for len(chunk) > 0 || (s.cur != nil && s.cur.IsComplete()) {
		if s.cur == nil {
			n := copy(s.hdr[s.hdrLen:], chunk)
			s.hdrLen += n
			chunk = chunk[n:]
			if s.hdrLen < PrefixSize {
				break
			}
			s.hdrLen = 0
			if s.hdr[0] > 1 {
				s.err = fmt.Errorf("%w: %d", ErrBadCompressionFlag, s.hdr[0])
				return out, s.err
			}
			length := binary.BigEndian.Uint32(s.hdr[1:])
			if length > s.maxSize {
				s.err = fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, s.maxSize)
				return out, s.err
			}
			capacity := int(length)
			if capacity > len(chunk) {
				// only reserve what we can see; large messages grow as
				// their fragments arrive
				capacity = len(chunk)
			}
			s.cur = &Message{
				Payload:        make([]byte, 0, capacity),
				DeclaredLength: length,
				Compressed:     s.hdr[0] == 1,
				RemoteAddr:     s.remoteAddr,
			}
		}
		chunk = chunk[s.cur.Append(chunk):]
		if !s.cur.IsComplete() {
			break
		}
		out = append(out, s.cur)
		s.cur = nil
	}
	return out, nil
}

// Partial returns the message under construction, or nil if the splitter is
// between messages. It is exposed for diagnostics; the returned message must
// not be modified.
func (s *Splitter) Partial() *Message {
	return s.cur
}

// Pending returns the number of buffered bytes that belong to a message that
// has not been completed yet, including a partially received prefix.
func (s *Splitter) Pending() int {
	n := s.hdrLen
	if s.cur != nil {
		n += PrefixSize + len(s.cur.Payload)
	}
	return n
}

// Reset drops any partially received message and clears a previous error.
func (s *Splitter) Reset() {
	s.hdrLen = 0
	s.cur = nil
	s.err = nil
}
