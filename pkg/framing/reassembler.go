// Package framing turns the backend TCP byte stream into discrete
// length-prefixed frames and back. It knows nothing about what the payload
// bytes mean.
package framing

import (
	"encoding/binary"

	"github.com/densha/tradebridge/pkg/errors"
)

const (
	PrefixSize = 4

	// DefaultMaxFrameSize is the sanity cap on a declared payload length. A
	// declared length above the cap invalidates the entire pending buffer,
	// not just the offending frame - the stream is presumed corrupt and
	// resynchronizes from the next bytes fed.
	DefaultMaxFrameSize = 1 << 20

	// DefaultMaxFramesPerFeed bounds the work done in a single Feed call.
	// Leftover complete frames stay buffered for the next call. A latency
	// bound, not a protocol rule.
	DefaultMaxFramesPerFeed = 100
)

type Reassembler struct {
	// ByteOrder of the 4-byte length prefix, as negotiated with the
	// backend. Defaults to big-endian.
	ByteOrder        binary.ByteOrder
	MaxFrameSize     int
	MaxFramesPerFeed int

	buf []byte
}

func CreateReassembler() *Reassembler {
	return &Reassembler{
		ByteOrder:        binary.BigEndian,
		MaxFrameSize:     DefaultMaxFrameSize,
		MaxFramesPerFeed: DefaultMaxFramesPerFeed,
	}
}

// Feed appends bytes to the pending buffer and extracts every complete
// frame available, up to MaxFramesPerFeed. Payloads are returned in stream
// order. On an oversized declared length the pending buffer is discarded
// and any payloads extracted earlier in the same call are returned with the
// error.
func (r *Reassembler) Feed(b []byte) ([][]byte, error) {
	r.buf = append(r.buf, b...)

	var payloads [][]byte
	for i := 0; i < r.maxFramesPerFeed(); i++ {
		if len(r.buf) < PrefixSize {
			break
		}

		declared := int(r.byteOrder().Uint32(r.buf[:PrefixSize]))
		if declared > r.maxFrameSize() {
			r.buf = nil
			return payloads, &errors.FrameTooLarge{
				DeclaredSize: declared,
				MaxSize:      r.maxFrameSize(),
			}
		}

		if len(r.buf) < PrefixSize+declared {
			break
		}

		payload := make([]byte, declared)
		copy(payload, r.buf[PrefixSize:PrefixSize+declared])
		r.buf = r.buf[PrefixSize+declared:]
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

// PendingBytes reports how much undelivered data is buffered.
func (r *Reassembler) PendingBytes() int {
	return len(r.buf)
}

// Reset drops the pending buffer, for use when the underlying connection is
// replaced.
func (r *Reassembler) Reset() {
	r.buf = nil
}

// AppendFrame appends the length prefix and payload to dst and returns the
// extended slice.
func (r *Reassembler) AppendFrame(dst []byte, payload []byte) []byte {
	var prefix [PrefixSize]byte
	r.byteOrder().PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

func (r *Reassembler) byteOrder() binary.ByteOrder {
	if r.ByteOrder == nil {
		return binary.BigEndian
	}
	return r.ByteOrder
}

func (r *Reassembler) maxFrameSize() int {
	if r.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return r.MaxFrameSize
}

func (r *Reassembler) maxFramesPerFeed() int {
	if r.MaxFramesPerFeed <= 0 {
		return DefaultMaxFramesPerFeed
	}
	return r.MaxFramesPerFeed
}
