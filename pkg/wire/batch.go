package wire

import (
	"github.com/densha/tradebridge/pkg/errors"
)

// Multicast datagrams pack binary messages into fixed 64-byte slots, each
// message zero-padded to its slot. CSV batches are plain concatenated lines.
const (
	BinaryBatchSlotSize = 64

	// Per-call ceilings. These bound tail latency for one batch, they are
	// not protocol limits.
	MaxBinaryBatchMessages = 64
	MaxCSVBatchLines       = 100
)

// DecodeBatch splits one fully-received buffer (typically a UDP datagram
// body) into individual messages. Each slot/line decodes independently:
// a batch can yield both messages and errors. Trailing bytes that cannot
// form a complete entry are reported as an error, never retained for a
// later call.
func DecodeBatch(buf []byte, format Format) ([]Message, []error) {
	if format == FormatAuto {
		detected, confidence := Detect(buf)
		if confidence == Confidence_Unknown {
			var first uint8
			if len(buf) > 0 {
				first = buf[0]
			}
			return nil, []error{&errors.UnknownFormat{FirstByte: first}}
		}
		format = detected
	}

	if format == FormatBinary {
		return decodeBinaryBatch(buf)
	}
	return decodeCSVBatch(buf)
}

func decodeBinaryBatch(buf []byte) ([]Message, []error) {
	var msgs []Message
	var errs []error

	// A short buffer is a single unpadded message, not a slot.
	if len(buf) > 0 && len(buf) < BinaryBatchSlotSize {
		msg, err := decodeBinary(buf)
		if err != nil {
			return nil, []error{err}
		}
		return []Message{msg}, nil
	}

	offset := 0
	for count := 0; count < MaxBinaryBatchMessages && len(buf)-offset >= BinaryBatchSlotSize; count++ {
		slot := buf[offset : offset+BinaryBatchSlotSize]
		msg, err := decodeBinary(slot)
		if err != nil {
			errs = append(errs, err)
		} else {
			msgs = append(msgs, msg)
		}
		offset += BinaryBatchSlotSize
	}

	if trailing := len(buf) - offset; trailing > 0 {
		errs = append(errs, &errors.TrailingBytes{Count: trailing})
	}
	return msgs, errs
}

func decodeCSVBatch(buf []byte) ([]Message, []error) {
	var msgs []Message
	var errs []error

	start := 0
	lines := 0
	for i := 0; i < len(buf) && lines < MaxCSVBatchLines; i++ {
		if buf[i] != '\n' {
			continue
		}
		line := buf[start : i+1]
		start = i + 1
		lines++

		if len(line) == 1 {
			continue // bare newline between messages
		}
		msg, err := decodeCSV(line)
		if err != nil {
			errs = append(errs, err)
		} else {
			msgs = append(msgs, msg)
		}
	}

	if trailing := len(buf) - start; trailing > 0 {
		errs = append(errs, &errors.TrailingBytes{Count: trailing})
	}
	return msgs, errs
}
