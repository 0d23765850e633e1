// Package wire implements the two on-wire message representations spoken by
// the backend engine: a fixed-layout binary form and a newline-terminated
// CSV form. Encode/decode are pure functions; format detection sniffs the
// leading byte. Nothing in this package performs I/O.
package wire

import (
	"github.com/densha/tradebridge/pkg/errors"
)

type Format uint8

const (
	FormatAuto Format = iota
	FormatBinary
	FormatCSV
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatCSV:
		return "csv"
	}
	return "auto"
}

type Confidence uint8

const (
	Confidence_Unknown Confidence = iota
	Confidence_Low
	Confidence_High
)

// Detect sniffs the wire format from the leading byte. Exact matches (the
// binary magic byte, a known CSV type letter) are high confidence; otherwise
// printable ASCII leans CSV and small control values lean binary, both low
// confidence. Anything else is unknown and decoding must fail rather than
// guess.
func Detect(buf []byte) (Format, Confidence) {
	if len(buf) == 0 {
		return FormatAuto, Confidence_Unknown
	}

	b := buf[0]
	if b == MagicByte {
		return FormatBinary, Confidence_High
	}
	if isCSVTypeLetter(b) {
		return FormatCSV, Confidence_High
	}
	if b >= 0x20 && b <= 0x7E {
		return FormatCSV, Confidence_Low
	}
	if b < 0x09 {
		return FormatBinary, Confidence_Low
	}
	return FormatAuto, Confidence_Unknown
}

// Encode serializes one message. FormatAuto is not a valid encode target.
func Encode(msg Message, format Format) ([]byte, error) {
	switch format {
	case FormatBinary:
		return encodeBinary(msg)
	case FormatCSV:
		return encodeCSV(msg)
	}
	return nil, &errors.UnknownFormat{FirstByte: uint8(format)}
}

// Decode parses exactly one message, sniffing the format when FormatAuto is
// given.
func Decode(buf []byte, format Format) (Message, error) {
	if format == FormatAuto {
		detected, confidence := Detect(buf)
		if confidence == Confidence_Unknown {
			var first uint8
			if len(buf) > 0 {
				first = buf[0]
			}
			return nil, &errors.UnknownFormat{FirstByte: first}
		}
		format = detected
	}

	if format == FormatBinary {
		return decodeBinary(buf)
	}
	return decodeCSV(buf)
}
