package errors

import "fmt"

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type UnknownMessageType struct {
	Format  string
	TypeTag string
}

func (e *UnknownMessageType) Error() string {
	return fmt.Sprintf("Unknown %s message type tag '%s'", e.Format, e.TypeTag)
}

type InvalidMagicByte struct {
	Expected uint8
	Actual   uint8
}

func (e *InvalidMagicByte) Error() string {
	return fmt.Sprintf("Invalid magic byte: expected 0x%02x, got 0x%02x", e.Expected, e.Actual)
}

type UnknownFormat struct {
	FirstByte uint8
}

func (e *UnknownFormat) Error() string {
	return fmt.Sprintf("Cannot detect wire format from leading byte 0x%02x", e.FirstByte)
}

type InvalidField struct {
	MessageName string
	FieldName   string
	Reason      string
}

func (e *InvalidField) Error() string {
	return fmt.Sprintf("Invalid field %s in message type %s: %s", e.FieldName, e.MessageName, e.Reason)
}

type LineMalformed struct {
	Reason string
	Length int
}

func (e *LineMalformed) Error() string {
	return fmt.Sprintf("Malformed CSV line (%d bytes): %s", e.Length, e.Reason)
}

type FrameTooLarge struct {
	DeclaredSize int
	MaxSize      int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Declared frame length %d exceeds sanity maximum %d - discarding pending buffer", e.DeclaredSize, e.MaxSize)
}

type TableFull struct {
	Capacity int
}

func (e *TableFull) Error() string {
	return fmt.Sprintf("Client table is full (capacity %d)", e.Capacity)
}

type QueueFull struct {
	Capacity int
}

func (e *QueueFull) Error() string {
	return fmt.Sprintf("Outbound queue is full (capacity %d)", e.Capacity)
}

type RegistryFull struct {
	RegistryName string
	Capacity     int
}

func (e *RegistryFull) Error() string {
	return fmt.Sprintf("Handler registry '%s' is full (capacity %d)", e.RegistryName, e.Capacity)
}

type TrailingBytes struct {
	Count int
}

func (e *TrailingBytes) Error() string {
	return fmt.Sprintf("%d trailing bytes cannot form a complete message - discarded", e.Count)
}
