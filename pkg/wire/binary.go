package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/densha/tradebridge/pkg/errors"
)

// MagicByte opens every binary-encoded message, followed by a 1-byte type
// id. All multi-byte integers are big-endian.
const MagicByte uint8 = 0xA5

const (
	binaryType_NewOrder  uint8 = 0x01
	binaryType_Cancel    uint8 = 0x02
	binaryType_Flush     uint8 = 0x03
	binaryType_Ack       uint8 = 0x04
	binaryType_CancelAck uint8 = 0x05
	binaryType_Reject    uint8 = 0x06
	binaryType_Trade     uint8 = 0x07
	binaryType_TopOfBook uint8 = 0x08
)

const binaryHeaderSize = 2

// Total on-wire sizes per type, header included.
const (
	binarySize_NewOrder  = binaryHeaderSize + MaxSymbolLength + 4 + 4 + 1 + 4 + 4 // 27
	binarySize_Cancel    = binaryHeaderSize + MaxSymbolLength + 4 + 4            // 18
	binarySize_Flush     = binaryHeaderSize                                      // 2
	binarySize_Ack       = binaryHeaderSize + MaxSymbolLength + 4 + 4            // 18
	binarySize_CancelAck = binaryHeaderSize + MaxSymbolLength + 4 + 4            // 18
	binarySize_Reject    = binaryHeaderSize + MaxSymbolLength + 4 + 4 + 1        // 19
	binarySize_Trade     = binaryHeaderSize + MaxSymbolLength + 6*4              // 34
	binarySize_TopOfBook = binaryHeaderSize + MaxSymbolLength + 4*4              // 26
)

func binaryTypeForKind(kind MessageKind) (uint8, bool) {
	switch kind {
	case MessageKind_NewOrder:
		return binaryType_NewOrder, true
	case MessageKind_Cancel:
		return binaryType_Cancel, true
	case MessageKind_Flush:
		return binaryType_Flush, true
	case MessageKind_Ack:
		return binaryType_Ack, true
	case MessageKind_CancelAck:
		return binaryType_CancelAck, true
	case MessageKind_Reject:
		return binaryType_Reject, true
	case MessageKind_Trade:
		return binaryType_Trade, true
	case MessageKind_TopOfBook:
		return binaryType_TopOfBook, true
	}
	return 0, false
}

func binarySizeForType(typeId uint8) (int, bool) {
	switch typeId {
	case binaryType_NewOrder:
		return binarySize_NewOrder, true
	case binaryType_Cancel:
		return binarySize_Cancel, true
	case binaryType_Flush:
		return binarySize_Flush, true
	case binaryType_Ack:
		return binarySize_Ack, true
	case binaryType_CancelAck:
		return binarySize_CancelAck, true
	case binaryType_Reject:
		return binarySize_Reject, true
	case binaryType_Trade:
		return binarySize_Trade, true
	case binaryType_TopOfBook:
		return binarySize_TopOfBook, true
	}
	return 0, false
}

// putSymbol writes a symbol into its fixed 8-byte slot, left-justified and
// zero-padded.
func putSymbol(dst []byte, symbol string) {
	copy(dst[:MaxSymbolLength], symbol)
	for i := len(symbol); i < MaxSymbolLength; i++ {
		dst[i] = 0
	}
}

// readSymbol stops at the first zero byte in the slot.
func readSymbol(src []byte) string {
	for i := 0; i < MaxSymbolLength; i++ {
		if src[i] == 0 {
			return string(src[:i])
		}
	}
	return string(src[:MaxSymbolLength])
}

func encodeBinary(msg Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}

	typeId, ok := binaryTypeForKind(msg.Kind())
	if !ok {
		return nil, &errors.UnknownMessageType{Format: "binary", TypeTag: msg.Kind().String()}
	}
	size, _ := binarySizeForType(typeId)

	buf := make([]byte, size)
	buf[0] = MagicByte
	buf[1] = typeId

	switch m := msg.(type) {
	case *NewOrder:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.UserId)
		binary.BigEndian.PutUint32(buf[14:], m.UserOrderId)
		buf[18] = byte(m.Side)
		binary.BigEndian.PutUint32(buf[19:], priceToCents(m.Price))
		binary.BigEndian.PutUint32(buf[23:], m.Quantity)
	case *Cancel:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.UserId)
		binary.BigEndian.PutUint32(buf[14:], m.UserOrderId)
	case *Flush:
		// Header only; the user id does not fit this layout.
	case *Ack:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.UserId)
		binary.BigEndian.PutUint32(buf[14:], m.UserOrderId)
	case *CancelAck:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.UserId)
		binary.BigEndian.PutUint32(buf[14:], m.UserOrderId)
	case *Reject:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.UserId)
		binary.BigEndian.PutUint32(buf[14:], m.UserOrderId)
		buf[18] = m.ReasonCode
	case *Trade:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], m.BuyUserId)
		binary.BigEndian.PutUint32(buf[14:], m.BuyOrderId)
		binary.BigEndian.PutUint32(buf[18:], m.SellUserId)
		binary.BigEndian.PutUint32(buf[22:], m.SellOrderId)
		binary.BigEndian.PutUint32(buf[26:], priceToCents(m.Price))
		binary.BigEndian.PutUint32(buf[30:], m.Quantity)
	case *TopOfBook:
		putSymbol(buf[2:], m.Symbol)
		binary.BigEndian.PutUint32(buf[10:], priceToCents(m.BidPrice))
		binary.BigEndian.PutUint32(buf[14:], priceToCents(m.AskPrice))
		binary.BigEndian.PutUint32(buf[18:], m.BidQuantity)
		binary.BigEndian.PutUint32(buf[22:], m.AskQuantity)
	}

	return buf, nil
}

// decodeBinary parses exactly one message. An incomplete buffer for the
// declared type is an error, never a partial result; trailing bytes beyond
// the type's fixed size are ignored (batch slots are zero-padded).
func decodeBinary(buf []byte) (Message, error) {
	if len(buf) < binaryHeaderSize {
		return nil, &errors.Underflow{
			MessageName: "BinaryHeader",
			MsgSize:     len(buf),
			MinimumSize: binaryHeaderSize,
		}
	}
	if buf[0] != MagicByte {
		return nil, &errors.InvalidMagicByte{Expected: MagicByte, Actual: buf[0]}
	}

	typeId := buf[1]
	size, ok := binarySizeForType(typeId)
	if !ok {
		return nil, &errors.UnknownMessageType{Format: "binary", TypeTag: kindNameForBinaryType(typeId)}
	}
	if len(buf) < size {
		return nil, &errors.Underflow{
			MessageName: kindNameForBinaryType(typeId),
			MsgSize:     len(buf),
			MinimumSize: size,
		}
	}

	var msg Message
	switch typeId {
	case binaryType_NewOrder:
		msg = &NewOrder{
			Symbol:      readSymbol(buf[2:]),
			UserId:      binary.BigEndian.Uint32(buf[10:]),
			UserOrderId: binary.BigEndian.Uint32(buf[14:]),
			Side:        Side(buf[18]),
			Price:       centsToPrice(binary.BigEndian.Uint32(buf[19:])),
			Quantity:    binary.BigEndian.Uint32(buf[23:]),
		}
	case binaryType_Cancel:
		msg = &Cancel{
			Symbol:      readSymbol(buf[2:]),
			UserId:      binary.BigEndian.Uint32(buf[10:]),
			UserOrderId: binary.BigEndian.Uint32(buf[14:]),
		}
	case binaryType_Flush:
		msg = &Flush{}
	case binaryType_Ack:
		msg = &Ack{
			Symbol:      readSymbol(buf[2:]),
			UserId:      binary.BigEndian.Uint32(buf[10:]),
			UserOrderId: binary.BigEndian.Uint32(buf[14:]),
		}
	case binaryType_CancelAck:
		msg = &CancelAck{
			Symbol:      readSymbol(buf[2:]),
			UserId:      binary.BigEndian.Uint32(buf[10:]),
			UserOrderId: binary.BigEndian.Uint32(buf[14:]),
		}
	case binaryType_Reject:
		msg = &Reject{
			Symbol:      readSymbol(buf[2:]),
			UserId:      binary.BigEndian.Uint32(buf[10:]),
			UserOrderId: binary.BigEndian.Uint32(buf[14:]),
			ReasonCode:  buf[18],
		}
	case binaryType_Trade:
		msg = &Trade{
			Symbol:      readSymbol(buf[2:]),
			BuyUserId:   binary.BigEndian.Uint32(buf[10:]),
			BuyOrderId:  binary.BigEndian.Uint32(buf[14:]),
			SellUserId:  binary.BigEndian.Uint32(buf[18:]),
			SellOrderId: binary.BigEndian.Uint32(buf[22:]),
			Price:       centsToPrice(binary.BigEndian.Uint32(buf[26:])),
			Quantity:    binary.BigEndian.Uint32(buf[30:]),
		}
	case binaryType_TopOfBook:
		msg = &TopOfBook{
			Symbol:      readSymbol(buf[2:]),
			BidPrice:    centsToPrice(binary.BigEndian.Uint32(buf[10:])),
			AskPrice:    centsToPrice(binary.BigEndian.Uint32(buf[14:])),
			BidQuantity: binary.BigEndian.Uint32(buf[18:]),
			AskQuantity: binary.BigEndian.Uint32(buf[22:]),
		}
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func kindNameForBinaryType(typeId uint8) string {
	switch typeId {
	case binaryType_NewOrder:
		return "NewOrder"
	case binaryType_Cancel:
		return "Cancel"
	case binaryType_Flush:
		return "Flush"
	case binaryType_Ack:
		return "Ack"
	case binaryType_CancelAck:
		return "CancelAck"
	case binaryType_Reject:
		return "Reject"
	case binaryType_Trade:
		return "Trade"
	case binaryType_TopOfBook:
		return "TopOfBook"
	}
	return fmt.Sprintf("0x%02x", typeId)
}
