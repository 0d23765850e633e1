package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/densha/tradebridge/pkg/errors"
)

// CSV wire form: one ASCII line per message, newline-terminated, fields
// comma-separated, first field a single-letter type tag. Prices are decimal
// integers in minor units on the wire.
const (
	csvTag_NewOrder  = "N"
	csvTag_Cancel    = "C"
	csvTag_Flush     = "F"
	csvTag_Ack       = "A"
	csvTag_CancelAck = "X"
	csvTag_Reject    = "R"
	csvTag_Trade     = "T"
	csvTag_TopOfBook = "B"
)

const (
	MaxCSVLineLength = 256
	maxCSVFieldCount = 16
)

func isCSVTypeLetter(b byte) bool {
	switch b {
	case 'N', 'C', 'F', 'A', 'X', 'R', 'T', 'B':
		return true
	}
	return false
}

func encodeCSV(msg Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}

	var line string
	switch m := msg.(type) {
	case *NewOrder:
		line = fmt.Sprintf("%s,%s,%d,%d,%c,%d,%d",
			csvTag_NewOrder, m.Symbol, m.UserId, m.UserOrderId, m.Side, priceToCents(m.Price), m.Quantity)
	case *Cancel:
		line = fmt.Sprintf("%s,%s,%d,%d", csvTag_Cancel, m.Symbol, m.UserId, m.UserOrderId)
	case *Flush:
		line = fmt.Sprintf("%s,%d", csvTag_Flush, m.UserId)
	case *Ack:
		line = fmt.Sprintf("%s,%s,%d,%d", csvTag_Ack, m.Symbol, m.UserId, m.UserOrderId)
	case *CancelAck:
		line = fmt.Sprintf("%s,%s,%d,%d", csvTag_CancelAck, m.Symbol, m.UserId, m.UserOrderId)
	case *Reject:
		line = fmt.Sprintf("%s,%s,%d,%d,%d", csvTag_Reject, m.Symbol, m.UserId, m.UserOrderId, m.ReasonCode)
	case *Trade:
		line = fmt.Sprintf("%s,%s,%d,%d,%d,%d,%d,%d",
			csvTag_Trade, m.Symbol, m.BuyUserId, m.BuyOrderId, m.SellUserId, m.SellOrderId, priceToCents(m.Price), m.Quantity)
	case *TopOfBook:
		line = fmt.Sprintf("%s,%s,%d,%d,%d,%d",
			csvTag_TopOfBook, m.Symbol, priceToCents(m.BidPrice), priceToCents(m.AskPrice), m.BidQuantity, m.AskQuantity)
	default:
		return nil, &errors.UnknownMessageType{Format: "csv", TypeTag: msg.Kind().String()}
	}

	return []byte(line + "\n"), nil
}

func splitCSVLine(buf []byte) ([]string, error) {
	if len(buf) == 0 {
		return nil, &errors.Underflow{MessageName: "CSVLine", MsgSize: 0, MinimumSize: 2}
	}
	if len(buf) > MaxCSVLineLength {
		return nil, &errors.LineMalformed{Reason: "line exceeds length cap", Length: len(buf)}
	}

	line := strings.TrimRight(string(buf), "\r\n")
	fields := strings.Split(line, ",")
	if len(fields) > maxCSVFieldCount {
		return nil, &errors.LineMalformed{Reason: "too many fields", Length: len(buf)}
	}
	return fields, nil
}

func csvUint32(messageName, fieldName, raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, &errors.InvalidField{
			MessageName: messageName,
			FieldName:   fieldName,
			Reason:      "not an unsigned decimal integer",
		}
	}
	return uint32(v), nil
}

func csvFieldCountError(messageName string, fields []string, want int) error {
	if len(fields) != want {
		return &errors.InvalidField{
			MessageName: messageName,
			FieldName:   "FieldCount",
			Reason:      fmt.Sprintf("expected %d fields, got %d", want, len(fields)),
		}
	}
	return nil
}

// decodeCSV parses exactly one line. A leading "C" always parses as an
// order-entry Cancel; cancel acknowledgements use "X" on the wire.
func decodeCSV(buf []byte) (Message, error) {
	fields, err := splitCSVLine(buf)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch fields[0] {
	case csvTag_NewOrder:
		if err := csvFieldCountError("NewOrder", fields, 7); err != nil {
			return nil, err
		}
		userId, err := csvUint32("NewOrder", "UserId", fields[2])
		if err != nil {
			return nil, err
		}
		userOrderId, err := csvUint32("NewOrder", "UserOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		if len(fields[4]) != 1 {
			return nil, &errors.InvalidField{MessageName: "NewOrder", FieldName: "Side", Reason: "must be a single letter"}
		}
		cents, err := csvUint32("NewOrder", "Price", fields[5])
		if err != nil {
			return nil, err
		}
		quantity, err := csvUint32("NewOrder", "Quantity", fields[6])
		if err != nil {
			return nil, err
		}
		msg = &NewOrder{
			Symbol:      fields[1],
			UserId:      userId,
			UserOrderId: userOrderId,
			Side:        Side(fields[4][0]),
			Price:       centsToPrice(cents),
			Quantity:    quantity,
		}
	case csvTag_Cancel:
		if err := csvFieldCountError("Cancel", fields, 4); err != nil {
			return nil, err
		}
		userId, err := csvUint32("Cancel", "UserId", fields[2])
		if err != nil {
			return nil, err
		}
		userOrderId, err := csvUint32("Cancel", "UserOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		msg = &Cancel{Symbol: fields[1], UserId: userId, UserOrderId: userOrderId}
	case csvTag_Flush:
		if err := csvFieldCountError("Flush", fields, 2); err != nil {
			return nil, err
		}
		userId, err := csvUint32("Flush", "UserId", fields[1])
		if err != nil {
			return nil, err
		}
		msg = &Flush{UserId: userId}
	case csvTag_Ack:
		if err := csvFieldCountError("Ack", fields, 4); err != nil {
			return nil, err
		}
		userId, err := csvUint32("Ack", "UserId", fields[2])
		if err != nil {
			return nil, err
		}
		userOrderId, err := csvUint32("Ack", "UserOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		msg = &Ack{Symbol: fields[1], UserId: userId, UserOrderId: userOrderId}
	case csvTag_CancelAck:
		if err := csvFieldCountError("CancelAck", fields, 4); err != nil {
			return nil, err
		}
		userId, err := csvUint32("CancelAck", "UserId", fields[2])
		if err != nil {
			return nil, err
		}
		userOrderId, err := csvUint32("CancelAck", "UserOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		msg = &CancelAck{Symbol: fields[1], UserId: userId, UserOrderId: userOrderId}
	case csvTag_Reject:
		if err := csvFieldCountError("Reject", fields, 5); err != nil {
			return nil, err
		}
		userId, err := csvUint32("Reject", "UserId", fields[2])
		if err != nil {
			return nil, err
		}
		userOrderId, err := csvUint32("Reject", "UserOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		reason, err := csvUint32("Reject", "ReasonCode", fields[4])
		if err != nil {
			return nil, err
		}
		if reason > 0xFF {
			return nil, &errors.InvalidField{MessageName: "Reject", FieldName: "ReasonCode", Reason: "exceeds one byte"}
		}
		msg = &Reject{Symbol: fields[1], UserId: userId, UserOrderId: userOrderId, ReasonCode: uint8(reason)}
	case csvTag_Trade:
		if err := csvFieldCountError("Trade", fields, 8); err != nil {
			return nil, err
		}
		buyUserId, err := csvUint32("Trade", "BuyUserId", fields[2])
		if err != nil {
			return nil, err
		}
		buyOrderId, err := csvUint32("Trade", "BuyOrderId", fields[3])
		if err != nil {
			return nil, err
		}
		sellUserId, err := csvUint32("Trade", "SellUserId", fields[4])
		if err != nil {
			return nil, err
		}
		sellOrderId, err := csvUint32("Trade", "SellOrderId", fields[5])
		if err != nil {
			return nil, err
		}
		cents, err := csvUint32("Trade", "Price", fields[6])
		if err != nil {
			return nil, err
		}
		quantity, err := csvUint32("Trade", "Quantity", fields[7])
		if err != nil {
			return nil, err
		}
		msg = &Trade{
			Symbol:      fields[1],
			BuyUserId:   buyUserId,
			BuyOrderId:  buyOrderId,
			SellUserId:  sellUserId,
			SellOrderId: sellOrderId,
			Price:       centsToPrice(cents),
			Quantity:    quantity,
		}
	case csvTag_TopOfBook:
		if err := csvFieldCountError("TopOfBook", fields, 6); err != nil {
			return nil, err
		}
		bidCents, err := csvUint32("TopOfBook", "BidPrice", fields[2])
		if err != nil {
			return nil, err
		}
		askCents, err := csvUint32("TopOfBook", "AskPrice", fields[3])
		if err != nil {
			return nil, err
		}
		bidQuantity, err := csvUint32("TopOfBook", "BidQuantity", fields[4])
		if err != nil {
			return nil, err
		}
		askQuantity, err := csvUint32("TopOfBook", "AskQuantity", fields[5])
		if err != nil {
			return nil, err
		}
		msg = &TopOfBook{
			Symbol:      fields[1],
			BidPrice:    centsToPrice(bidCents),
			AskPrice:    centsToPrice(askCents),
			BidQuantity: bidQuantity,
			AskQuantity: askQuantity,
		}
	default:
		return nil, &errors.UnknownMessageType{Format: "csv", TypeTag: fields[0]}
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
