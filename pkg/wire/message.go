package wire

import (
	"github.com/densha/tradebridge/pkg/errors"
	"github.com/shopspring/decimal"
)

// Prices travel as integer minor units (cents); PriceScale is the shift
// applied at the codec boundary.
const PriceScale = 2

const MaxSymbolLength = 8

type MessageKind uint8

const (
	MessageKind_NONE MessageKind = iota
	MessageKind_NewOrder
	MessageKind_Cancel
	MessageKind_Flush
	MessageKind_Ack
	MessageKind_CancelAck
	MessageKind_Reject
	MessageKind_Trade
	MessageKind_TopOfBook
)

func (k MessageKind) String() string {
	switch k {
	case MessageKind_NewOrder:
		return "NewOrder"
	case MessageKind_Cancel:
		return "Cancel"
	case MessageKind_Flush:
		return "Flush"
	case MessageKind_Ack:
		return "Ack"
	case MessageKind_CancelAck:
		return "CancelAck"
	case MessageKind_Reject:
		return "Reject"
	case MessageKind_Trade:
		return "Trade"
	case MessageKind_TopOfBook:
		return "TopOfBook"
	}
	return "NONE"
}

type Side uint8

const (
	Side_Buy  Side = 'B'
	Side_Sell Side = 'S'
)

type Message interface {
	Kind() MessageKind
}

// Client -> engine messages.

type NewOrder struct {
	Symbol      string
	UserId      uint32
	UserOrderId uint32
	Side        Side
	Price       decimal.Decimal
	Quantity    uint32
}

func (NewOrder) Kind() MessageKind { return MessageKind_NewOrder }

type Cancel struct {
	Symbol      string
	UserId      uint32
	UserOrderId uint32
}

func (Cancel) Kind() MessageKind { return MessageKind_Cancel }

type Flush struct {
	// Not carried on the binary wire - a binary-decoded Flush always has
	// UserId 0. The CSV form round-trips it.
	UserId uint32
}

func (Flush) Kind() MessageKind { return MessageKind_Flush }

// Engine -> client messages. Ack and CancelAck share one field layout; the
// acknowledgement status lives in the type tag itself.

type Ack struct {
	Symbol      string
	UserId      uint32
	UserOrderId uint32
}

func (Ack) Kind() MessageKind { return MessageKind_Ack }

type CancelAck struct {
	Symbol      string
	UserId      uint32
	UserOrderId uint32
}

func (CancelAck) Kind() MessageKind { return MessageKind_CancelAck }

type Reject struct {
	Symbol      string
	UserId      uint32
	UserOrderId uint32
	ReasonCode  uint8
}

func (Reject) Kind() MessageKind { return MessageKind_Reject }

type Trade struct {
	Symbol      string
	BuyUserId   uint32
	BuyOrderId  uint32
	SellUserId  uint32
	SellOrderId uint32
	Price       decimal.Decimal
	Quantity    uint32
}

func (Trade) Kind() MessageKind { return MessageKind_Trade }

type TopOfBook struct {
	Symbol      string
	BidPrice    decimal.Decimal
	AskPrice    decimal.Decimal
	BidQuantity uint32
	AskQuantity uint32
}

func (TopOfBook) Kind() MessageKind { return MessageKind_TopOfBook }

func validateSymbol(messageName, symbol string) error {
	if len(symbol) == 0 || len(symbol) > MaxSymbolLength {
		return &errors.InvalidField{
			MessageName: messageName,
			FieldName:   "Symbol",
			Reason:      "length must be 1-8 characters",
		}
	}
	return nil
}

func validateSide(messageName string, side Side) error {
	if side != Side_Buy && side != Side_Sell {
		return &errors.InvalidField{
			MessageName: messageName,
			FieldName:   "Side",
			Reason:      "must be B or S",
		}
	}
	return nil
}

func validateQuantity(messageName, fieldName string, quantity uint32) error {
	if quantity == 0 {
		return &errors.InvalidField{
			MessageName: messageName,
			FieldName:   fieldName,
			Reason:      "must be a positive integer",
		}
	}
	return nil
}

func validatePrice(messageName, fieldName string, price decimal.Decimal) error {
	if price.IsNegative() {
		return &errors.InvalidField{
			MessageName: messageName,
			FieldName:   fieldName,
			Reason:      "must be non-negative",
		}
	}
	return nil
}

// Validate checks field invariants shared by both codecs. Encode calls this
// before touching the wire; decoders call it on the way out so a malformed
// peer cannot hand garbage to application handlers.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case *NewOrder:
		if err := validateSymbol("NewOrder", m.Symbol); err != nil {
			return err
		}
		if err := validateSide("NewOrder", m.Side); err != nil {
			return err
		}
		if err := validatePrice("NewOrder", "Price", m.Price); err != nil {
			return err
		}
		return validateQuantity("NewOrder", "Quantity", m.Quantity)
	case *Cancel:
		return validateSymbol("Cancel", m.Symbol)
	case *Flush:
		return nil
	case *Ack:
		return validateSymbol("Ack", m.Symbol)
	case *CancelAck:
		return validateSymbol("CancelAck", m.Symbol)
	case *Reject:
		return validateSymbol("Reject", m.Symbol)
	case *Trade:
		if err := validateSymbol("Trade", m.Symbol); err != nil {
			return err
		}
		if err := validatePrice("Trade", "Price", m.Price); err != nil {
			return err
		}
		return validateQuantity("Trade", "Quantity", m.Quantity)
	case *TopOfBook:
		if err := validateSymbol("TopOfBook", m.Symbol); err != nil {
			return err
		}
		if err := validatePrice("TopOfBook", "BidPrice", m.BidPrice); err != nil {
			return err
		}
		return validatePrice("TopOfBook", "AskPrice", m.AskPrice)
	}
	return &errors.UnknownMessageType{Format: "wire", TypeTag: "nil"}
}

func priceToCents(price decimal.Decimal) uint32 {
	return uint32(price.Shift(PriceScale).Round(0).IntPart())
}

func centsToPrice(cents uint32) decimal.Decimal {
	return decimal.New(int64(cents), -PriceScale)
}
