package wire

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/densha/tradebridge/pkg/errors"
)

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMessagesEqual(t *testing.T, want, got Message) {
	t.Helper()
	require.Equal(t, want.Kind(), got.Kind())

	switch w := want.(type) {
	case *NewOrder:
		g := got.(*NewOrder)
		assert.Equal(t, w.Symbol, g.Symbol)
		assert.Equal(t, w.UserId, g.UserId)
		assert.Equal(t, w.UserOrderId, g.UserOrderId)
		assert.Equal(t, w.Side, g.Side)
		assert.True(t, w.Price.Equal(g.Price), "price %s != %s", w.Price, g.Price)
		assert.Equal(t, w.Quantity, g.Quantity)
	case *Trade:
		g := got.(*Trade)
		assert.Equal(t, w.Symbol, g.Symbol)
		assert.Equal(t, w.BuyUserId, g.BuyUserId)
		assert.Equal(t, w.BuyOrderId, g.BuyOrderId)
		assert.Equal(t, w.SellUserId, g.SellUserId)
		assert.Equal(t, w.SellOrderId, g.SellOrderId)
		assert.True(t, w.Price.Equal(g.Price), "price %s != %s", w.Price, g.Price)
		assert.Equal(t, w.Quantity, g.Quantity)
	case *TopOfBook:
		g := got.(*TopOfBook)
		assert.Equal(t, w.Symbol, g.Symbol)
		assert.True(t, w.BidPrice.Equal(g.BidPrice))
		assert.True(t, w.AskPrice.Equal(g.AskPrice))
		assert.Equal(t, w.BidQuantity, g.BidQuantity)
		assert.Equal(t, w.AskQuantity, g.AskQuantity)
	default:
		assert.Equal(t, want, got)
	}
}

func TestRoundTripBothFormats(t *testing.T) {
	msgs := []Message{
		&NewOrder{Symbol: "AAPL", UserId: 1001, UserOrderId: 1, Side: Side_Buy, Price: price("150.00"), Quantity: 100},
		&NewOrder{Symbol: "IBM", UserId: 7, UserOrderId: 42, Side: Side_Sell, Price: price("0"), Quantity: 1},
		&Cancel{Symbol: "AAPL", UserId: 1001, UserOrderId: 1},
		&Ack{Symbol: "MSFT", UserId: 2, UserOrderId: 9},
		&CancelAck{Symbol: "MSFT", UserId: 2, UserOrderId: 9},
		&Reject{Symbol: "TSLA", UserId: 3, UserOrderId: 4, ReasonCode: 2},
		&Trade{Symbol: "AAPL", BuyUserId: 1, BuyOrderId: 10, SellUserId: 2, SellOrderId: 20, Price: price("149.95"), Quantity: 250},
		&TopOfBook{Symbol: "AAPL", BidPrice: price("149.99"), AskPrice: price("150.01"), BidQuantity: 300, AskQuantity: 500},
	}

	for _, format := range []Format{FormatBinary, FormatCSV} {
		for _, msg := range msgs {
			encoded, err := Encode(msg, format)
			require.NoError(t, err, "%s encode %s", format, msg.Kind())

			decoded, err := Decode(encoded, format)
			require.NoError(t, err, "%s decode %s", format, msg.Kind())
			assertMessagesEqual(t, msg, decoded)

			// Auto-detection must reach the same result.
			decoded, err = Decode(encoded, FormatAuto)
			require.NoError(t, err)
			assertMessagesEqual(t, msg, decoded)
		}
	}
}

func TestFlushRoundTrip(t *testing.T) {
	// CSV preserves the user id; the 2-byte binary form cannot.
	encoded, err := Encode(&Flush{UserId: 55}, FormatCSV)
	require.NoError(t, err)
	decoded, err := Decode(encoded, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, &Flush{UserId: 55}, decoded)

	encoded, err = Encode(&Flush{UserId: 55}, FormatBinary)
	require.NoError(t, err)
	assert.Len(t, encoded, 2)
	decoded, err = Decode(encoded, FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, &Flush{}, decoded)
}

func TestPriceRoundingGranularity(t *testing.T) {
	// Sub-cent input rounds to the nearest cent on the wire.
	msg := &NewOrder{Symbol: "AAPL", UserId: 1, UserOrderId: 1, Side: Side_Buy, Price: price("150.004"), Quantity: 10}
	for _, format := range []Format{FormatBinary, FormatCSV} {
		encoded, err := Encode(msg, format)
		require.NoError(t, err)
		decoded, err := Decode(encoded, format)
		require.NoError(t, err)
		diff := msg.Price.Sub(decoded.(*NewOrder).Price).Abs()
		assert.True(t, diff.LessThanOrEqual(price("0.01")), "diff %s", diff)
	}
}

func TestCSVNewOrderSample(t *testing.T) {
	decoded, err := Decode([]byte("N,AAPL,1001,1,B,15000,100\n"), FormatAuto)
	require.NoError(t, err)

	order := decoded.(*NewOrder)
	assert.Equal(t, "AAPL", order.Symbol)
	assert.Equal(t, uint32(1001), order.UserId)
	assert.Equal(t, uint32(1), order.UserOrderId)
	assert.Equal(t, Side_Buy, order.Side)
	assert.True(t, order.Price.Equal(price("150.00")), "price %s", order.Price)
	assert.Equal(t, uint32(100), order.Quantity)
}

func TestBinarySizes(t *testing.T) {
	cases := []struct {
		msg  Message
		size int
	}{
		{&NewOrder{Symbol: "A", UserId: 1, UserOrderId: 1, Side: Side_Buy, Price: price("1"), Quantity: 1}, 27},
		{&Cancel{Symbol: "A", UserId: 1, UserOrderId: 1}, 18},
		{&Flush{}, 2},
		{&Ack{Symbol: "A", UserId: 1, UserOrderId: 1}, 18},
		{&CancelAck{Symbol: "A", UserId: 1, UserOrderId: 1}, 18},
		{&Reject{Symbol: "A", UserId: 1, UserOrderId: 1, ReasonCode: 1}, 19},
		{&Trade{Symbol: "A", BuyUserId: 1, BuyOrderId: 1, SellUserId: 2, SellOrderId: 2, Price: price("1"), Quantity: 1}, 34},
		{&TopOfBook{Symbol: "A", BidPrice: price("1"), AskPrice: price("2"), BidQuantity: 1, AskQuantity: 1}, 26},
	}
	for _, tc := range cases {
		encoded, err := Encode(tc.msg, FormatBinary)
		require.NoError(t, err)
		assert.Len(t, encoded, tc.size, "%s", tc.msg.Kind())
		assert.Equal(t, MagicByte, encoded[0])
	}
}

func TestBinaryIncompleteBufferIsError(t *testing.T) {
	encoded, err := Encode(&Trade{Symbol: "AAPL", BuyUserId: 1, BuyOrderId: 1, SellUserId: 2, SellOrderId: 2, Price: price("1"), Quantity: 1}, FormatBinary)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1], FormatBinary)
	var underflow *bridgeerrors.Underflow
	require.ErrorAs(t, err, &underflow)
	assert.Equal(t, "Trade", underflow.MessageName)
}

func TestDecodeValidation(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"zero quantity", "N,AAPL,1,1,B,100,0\n"},
		{"bad side", "N,AAPL,1,1,Q,100,10\n"},
		{"symbol too long", "N,AAPLAAPLX,1,1,B,100,10\n"},
		{"missing fields", "N,AAPL,1\n"},
		{"non-numeric", "C,AAPL,one,1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.line), FormatCSV)
			assert.Error(t, err)
		})
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name       string
		buf        []byte
		format     Format
		confidence Confidence
	}{
		{"binary magic", []byte{MagicByte, 0x01}, FormatBinary, Confidence_High},
		{"csv tag", []byte("N,AAPL"), FormatCSV, Confidence_High},
		{"printable ascii", []byte("hello"), FormatCSV, Confidence_Low},
		{"small byte", []byte{0x02, 0x00}, FormatBinary, Confidence_Low},
		{"unknown", []byte{0xFE}, FormatAuto, Confidence_Unknown},
		{"empty", nil, FormatAuto, Confidence_Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			format, confidence := Detect(tc.buf)
			assert.Equal(t, tc.format, format)
			assert.Equal(t, tc.confidence, confidence)
		})
	}
}

func TestDecodeUnknownFormatFails(t *testing.T) {
	_, err := Decode([]byte{0xFE, 0xFF}, FormatAuto)
	var unknown *bridgeerrors.UnknownFormat
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint8(0xFE), unknown.FirstByte)
}
