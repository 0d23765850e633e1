package client

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/densha/tradebridge/pkg/errors"
	"github.com/densha/tradebridge/pkg/wire"
)

type Feed uint8

const (
	Feed_Orders Feed = iota
	Feed_MarketData
)

func (f Feed) String() string {
	if f == Feed_MarketData {
		return "marketdata"
	}
	return "orders"
}

type ConnectionManagerParams struct {
	// OutboundFormat selects the codec for encoded orders. Defaults to
	// binary; inbound traffic is always auto-detected.
	OutboundFormat wire.Format

	OutboundQueueCapacity int
	HandlerCapacity       int

	Logger *zap.Logger
}

const (
	defaultOutboundQueueCapacity = 256
	defaultHandlerCapacity       = 64
)

type MessageHandler func(feed Feed, msg wire.Message)
type StateHandler func(feed Feed, state ConnectionState)
type ErrorHandler func(feed Feed, err error)

// connectionManager composes the two transports with the wire codec:
// encode-and-send (or queue) on the way out, detect-decode-dispatch on the
// way in.
type connectionManager struct {
	params ConnectionManagerParams

	orders     Transport
	marketData Transport

	mut_outbound   sync.Mutex
	outboundFormat wire.Format
	outboundQueue  [][]byte

	mut_handlers    sync.RWMutex
	messageHandlers map[string]MessageHandler
	stateHandlers   map[string]StateHandler
	errorHandlers   map[string]ErrorHandler

	log *zap.Logger
}

func CreateConnectionManager(orders, marketData Transport, params ConnectionManagerParams) *connectionManager {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	outboundFormat := params.OutboundFormat
	if outboundFormat == wire.FormatAuto {
		outboundFormat = wire.FormatBinary
	}

	m := &connectionManager{
		params: params,

		orders:     orders,
		marketData: marketData,

		mut_outbound:   sync.Mutex{},
		outboundFormat: outboundFormat,

		mut_handlers:    sync.RWMutex{},
		messageHandlers: make(map[string]MessageHandler),
		stateHandlers:   make(map[string]StateHandler),
		errorHandlers:   make(map[string]ErrorHandler),

		log: logger.With(zap.String("handler", "ConnectionManager")),
	}

	orders.SetMessageHandler(m.onOrdersPayload)
	marketData.SetMessageHandler(m.onMarketDataPayload)
	orders.AddStateObserver(func(state ConnectionState) {
		m.onStateChange(Feed_Orders, state)
	})
	marketData.AddStateObserver(func(state ConnectionState) {
		m.onStateChange(Feed_MarketData, state)
	})

	return m
}

func (m *connectionManager) queueCapacity() int {
	if m.params.OutboundQueueCapacity <= 0 {
		return defaultOutboundQueueCapacity
	}
	return m.params.OutboundQueueCapacity
}

func (m *connectionManager) handlerCapacity() int {
	if m.params.HandlerCapacity <= 0 {
		return defaultHandlerCapacity
	}
	return m.params.HandlerCapacity
}

func (m *connectionManager) Connect() {
	m.orders.Connect()
	m.marketData.Connect()
}

func (m *connectionManager) Disconnect() {
	m.orders.Disconnect()
	m.marketData.Disconnect()
}

func (m *connectionManager) SetOutboundFormat(format wire.Format) {
	m.mut_outbound.Lock()
	defer m.mut_outbound.Unlock()
	if format != wire.FormatAuto {
		m.outboundFormat = format
	}
}

func (m *connectionManager) OutboundFormat() wire.Format {
	m.mut_outbound.Lock()
	defer m.mut_outbound.Unlock()
	return m.outboundFormat
}

// SendOrder encodes with the selected outbound codec and sends on the
// orders transport. While the transport is anything but Connected the
// encoded bytes are queued FIFO instead of being dropped; a full queue is a
// reported error, never silent loss.
func (m *connectionManager) SendOrder(msg wire.Message) error {
	m.mut_outbound.Lock()
	format := m.outboundFormat
	m.mut_outbound.Unlock()

	encoded, encodeErr := wire.Encode(msg, format)
	if encodeErr != nil {
		return encodeErr
	}

	if m.orders.State() != ConnectionState_Connected {
		return m.enqueue(encoded)
	}

	if sendErr := m.orders.Send(encoded); sendErr != nil {
		// The link dropped between the state check and the write; fall
		// back to the queue rather than losing user intent.
		m.log.Warn("Order send failed, queueing", zap.Error(sendErr))
		return m.enqueue(encoded)
	}
	return nil
}

func (m *connectionManager) enqueue(encoded []byte) error {
	m.mut_outbound.Lock()
	defer m.mut_outbound.Unlock()

	if len(m.outboundQueue) >= m.queueCapacity() {
		return &errors.QueueFull{Capacity: m.queueCapacity()}
	}
	m.outboundQueue = append(m.outboundQueue, encoded)
	return nil
}

func (m *connectionManager) QueuedOrderCount() int {
	m.mut_outbound.Lock()
	defer m.mut_outbound.Unlock()
	return len(m.outboundQueue)
}

// flushQueue drains the outbound queue FIFO, stopping and re-queueing the
// unsent head if any individual send fails.
func (m *connectionManager) flushQueue() {
	for {
		m.mut_outbound.Lock()
		if len(m.outboundQueue) == 0 {
			m.mut_outbound.Unlock()
			return
		}
		head := m.outboundQueue[0]
		m.outboundQueue = m.outboundQueue[1:]
		m.mut_outbound.Unlock()

		if sendErr := m.orders.Send(head); sendErr != nil {
			m.log.Warn("Queue flush interrupted, re-queueing head", zap.Error(sendErr))
			m.mut_outbound.Lock()
			m.outboundQueue = append([][]byte{head}, m.outboundQueue...)
			m.mut_outbound.Unlock()
			return
		}
	}
}

func (m *connectionManager) onStateChange(feed Feed, state ConnectionState) {
	if feed == Feed_Orders && state == ConnectionState_Connected {
		m.flushQueue()
	}

	m.mut_handlers.RLock()
	handlers := make([]StateHandler, 0, len(m.stateHandlers))
	for _, handler := range m.stateHandlers {
		handlers = append(handlers, handler)
	}
	m.mut_handlers.RUnlock()

	for _, handler := range handlers {
		handler(feed, state)
	}
}

// onOrdersPayload decodes each received buffer as exactly one logical
// message. Decode failure goes down the error-handler path, it is never a
// panic or a dropped session.
func (m *connectionManager) onOrdersPayload(payload []byte) {
	msg, decodeErr := wire.Decode(payload, wire.FormatAuto)
	if decodeErr != nil {
		m.dispatchError(Feed_Orders, decodeErr)
		return
	}
	m.dispatchMessage(Feed_Orders, msg)
}

// onMarketDataPayload batch-decodes: one relayed datagram may hold several
// concatenated messages. Successes dispatch individually, failures report
// individually - partial dispatch is expected.
func (m *connectionManager) onMarketDataPayload(payload []byte) {
	body := payload
	if len(body) >= relaySequenceHeaderSize {
		body = body[relaySequenceHeaderSize:]
	}

	msgs, errs := wire.DecodeBatch(body, wire.FormatAuto)
	for _, msg := range msgs {
		m.dispatchMessage(Feed_MarketData, msg)
	}
	for _, err := range errs {
		m.dispatchError(Feed_MarketData, err)
	}
}

// relaySequenceHeaderSize mirrors the multicast datagram layout: the relay
// forwards the 8-byte sequence header verbatim, so the manager strips it
// before handing bytes to the codec.
const relaySequenceHeaderSize = 8

func (m *connectionManager) dispatchMessage(feed Feed, msg wire.Message) {
	m.mut_handlers.RLock()
	handlers := make([]MessageHandler, 0, len(m.messageHandlers))
	for _, handler := range m.messageHandlers {
		handlers = append(handlers, handler)
	}
	m.mut_handlers.RUnlock()

	for _, handler := range handlers {
		handler(feed, msg)
	}
}

func (m *connectionManager) dispatchError(feed Feed, err error) {
	m.mut_handlers.RLock()
	handlers := make([]ErrorHandler, 0, len(m.errorHandlers))
	for _, handler := range m.errorHandlers {
		handlers = append(handlers, handler)
	}
	m.mut_handlers.RUnlock()

	for _, handler := range handlers {
		handler(feed, err)
	}
}

// Registration returns an opaque handle for later removal. Registering past
// capacity is a warn no-op that returns an empty handle, not an error.

func (m *connectionManager) OnMessage(handler MessageHandler) string {
	m.mut_handlers.Lock()
	defer m.mut_handlers.Unlock()

	if len(m.messageHandlers) >= m.handlerCapacity() {
		m.log.Warn("Message handler registry full, ignoring registration",
			zap.Error(&errors.RegistryFull{RegistryName: "message", Capacity: m.handlerCapacity()}))
		return ""
	}

	id := uuid.NewString()
	m.messageHandlers[id] = handler
	return id
}

func (m *connectionManager) OnStateChange(handler StateHandler) string {
	m.mut_handlers.Lock()
	defer m.mut_handlers.Unlock()

	if len(m.stateHandlers) >= m.handlerCapacity() {
		m.log.Warn("State handler registry full, ignoring registration",
			zap.Error(&errors.RegistryFull{RegistryName: "state", Capacity: m.handlerCapacity()}))
		return ""
	}

	id := uuid.NewString()
	m.stateHandlers[id] = handler
	return id
}

func (m *connectionManager) OnError(handler ErrorHandler) string {
	m.mut_handlers.Lock()
	defer m.mut_handlers.Unlock()

	if len(m.errorHandlers) >= m.handlerCapacity() {
		m.log.Warn("Error handler registry full, ignoring registration",
			zap.Error(&errors.RegistryFull{RegistryName: "error", Capacity: m.handlerCapacity()}))
		return ""
	}

	id := uuid.NewString()
	m.errorHandlers[id] = handler
	return id
}

func (m *connectionManager) RemoveHandler(id string) {
	m.mut_handlers.Lock()
	defer m.mut_handlers.Unlock()

	delete(m.messageHandlers, id)
	delete(m.stateHandlers, id)
	delete(m.errorHandlers, id)
}
