// Package client is the browser-facing side of the bridge: a WebSocket
// transport with a reconnect state machine, and a connection manager that
// pairs two transports (orders, market data) with the wire codec.
package client

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ConnectionState uint8

const (
	ConnectionState_Disconnected ConnectionState = iota
	ConnectionState_Connecting
	ConnectionState_Connected
	ConnectionState_Reconnecting
	ConnectionState_Failed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Connecting:
		return "CONNECTING"
	case ConnectionState_Connected:
		return "CONNECTED"
	case ConnectionState_Reconnecting:
		return "RECONNECTING"
	case ConnectionState_Failed:
		return "FAILED"
	}
	return "DISCONNECTED"
}

// Transport is one logical WebSocket connection to a relay endpoint.
type Transport interface {
	Connect()
	Disconnect()
	State() ConnectionState
	Send(payload []byte) error
	SetMessageHandler(handler func(payload []byte))
	AddStateObserver(observer func(state ConnectionState))
}

type NotConnectedError struct{}

func (e *NotConnectedError) Error() string {
	return "Transport is not connected"
}

type TransportParams struct {
	Url string

	// ConnectTimeout aborts a hanging handshake by force-closing the
	// attempt, which re-enters the reconnect path.
	ConnectTimeout time.Duration

	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	DisableReconnect     bool

	Logger *zap.Logger
}

const (
	defaultConnectTimeout       = 5 * time.Second
	defaultBaseReconnectDelay   = time.Second
	defaultMaxReconnectDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 10

	reconnectJitterFactor = 0.3
)

type wsTransport struct {
	params TransportParams

	mut               sync.Mutex
	state             ConnectionState
	conn              *websocket.Conn
	reconnectTimer    *time.Timer
	reconnectAttempts int
	// intentionalClose detaches the close path before a deliberate
	// disconnect so it cannot schedule a reconnect.
	intentionalClose bool
	backoffPolicy    *backoff.ExponentialBackOff

	mut_handlers   sync.RWMutex
	messageHandler func(payload []byte)
	stateObservers []func(state ConnectionState)

	log *zap.Logger
}

func CreateTransport(params TransportParams) *wsTransport {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	base := params.BaseReconnectDelay
	if base <= 0 {
		base = defaultBaseReconnectDelay
	}
	maxDelay := params.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxReconnectDelay
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: reconnectJitterFactor,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	policy.Reset()

	return &wsTransport{
		params: params,

		mut:           sync.Mutex{},
		state:         ConnectionState_Disconnected,
		backoffPolicy: policy,

		mut_handlers: sync.RWMutex{},

		log: logger.With(zap.String("handler", "Transport"), zap.String("url", params.Url)),
	}
}

func (t *wsTransport) connectTimeout() time.Duration {
	if t.params.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return t.params.ConnectTimeout
}

func (t *wsTransport) maxReconnectAttempts() int {
	if t.params.MaxReconnectAttempts <= 0 {
		return defaultMaxReconnectAttempts
	}
	return t.params.MaxReconnectAttempts
}

func (t *wsTransport) SetMessageHandler(handler func(payload []byte)) {
	t.mut_handlers.Lock()
	defer t.mut_handlers.Unlock()
	t.messageHandler = handler
}

func (t *wsTransport) AddStateObserver(observer func(state ConnectionState)) {
	t.mut_handlers.Lock()
	defer t.mut_handlers.Unlock()
	t.stateObservers = append(t.stateObservers, observer)
}

func (t *wsTransport) State() ConnectionState {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

func (t *wsTransport) setState(state ConnectionState) {
	t.mut.Lock()
	if t.state == state {
		t.mut.Unlock()
		return
	}
	t.state = state
	t.mut.Unlock()

	t.mut_handlers.RLock()
	observers := make([]func(ConnectionState), len(t.stateObservers))
	copy(observers, t.stateObservers)
	t.mut_handlers.RUnlock()

	for _, observer := range observers {
		observer(state)
	}
}

// Connect starts (or restarts) the connection attempt. An explicit call
// resets the attempt counter, which is the only way out of the Failed
// state.
func (t *wsTransport) Connect() {
	t.mut.Lock()
	if t.state == ConnectionState_Connecting || t.state == ConnectionState_Connected {
		t.mut.Unlock()
		return
	}
	// Supersede any scheduled reconnect so only one dial is in flight.
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.reconnectAttempts = 0
	t.intentionalClose = false
	t.backoffPolicy.Reset()
	t.mut.Unlock()

	go t.dial()
}

func (t *wsTransport) dial() {
	t.setState(ConnectionState_Connecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: t.connectTimeout(),
	}
	conn, _, dialErr := dialer.Dial(t.params.Url, nil)
	if dialErr != nil {
		t.log.Warn("WebSocket dial failed", zap.Error(dialErr))
		t.onClosed()
		return
	}

	t.mut.Lock()
	if t.intentionalClose {
		// Disconnect raced the dial; drop the fresh socket.
		t.mut.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.reconnectAttempts = 0
	t.backoffPolicy.Reset()
	t.mut.Unlock()

	t.setState(ConnectionState_Connected)
	t.log.Info("WebSocket connected")

	go t.readLoop(conn)
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		// Binary and text payloads are both delivered as opaque byte
		// buffers; the WebSocket layer already delimits messages.
		_, payload, readErr := conn.ReadMessage()
		if readErr != nil {
			t.mut.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
			}
			t.mut.Unlock()

			if !intentional {
				t.log.Info("WebSocket connection lost", zap.Error(readErr))
				t.onClosed()
			}
			return
		}

		t.mut_handlers.RLock()
		handler := t.messageHandler
		t.mut_handlers.RUnlock()
		if handler != nil {
			handler(payload)
		}
	}
}

// onClosed runs the reconnect schedule after an unintentional close or a
// failed dial. Attempt counter increments before scheduling; exceeding the
// cap (or reconnect being disabled) is terminal until an explicit Connect.
func (t *wsTransport) onClosed() {
	if t.params.DisableReconnect {
		t.setState(ConnectionState_Failed)
		return
	}

	t.mut.Lock()
	t.reconnectAttempts++
	attempts := t.reconnectAttempts
	t.mut.Unlock()

	if attempts > t.maxReconnectAttempts() {
		t.log.Error("Reconnect attempt cap exceeded, giving up", zap.Int("attempts", attempts-1))
		t.setState(ConnectionState_Failed)
		return
	}

	delay := t.backoffPolicy.NextBackOff()
	t.log.Info("Scheduling reconnect", zap.Duration("delay", delay), zap.Int("attempt", attempts))
	t.setState(ConnectionState_Reconnecting)

	t.mut.Lock()
	t.reconnectTimer = time.AfterFunc(delay, t.dial)
	t.mut.Unlock()
}

// Disconnect detaches the close path first so no reconnect fires, stops
// any pending timer, then closes the socket and lands on Disconnected.
func (t *wsTransport) Disconnect() {
	t.mut.Lock()
	t.intentionalClose = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.mut.Unlock()

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		conn.Close()
	}

	t.setState(ConnectionState_Disconnected)
}

func (t *wsTransport) Send(payload []byte) error {
	t.mut.Lock()
	conn := t.conn
	connected := t.state == ConnectionState_Connected
	t.mut.Unlock()

	if !connected || conn == nil {
		return &NotConnectedError{}
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}
