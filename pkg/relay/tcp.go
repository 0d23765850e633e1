// Package relay bridges browser WebSocket connections onto the backend
// engine's two wire transports: a length-prefixed TCP stream for order
// entry and a sequenced UDP multicast feed for market data.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/densha/tradebridge/internal"
	"github.com/densha/tradebridge/pkg/framing"
	utils "github.com/densha/tradebridge/pkg/util"
)

type UpstreamState uint8

const (
	UpstreamState_Disconnected UpstreamState = iota
	UpstreamState_Connecting
	UpstreamState_Connected
	UpstreamState_Failed
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamState_Connecting:
		return "CONNECTING"
	case UpstreamState_Connected:
		return "CONNECTED"
	case UpstreamState_Failed:
		return "FAILED"
	}
	return "DISCONNECTED"
}

type tcpClientChannels struct {
	OutgoingMessages chan []byte
	CloseRequest     chan int
}

type tcpRelay struct {
	upgrader *websocket.Upgrader

	params TcpRelayParams

	clientTable *internal.ClientTable
	reassembler *framing.Reassembler

	mut_connections sync.RWMutex
	connections     map[uint32]*tcpClientChannels

	mut_upstream  sync.Mutex
	upstreamConn  net.Conn
	upstreamState UpstreamState
	retryUpstream chan struct{}

	messagesToBackend atomic.Uint64
	messagesToClients atomic.Uint64
	bytesToBackend    atomic.Uint64
	bytesToClients    atomic.Uint64
	messagesDropped   atomic.Uint64

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type TcpRelayParams struct {
	ListenAddress  string
	ListenEndpoint string
	BackendAddress string

	MaxClients           int
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	IdleClientTimeout    time.Duration

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Logger  *zap.Logger
	Metrics *Metrics
}

const (
	defaultConnectTimeout       = 5 * time.Second
	defaultReconnectBaseDelay   = time.Second
	defaultMaxReconnectAttempts = 10
	defaultMaxReadMessageSize   = 64 * 1024

	clientSendBufferLength = 64

	relayLabel_Tcp = "tcp"
)

func checkOrigin(r *http.Request, allowAll bool, allowlist, denylist []string) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, denylist) {
		return false
	}

	if allowAll {
		return true
	}

	return utils.Contains(origin, allowlist)
}

func CreateTcpRelay(params TcpRelayParams) (*tcpRelay, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &tcpRelay{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
			},
		},
		params: params,

		clientTable: internal.CreateClientTable(params.MaxClients),
		reassembler: framing.CreateReassembler(),

		mut_connections: sync.RWMutex{},
		connections:     make(map[uint32]*tcpClientChannels),

		mut_upstream:  sync.Mutex{},
		upstreamState: UpstreamState_Disconnected,
		retryUpstream: make(chan struct{}, 1),

		log:       logger.With(zap.String("handler", "TcpRelay")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (rl *tcpRelay) connectTimeout() time.Duration {
	if rl.params.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return rl.params.ConnectTimeout
}

func (rl *tcpRelay) reconnectBaseDelay() time.Duration {
	if rl.params.ReconnectBaseDelay <= 0 {
		return defaultReconnectBaseDelay
	}
	return rl.params.ReconnectBaseDelay
}

func (rl *tcpRelay) maxReconnectAttempts() int {
	if rl.params.MaxReconnectAttempts <= 0 {
		return defaultMaxReconnectAttempts
	}
	return rl.params.MaxReconnectAttempts
}

// reconnectDelay is the linear backoff schedule for the upstream link:
// attempt * base, not exponential.
func reconnectDelay(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

func (rl *tcpRelay) setUpstream(conn net.Conn, state UpstreamState) {
	rl.mut_upstream.Lock()
	defer rl.mut_upstream.Unlock()
	rl.upstreamConn = conn
	rl.upstreamState = state
}

func (rl *tcpRelay) UpstreamState() UpstreamState {
	rl.mut_upstream.Lock()
	defer rl.mut_upstream.Unlock()
	return rl.upstreamState
}

// RetryUpstream re-arms the reconnect loop after the attempt cap abandoned
// it. No-op while the link is healthy.
func (rl *tcpRelay) RetryUpstream() {
	select {
	case rl.retryUpstream <- struct{}{}:
	default:
	}
}

func (rl *tcpRelay) Stats() TcpRelayStats {
	return TcpRelayStats{
		ConnectedClients:  rl.clientTable.Count(),
		UpstreamConnected: rl.UpstreamState() == UpstreamState_Connected,
		MessagesToBackend: rl.messagesToBackend.Load(),
		MessagesToClients: rl.messagesToClients.Load(),
		BytesToBackend:    rl.bytesToBackend.Load(),
		BytesToClients:    rl.bytesToClients.Load(),
		MessagesDropped:   rl.messagesDropped.Load(),
	}
}

func (rl *tcpRelay) Start(ctx context.Context) error {
	// A WebSocket server that cannot serve is fatal: its error cancels
	// every sibling goroutine and comes back out of Start.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoint := rl.params.ListenEndpoint
	if endpoint == "" {
		endpoint = "/orders"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		rl.onWsRequest(ctx, w, r)
	})

	server := &http.Server{
		Addr:    rl.params.ListenAddress,
		Handler: mux,
	}

	var serveErr error
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		rl.log.Sugar().Infof("Starting order-entry WebSocket server at %s%s", rl.params.ListenAddress, endpoint)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			rl.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			serveErr = err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		rl.log.Info("Attempting to trigger shutdown of order-entry WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			rl.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		rl.log.Info("Successfully shutdown order-entry WebSocket server")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.runUpstream(ctx)
	}()

	if rl.params.IdleClientTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.runIdleSweep(ctx)
		}()
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	rl.log.Info("All order-entry relay goroutines finished. Exiting gracefully!")
	return nil
}

//
// Upstream link
//

func (rl *tcpRelay) runUpstream(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		rl.setUpstream(nil, UpstreamState_Connecting)
		rl.log.Info("Dialing backend", zap.String("backendAddress", rl.params.BackendAddress), zap.Int("attempt", attempt))

		conn, dialErr := net.DialTimeout("tcp", rl.params.BackendAddress, rl.connectTimeout())
		if dialErr != nil {
			rl.setUpstream(nil, UpstreamState_Disconnected)
			attempt++
			if attempt > rl.maxReconnectAttempts() {
				rl.log.Error("Abandoning upstream reconnection after too many attempts - waiting for external retrigger",
					zap.Int("attempts", attempt-1), zap.Error(dialErr))
				rl.setUpstream(nil, UpstreamState_Failed)
				select {
				case <-ctx.Done():
					return
				case <-rl.retryUpstream:
					attempt = 0
					continue
				}
			}

			delay := reconnectDelay(attempt, rl.reconnectBaseDelay())
			rl.log.Warn("Backend dial failed, scheduling reconnect",
				zap.Error(dialErr), zap.Duration("delay", delay), zap.Int("attempt", attempt))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		rl.reassembler.Reset()
		rl.setUpstream(conn, UpstreamState_Connected)
		rl.log.Info("Backend TCP link established", zap.String("remoteAddr", conn.RemoteAddr().String()))

		rl.readUpstream(ctx, conn)

		rl.setUpstream(nil, UpstreamState_Disconnected)
		conn.Close()
	}
}

func (rl *tcpRelay) readUpstream(ctx context.Context, conn net.Conn) {
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	buf := make([]byte, 4096)
	for {
		bytesRead, readErr := conn.Read(buf)
		if readErr != nil {
			if errors.Is(readErr, net.ErrClosed) || ctx.Err() != nil {
				rl.log.Info("Backend TCP link closed")
			} else {
				rl.log.Warn("Backend TCP read error", zap.Error(readErr))
			}
			return
		}

		payloads, feedErr := rl.reassembler.Feed(buf[:bytesRead])
		for _, payload := range payloads {
			rl.broadcast(payload)
		}
		if feedErr != nil {
			// Pending buffer already discarded; keep reading and resync.
			rl.log.Error("Protocol error on backend stream", zap.Error(feedErr))
		}
	}
}

// writeUpstream frames one client payload onto the TCP link. There is no
// queue on this path: if the link is down the message is dropped and
// logged. The browser-side connection manager is the place that queues.
func (rl *tcpRelay) writeUpstream(payload []byte) {
	rl.mut_upstream.Lock()
	defer rl.mut_upstream.Unlock()

	if rl.upstreamConn == nil || rl.upstreamState != UpstreamState_Connected {
		rl.messagesDropped.Add(1)
		if rl.params.Metrics != nil {
			rl.params.Metrics.MessagesDropped.WithLabelValues(relayLabel_Tcp, "upstream_down").Inc()
		}
		rl.log.Warn("Dropping client message - backend link is not connected", zap.Int("size", len(payload)))
		return
	}

	frame := rl.reassembler.AppendFrame(nil, payload)
	if _, writeErr := rl.upstreamConn.Write(frame); writeErr != nil {
		rl.log.Warn("Backend TCP write failed", zap.Error(writeErr))
		rl.upstreamConn.Close()
		return
	}

	rl.messagesToBackend.Add(1)
	rl.bytesToBackend.Add(uint64(len(payload)))
	if rl.params.Metrics != nil {
		rl.params.Metrics.MessagesRelayed.WithLabelValues(relayLabel_Tcp, "to_backend").Inc()
		rl.params.Metrics.BytesRelayed.WithLabelValues(relayLabel_Tcp, "to_backend").Add(float64(len(payload)))
	}
}

// broadcast fans one reassembled backend payload out to every open client.
// Sends are fire-and-forget: a client whose buffer is full just misses the
// message, the relay never blocks on a slow reader.
func (rl *tcpRelay) broadcast(payload []byte) {
	rl.mut_connections.RLock()
	defer rl.mut_connections.RUnlock()

	for clientId, route := range rl.connections {
		select {
		case route.OutgoingMessages <- payload:
		default:
			rl.messagesDropped.Add(1)
			if rl.params.Metrics != nil {
				rl.params.Metrics.MessagesDropped.WithLabelValues(relayLabel_Tcp, "slow_client").Inc()
			}
			rl.log.Debug("Dropping broadcast for slow client", zap.Uint32("clientId", clientId))
		}
	}

	rl.messagesToClients.Add(1)
	rl.bytesToClients.Add(uint64(len(payload)))
	if rl.params.Metrics != nil {
		rl.params.Metrics.MessagesRelayed.WithLabelValues(relayLabel_Tcp, "to_clients").Inc()
		rl.params.Metrics.BytesRelayed.WithLabelValues(relayLabel_Tcp, "to_clients").Add(float64(len(payload)))
	}
}

//
// Browser connections
//

func (rl *tcpRelay) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := rl.log.With(
		zap.String("wsConnId", rl.stringGen.GetRandomString(6)),
	)

	log.Info("New order-entry WebSocket request")
	c, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	defer c.Close()

	maxRead := rl.params.MaxReadMessageSize
	if maxRead <= 0 {
		maxRead = defaultMaxReadMessageSize
	}
	c.SetReadLimit(maxRead)

	clientId, err := rl.clientTable.Add(time.Now().UnixMicro())
	if err != nil {
		log.Warn("Rejecting connection - client table is full", zap.Error(err))
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client table full")
		c.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return
	}
	defer rl.clientTable.Remove(clientId)

	log = log.With(zap.Uint32("clientId", clientId))
	if rl.params.Metrics != nil {
		rl.params.Metrics.ClientsConnected.WithLabelValues(relayLabel_Tcp).Inc()
		defer rl.params.Metrics.ClientsConnected.WithLabelValues(relayLabel_Tcp).Dec()
	}

	route := &tcpClientChannels{
		OutgoingMessages: make(chan []byte, clientSendBufferLength),
		CloseRequest:     make(chan int, 1),
	}

	rl.mut_connections.Lock()
	rl.connections[clientId] = route
	rl.mut_connections.Unlock()
	log.Debug("Added client to order-entry relay connections map")

	defer func() {
		rl.mut_connections.Lock()
		delete(rl.connections, clientId)
		rl.mut_connections.Unlock()
		log.Debug("Removed client from order-entry relay connections map")
	}()

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
				c.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				c.Close()
				return
			case closeCode := <-route.CloseRequest:
				closeMsg := websocket.FormatCloseMessage(closeCode, "")
				c.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				c.Close()
				return
			case payload := <-route.OutgoingMessages:
				c.WriteMessage(websocket.BinaryMessage, payload)
			}
		}
	}()

	// Read loop. Each WebSocket message is one complete application
	// payload; the frame prefix is added on the TCP leg only.
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Received close from client, shutting down connection")
			} else if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Unexpected close from client", zap.Error(msgErr))
			} else if ctx.Err() == nil {
				log.Warn("WebSocket read error", zap.Error(msgErr))
			}
			break
		}

		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		rl.clientTable.Touch(clientId, time.Now().UnixMicro())
		rl.writeUpstream(payload)
	}

	// Unstick the writer goroutine if the read loop exited first.
	select {
	case route.CloseRequest <- websocket.CloseNormalClosure:
	default:
	}
	wg.Wait()
}

func (rl *tcpRelay) runIdleSweep(ctx context.Context) {
	ticker := time.NewTicker(rl.params.IdleClientTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(-rl.params.IdleClientTimeout).UnixMicro()
			for _, clientId := range rl.clientTable.GetIdleClientList(deadline) {
				rl.mut_connections.RLock()
				route, has := rl.connections[clientId]
				rl.mut_connections.RUnlock()
				if !has {
					continue
				}

				rl.log.Info("Kicking idle client", zap.Uint32("clientId", clientId))
				select {
				case route.CloseRequest <- websocket.CloseNormalClosure:
				default:
				}
			}
		}
	}
}
