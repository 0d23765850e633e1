package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/densha/tradebridge/internal"
	utils "github.com/densha/tradebridge/pkg/util"
)

// SequenceHeaderSize is the 8-byte big-endian sequence number opening every
// multicast datagram. The remainder is one or more concatenated wire
// messages; the relay broadcasts the datagram verbatim, header included.
const SequenceHeaderSize = 8

type multicastClientChannels struct {
	OutgoingMessages chan []byte
	CloseRequest     chan int
}

type multicastRelay struct {
	upgrader *websocket.Upgrader

	params MulticastRelayParams

	clientTable *internal.ClientTable
	sequence    sequenceTracker
	gapWarn     rate.Sometimes

	mut_connections sync.RWMutex
	connections     map[uint32]*multicastClientChannels

	groupJoined        atomic.Bool
	datagramsBroadcast atomic.Uint64
	bytesBroadcast     atomic.Uint64
	datagramsDropped   atomic.Uint64

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type MulticastRelayParams struct {
	ListenAddress  string
	ListenEndpoint string

	// GroupAddress is "group-ip:port", e.g. "239.50.50.1:30004".
	GroupAddress  string
	InterfaceName string

	MaxClients      int
	MaxDatagramSize int

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	Logger  *zap.Logger
	Metrics *Metrics
}

const (
	defaultMaxDatagramSize = 64 * 1024

	relayLabel_Multicast = "multicast"
)

func CreateMulticastRelay(params MulticastRelayParams) (*multicastRelay, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &multicastRelay{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
			},
		},
		params: params,

		clientTable: internal.CreateClientTable(params.MaxClients),
		gapWarn:     rate.Sometimes{Interval: time.Second},

		mut_connections: sync.RWMutex{},
		connections:     make(map[uint32]*multicastClientChannels),

		log:       logger.With(zap.String("handler", "MulticastRelay")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (rl *multicastRelay) maxDatagramSize() int {
	if rl.params.MaxDatagramSize <= 0 {
		return defaultMaxDatagramSize
	}
	return rl.params.MaxDatagramSize
}

func (rl *multicastRelay) Stats() MulticastRelayStats {
	lastSeq, gapCount := rl.sequence.Snapshot()
	return MulticastRelayStats{
		ConnectedClients:   rl.clientTable.Count(),
		GroupJoined:        rl.groupJoined.Load(),
		DatagramsBroadcast: rl.datagramsBroadcast.Load(),
		BytesBroadcast:     rl.bytesBroadcast.Load(),
		DatagramsDropped:   rl.datagramsDropped.Load(),
		LastSequence:       lastSeq,
		SequenceGaps:       gapCount,
	}
}

func (rl *multicastRelay) Start(ctx context.Context) error {
	// A WebSocket server that cannot serve is fatal, same as the UDP bind
	// below: its error cancels every sibling goroutine and comes back out
	// of Start.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoint := rl.params.ListenEndpoint
	if endpoint == "" {
		endpoint = "/marketdata"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
		rl.onWsRequest(ctx, w, r)
	})

	server := &http.Server{
		Addr:    rl.params.ListenAddress,
		Handler: mux,
	}

	groupAddr, groupAddrErr := net.ResolveUDPAddr("udp4", rl.params.GroupAddress)
	if groupAddrErr != nil {
		return groupAddrErr
	}

	// Bind failure is fatal - the relay cannot start without its socket.
	conn, listenErr := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: groupAddr.Port})
	if listenErr != nil {
		return listenErr
	}

	packetConn := ipv4.NewPacketConn(conn)

	var iface *net.Interface
	if rl.params.InterfaceName != "" {
		var ifaceErr error
		iface, ifaceErr = net.InterfaceByName(rl.params.InterfaceName)
		if ifaceErr != nil {
			rl.log.Warn("Cannot resolve multicast interface, using default", zap.String("interface", rl.params.InterfaceName), zap.Error(ifaceErr))
			iface = nil
		}
	}

	// Join failure does not crash the relay - clients simply receive
	// nothing until the operator fixes the group configuration.
	if joinErr := packetConn.JoinGroup(iface, &net.UDPAddr{IP: groupAddr.IP}); joinErr != nil {
		rl.log.Error("Failed to join multicast group", zap.String("group", rl.params.GroupAddress), zap.Error(joinErr))
	} else {
		rl.groupJoined.Store(true)
		rl.log.Info("Joined multicast group", zap.String("group", rl.params.GroupAddress))
	}

	var serveErr error
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		// Best-effort membership drop before the socket goes away.
		if rl.groupJoined.Load() {
			packetConn.LeaveGroup(iface, &net.UDPAddr{IP: groupAddr.IP})
			rl.groupJoined.Store(false)
		}
		conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		rl.log.Sugar().Infof("Starting market-data WebSocket server at %s%s", rl.params.ListenAddress, endpoint)
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

		if err := server.Shutdown(shutdownCtx); err != nil {
			rl.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		rl.log.Info("Successfully shutdown market-data WebSocket server")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.readDatagrams(ctx, conn)
	}()

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	rl.log.Info("All market-data relay goroutines finished. Exiting gracefully!")
	return nil
}

func (rl *multicastRelay) readDatagrams(ctx context.Context, conn *net.UDPConn) {
	rl.log.Info("Starting multicast listener goroutine")
	defer rl.log.Info("Stopping multicast listener goroutine")

	// One spare byte so an oversized datagram is detectable rather than
	// silently truncated at the limit.
	buf := make([]byte, rl.maxDatagramSize()+1)
	for {
		bytesRead, _, readErr := conn.ReadFromUDP(buf)
		if readErr != nil {
			if errors.Is(readErr, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			rl.log.Error("Error reading multicast datagram, closing", zap.Error(readErr))
			return
		}

		if bytesRead > rl.maxDatagramSize() {
			rl.datagramsDropped.Add(1)
			if rl.params.Metrics != nil {
				rl.params.Metrics.MessagesDropped.WithLabelValues(relayLabel_Multicast, "oversize").Inc()
			}
			rl.log.Warn("Dropping oversized multicast datagram", zap.Int("size", bytesRead))
			continue
		}

		datagram := make([]byte, bytesRead)
		copy(datagram, buf[:bytesRead])

		rl.trackSequence(datagram)
		rl.broadcast(datagram)
	}
}

func (rl *multicastRelay) trackSequence(datagram []byte) {
	if len(datagram) < SequenceHeaderSize {
		return
	}

	seq := binary.BigEndian.Uint64(datagram[:SequenceHeaderSize])
	gap := rl.sequence.Observe(seq)
	if gap > 0 {
		if rl.params.Metrics != nil {
			rl.params.Metrics.SequenceGaps.Add(float64(gap))
		}
		rl.gapWarn.Do(func() {
			lastSeq, gapCount := rl.sequence.Snapshot()
			rl.log.Warn("Sequence gap detected on multicast feed",
				zap.Uint64("sequence", lastSeq),
				zap.Uint64("gap", gap),
				zap.Uint64("cumulativeGaps", gapCount))
		})
	}
}

func (rl *multicastRelay) broadcast(datagram []byte) {
	rl.mut_connections.RLock()
	defer rl.mut_connections.RUnlock()

	for clientId, route := range rl.connections {
		select {
		case route.OutgoingMessages <- datagram:
		default:
			rl.datagramsDropped.Add(1)
			if rl.params.Metrics != nil {
				rl.params.Metrics.MessagesDropped.WithLabelValues(relayLabel_Multicast, "slow_client").Inc()
			}
			rl.log.Debug("Dropping datagram for slow client", zap.Uint32("clientId", clientId))
		}
	}

	rl.datagramsBroadcast.Add(1)
	rl.bytesBroadcast.Add(uint64(len(datagram)))
	if rl.params.Metrics != nil {
		rl.params.Metrics.MessagesRelayed.WithLabelValues(relayLabel_Multicast, "to_clients").Inc()
		rl.params.Metrics.BytesRelayed.WithLabelValues(relayLabel_Multicast, "to_clients").Add(float64(len(datagram)))
	}
}

func (rl *multicastRelay) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := rl.log.With(
		zap.String("wsConnId", rl.stringGen.GetRandomString(6)),
	)

	log.Info("New market-data WebSocket request")
	c, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	defer c.Close()

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
		rl.params.Metrics.ClientsConnected.WithLabelValues(relayLabel_Multicast).Inc()
		defer rl.params.Metrics.ClientsConnected.WithLabelValues(relayLabel_Multicast).Dec()
	}

	route := &multicastClientChannels{
		OutgoingMessages: make(chan []byte, clientSendBufferLength),
		CloseRequest:     make(chan int, 1),
	}

	rl.mut_connections.Lock()
	rl.connections[clientId] = route
	rl.mut_connections.Unlock()

	defer func() {
		rl.mut_connections.Lock()
		delete(rl.connections, clientId)
		rl.mut_connections.Unlock()
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
			case datagram := <-route.OutgoingMessages:
				c.WriteMessage(websocket.BinaryMessage, datagram)
			}
		}
	}()

	// The feed is strictly one-directional: anything the client sends is
	// read and discarded, not an error.
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		_, _, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) && ctx.Err() == nil {
				log.Warn("Unexpected close from client", zap.Error(msgErr))
			} else {
				log.Info("Market-data client disconnected")
			}
			break
		}
	}

	// Unstick the writer goroutine if the read loop exited first.
	select {
	case route.CloseRequest <- websocket.CloseNormalClosure:
	default:
	}
	wg.Wait()
}
