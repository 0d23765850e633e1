package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the relay stats snapshots onto a prometheus registry.
// Both relays accept a nil *Metrics and simply skip the mirror.
type Metrics struct {
	ClientsConnected *prometheus.GaugeVec
	MessagesRelayed  *prometheus.CounterVec
	BytesRelayed     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	SequenceGaps     prometheus.Counter
}

func CreateMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradebridge_clients_connected",
			Help: "Browser WebSocket connections currently attached to a relay.",
		}, []string{"relay"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebridge_messages_relayed_total",
			Help: "Messages forwarded by a relay, by direction.",
		}, []string{"relay", "direction"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebridge_bytes_relayed_total",
			Help: "Payload bytes forwarded by a relay, by direction.",
		}, []string{"relay", "direction"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebridge_messages_dropped_total",
			Help: "Messages dropped by a relay (link down, slow client, oversize).",
		}, []string{"relay", "reason"}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebridge_multicast_sequence_gaps_total",
			Help: "Cumulative missing sequence numbers observed on the multicast feed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ClientsConnected, m.MessagesRelayed, m.BytesRelayed, m.MessagesDropped, m.SequenceGaps)
	}
	return m
}

// TcpRelayStats is a point-in-time snapshot of the order-entry relay.
type TcpRelayStats struct {
	ConnectedClients  int
	UpstreamConnected bool
	MessagesToBackend uint64
	MessagesToClients uint64
	BytesToBackend    uint64
	BytesToClients    uint64
	MessagesDropped   uint64
}

// MulticastRelayStats is a point-in-time snapshot of the market-data relay.
type MulticastRelayStats struct {
	ConnectedClients   int
	GroupJoined        bool
	DatagramsBroadcast uint64
	BytesBroadcast     uint64
	DatagramsDropped   uint64
	LastSequence       uint64
	SequenceGaps       uint64
}
