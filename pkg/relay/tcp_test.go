package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconnectDelayIsLinear(t *testing.T) {
	base := time.Second
	assert.Equal(t, 1*time.Second, reconnectDelay(1, base))
	assert.Equal(t, 2*time.Second, reconnectDelay(2, base))
	assert.Equal(t, 3*time.Second, reconnectDelay(3, base))
	assert.Equal(t, 4*time.Second, reconnectDelay(4, base))
}

func TestTcpRelayParamDefaults(t *testing.T) {
	rl, err := CreateTcpRelay(TcpRelayParams{
		ListenAddress:  ":0",
		BackendAddress: "127.0.0.1:9999",
	})
	require.NoError(t, err)

	assert.Equal(t, defaultConnectTimeout, rl.connectTimeout())
	assert.Equal(t, defaultReconnectBaseDelay, rl.reconnectBaseDelay())
	assert.Equal(t, defaultMaxReconnectAttempts, rl.maxReconnectAttempts())
	assert.Equal(t, UpstreamState_Disconnected, rl.UpstreamState())
}

func TestWriteUpstreamDropsWhenDisconnected(t *testing.T) {
	rl, err := CreateTcpRelay(TcpRelayParams{
		ListenAddress:  ":0",
		BackendAddress: "127.0.0.1:9999",
	})
	require.NoError(t, err)

	// No upstream link: the message is dropped, never queued.
	rl.writeUpstream([]byte("N,AAPL,1,1,B,100,10\n"))

	stats := rl.Stats()
	assert.Equal(t, uint64(1), stats.MessagesDropped)
	assert.Zero(t, stats.MessagesToBackend)
	assert.False(t, stats.UpstreamConnected)
}

func TestBroadcastSkipsFullClientBuffers(t *testing.T) {
	rl, err := CreateTcpRelay(TcpRelayParams{
		ListenAddress:  ":0",
		BackendAddress: "127.0.0.1:9999",
	})
	require.NoError(t, err)

	open := &tcpClientChannels{OutgoingMessages: make(chan []byte, 1), CloseRequest: make(chan int, 1)}
	stuffed := &tcpClientChannels{OutgoingMessages: make(chan []byte), CloseRequest: make(chan int, 1)}
	rl.connections[1] = open
	rl.connections[2] = stuffed

	rl.broadcast([]byte("payload"))

	// The healthy client received it; the unbuffered one was skipped
	// without blocking the broadcast.
	select {
	case got := <-open.OutgoingMessages:
		assert.Equal(t, []byte("payload"), got)
	default:
		t.Fatal("open client did not receive broadcast")
	}

	stats := rl.Stats()
	assert.Equal(t, uint64(1), stats.MessagesToClients)
	assert.Equal(t, uint64(1), stats.MessagesDropped)
}

func TestStartFailsWhenListenAddressBusy(t *testing.T) {
	// Occupy the relay's listen address so the WebSocket server cannot
	// bind.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rl, err := CreateTcpRelay(TcpRelayParams{
		ListenAddress:      ln.Addr().String(),
		BackendAddress:     "127.0.0.1:1",
		ReconnectBaseDelay: time.Millisecond,
		Logger:             zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The bind failure must abort Start with the error, not leave a
	// zombie relay running with no listener.
	err = rl.Start(ctx)
	require.Error(t, err)
	require.NoError(t, ctx.Err(), "Start waited for the context instead of failing on the bind error")
}

func TestUpstreamFailsAfterAttemptCapAndRearms(t *testing.T) {
	// Grab a concrete free address, then close it so every dial is
	// refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	backendAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rl, err := CreateTcpRelay(TcpRelayParams{
		ListenAddress:        ":0",
		BackendAddress:       backendAddr,
		ConnectTimeout:       100 * time.Millisecond,
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 2,
		Logger:               zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rl.runUpstream(ctx)
	}()

	require.Eventually(t, func() bool {
		return rl.UpstreamState() == UpstreamState_Failed
	}, 10*time.Second, 5*time.Millisecond, "upstream never gave up after the attempt cap")

	// The abandoned link comes back once the backend is reachable again
	// and an external retrigger re-arms the loop.
	ln, err = net.Listen("tcp", backendAddr)
	require.NoError(t, err)
	defer ln.Close()

	rl.RetryUpstream()
	require.Eventually(t, func() bool {
		return rl.UpstreamState() == UpstreamState_Connected
	}, 10*time.Second, 5*time.Millisecond, "retrigger did not restart the reconnect loop")

	cancel()
	<-done
}

func TestUpstreamStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", UpstreamState_Disconnected.String())
	assert.Equal(t, "CONNECTING", UpstreamState_Connecting.String())
	assert.Equal(t, "CONNECTED", UpstreamState_Connected.String())
	assert.Equal(t, "FAILED", UpstreamState_Failed.String())
}
