package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-vr/vr"
)

func TestTCPChannelLoopback(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr := ln.ln.Addr().String()

	dialErr := make(chan error, 1)
	var client vr.Channel
	go func() {
		ch, err := (TCPDialer{}).Connect(ctx, "client", addr)
		client = ch
		dialErr <- err
	}()

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, <-dialErr)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(vr.NewHandshakeMsg(0, "conn-1", "client", 123)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.Handshake)
	require.Equal(t, vr.ReplicaUid("client"), got.Handshake.ReplicaUid)
	require.Equal(t, vr.ReplicaUid("client"), server.RemoteUid(), "Receive must record the peer's identity from the handshake")
}
