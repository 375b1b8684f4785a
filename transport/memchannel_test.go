package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-vr/vr"
)

func TestMemNetworkConnectAndExchange(t *testing.T) {
	net := NewMemNetwork(1, 0, 0)
	ln := net.Listen("replica-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dialErr := make(chan error, 1)
	var clientSide vr.Channel
	go func() {
		ch, err := net.Dialer().Connect(ctx, "b", "replica-a")
		clientSide = ch
		dialErr <- err
	}()

	serverSide, err := ln.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, <-dialErr)
	require.NotNil(t, clientSide)

	require.NoError(t, clientSide.Send(vr.NewJoinMsg(1)))
	got, err := serverSide.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, vr.TagJoin, got.Tag)
	require.NotNil(t, got.Join)
	assert.Equal(t, int64(1), got.Join.Seq)
}

func TestMemNetworkDialUnknownAddrFails(t *testing.T) {
	net := NewMemNetwork(1, 0, 0)
	_, err := net.Dialer().Connect(context.Background(), "a", "nowhere")
	assert.Error(t, err)
}

func TestMemNetworkLossDropsMessages(t *testing.T) {
	net := NewMemNetwork(2, 1.0, 0) // always drop
	ln := net.Listen("replica-a")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	dialed := make(chan vr.Channel, 1)
	go func() {
		ch, _ := net.Dialer().Connect(ctx, "b", "replica-a")
		dialed <- ch
	}()
	serverSide, err := ln.Accept(ctx)
	require.NoError(t, err)
	clientSide := <-dialed

	require.NoError(t, serverSide.Send(vr.NewJoinMsg(1)))
	_, err = clientSide.Receive(ctx)
	assert.Error(t, err, "with loss rate 1.0 nothing should ever arrive before ctx deadline")
}

func TestMemChannelCloseUnblocksReceive(t *testing.T) {
	net := NewMemNetwork(3, 0, 0)
	ln := net.Listen("replica-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _, _ = net.Dialer().Connect(ctx, "b", "replica-a") }()
	serverSide, err := ln.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, serverSide.Close())
	_, err = serverSide.Receive(context.Background())
	assert.ErrorIs(t, err, vr.ErrChannelClosed)
}
