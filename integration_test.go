package vr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vr "github.com/go-vr/vr"
	"github.com/go-vr/vr/transport"
)

// TestTwoReplicaJoinAndRequest exercises the scenario from spec §8's
// "happy path": a lone replica is joined by a second, the pair negotiates a
// two-member view through the ack->confirm->adopt exchange, and a client
// request submitted afterwards is committed and answered.
func TestTwoReplicaJoinAndRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	net := transport.NewMemNetwork(1, 0, time.Millisecond)

	uidA, uidB := vr.ReplicaUid("a"), vr.ReplicaUid("b")
	cfg := vr.DefaultConfig()
	cfg.PrimaryKeepaliveTimeout = 50 * time.Millisecond
	cfg.ViewChangeTimeout = 30 * time.Millisecond
	cfg.ClientMessageTimeout = 50 * time.Millisecond
	cfg.Seed = 7

	sm := vr.EchoStateMachine{}
	ra := vr.NewReplica(uidA, "a", net.Dialer(), sm, cfg)
	rb := vr.NewReplica(uidB, "b", net.Dialer(), sm, cfg)

	ra.Run(ctx, net.Listen("a"))
	rb.Run(ctx, net.Listen("b"))
	defer ra.Stop()
	defer rb.Stop()

	require.NoError(t, rb.Join(ctx, uidA, "a"))

	require.NoError(t, <-ra.AtView(1))
	require.NoError(t, <-rb.AtView(1))

	members := map[vr.ReplicaUid]string{uidA: "a", uidB: "b"}
	client := vr.NewClient(vr.NewClientUid(), net.Dialer(), cfg, members)
	defer client.Stop()

	results, err := client.Request(ctx, [][]byte{[]byte("hello"), []byte("world")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "hello", string(results[0]))
	require.Equal(t, "world", string(results[1]))
}

// TestBackupKeepaliveDetectsDeadPrimary exercises spec §8's failover
// scenario in miniature: once a joined backup stops hearing commits from
// its primary, it starts a view-change round on its own.
func TestBackupKeepaliveDetectsDeadPrimary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	net := transport.NewMemNetwork(2, 0, time.Millisecond)

	uidA, uidB := vr.ReplicaUid("a"), vr.ReplicaUid("b")
	cfg := vr.DefaultConfig()
	cfg.PrimaryKeepaliveTimeout = 40 * time.Millisecond
	cfg.ViewChangeTimeout = 20 * time.Millisecond
	cfg.Seed = 3

	sm := vr.EchoStateMachine{}
	ra := vr.NewReplica(uidA, "a", net.Dialer(), sm, cfg)
	rb := vr.NewReplica(uidB, "b", net.Dialer(), sm, cfg)

	ra.Run(ctx, net.Listen("a"))
	rb.Run(ctx, net.Listen("b"))
	defer ra.Stop()

	require.NoError(t, rb.Join(ctx, uidA, "a"))
	require.NoError(t, <-ra.AtView(1))
	require.NoError(t, <-rb.AtView(1))

	// The joining replica lands as primary of view 1 (primary index is
	// view_number mod membership size, and it was appended last); stop it
	// so the surviving backup must notice and move the view forward.
	rb.Stop()

	require.NoError(t, <-ra.AtView(2))
}

// TestThreeReplicaJoinRecoversLog exercises spec §8's log-recovery
// scenario: a third replica joins a two-member view that has already
// committed one request, picks that entry up via log transfer, and the
// three-member view then commits a further request.
func TestThreeReplicaJoinRecoversLog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	net := transport.NewMemNetwork(5, 0, time.Millisecond)

	uidA, uidB, uidC := vr.ReplicaUid("a"), vr.ReplicaUid("b"), vr.ReplicaUid("c")
	cfg := vr.DefaultConfig()
	cfg.PrimaryKeepaliveTimeout = 50 * time.Millisecond
	cfg.ViewChangeTimeout = 30 * time.Millisecond
	cfg.ClientMessageTimeout = 50 * time.Millisecond
	cfg.Seed = 9

	sm := vr.EchoStateMachine{}
	ra := vr.NewReplica(uidA, "a", net.Dialer(), sm, cfg)
	rb := vr.NewReplica(uidB, "b", net.Dialer(), sm, cfg)
	rc := vr.NewReplica(uidC, "c", net.Dialer(), sm, cfg)

	ra.Run(ctx, net.Listen("a"))
	rb.Run(ctx, net.Listen("b"))
	rc.Run(ctx, net.Listen("c"))
	defer ra.Stop()
	defer rb.Stop()
	defer rc.Stop()

	require.NoError(t, rb.Join(ctx, uidA, "a"))
	require.NoError(t, <-ra.AtView(1))
	require.NoError(t, <-rb.AtView(1))

	members := map[vr.ReplicaUid]string{uidA: "a", uidB: "b"}
	client := vr.NewClient(vr.NewClientUid(), net.Dialer(), cfg, members)

	results, err := client.Request(ctx, [][]byte{[]byte("first")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "first", string(results[0]))
	client.Stop()

	// c joins the now-two-member, one-entry-deep view; it must recover that
	// entry via log transfer rather than starting from an empty log.
	require.NoError(t, rc.Join(ctx, uidA, "a"))
	require.NoError(t, <-rc.AtView(2))
	require.NoError(t, <-ra.AtView(2))
	require.NoError(t, <-rb.AtView(2))
	require.NoError(t, <-rc.AtStore(1))

	members3 := map[vr.ReplicaUid]string{uidA: "a", uidB: "b", uidC: "c"}
	client2 := vr.NewClient(vr.NewClientUid(), net.Dialer(), cfg, members3)
	defer client2.Stop()

	results2, err := client2.Request(ctx, [][]byte{[]byte("second")})
	require.NoError(t, err)
	require.Len(t, results2, 1)
	require.Equal(t, "second", string(results2[0]))
}
