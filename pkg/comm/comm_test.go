package comm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/comm"
	"sectiond/pkg/comm/commtest"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

func newComm(t *testing.T, network *commtest.Network) (*comm.Comm, *commtest.Endpoint, <-chan comm.MsgFromPeer) {
	t.Helper()
	ep := network.NewEndpoint()
	inbox := make(chan comm.MsgFromPeer, 16)
	c := comm.New(ep, fastConfig(), inbox, zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })
	return c, ep, inbox
}

func TestCommSuccessfulSend(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, _ := newComm(t, network)
	peer0, _, inbox0 := receiver(t, network)
	peer1, _, inbox1 := receiver(t, network)

	c.UpdateValidCommTargets([]types.Peer{peer0, peer1})

	msg0, b0 := newTestMsg(t, peer0.Name)
	msg1, b1 := newTestMsg(t, peer1.Name)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, peer0, msg0.ID(), b0))
	require.NoError(t, c.Send(ctx, peer1, msg1.ID(), b1))

	assert.Equal(t, msg0.ID(), recv(t, inbox0).WireMsg.ID())
	assert.Equal(t, msg1.ID(), recv(t, inbox1).WireMsg.ID())
}

func TestCommFailedSend(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, _ := newComm(t, network)
	invalid := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:1"}
	msg, b := newTestMsg(t, invalid.Name)

	err := c.Send(context.Background(), invalid, msg.ID(), b)
	assert.ErrorIs(t, err, comm.ErrCreatingConnectionToUnknownNode)
	var peerErr *comm.PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, invalid, peerErr.Peer)

	c.UpdateValidCommTargets([]types.Peer{invalid})
	err = c.Send(context.Background(), invalid, msg.ID(), b)
	assert.ErrorIs(t, err, comm.ErrFailedSend)
}

func TestCommUpdateValidCommTargets(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, _ := newComm(t, network)
	a := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:2"}
	b := types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:3"}

	c.UpdateValidCommTargets([]types.Peer{a, b})
	assert.ElementsMatch(t, []types.Peer{a, b}, c.Targets())

	c.UpdateValidCommTargets([]types.Peer{b})
	assert.ElementsMatch(t, []types.Peer{b}, c.Targets())

	moved := types.Peer{Name: b.Name, Addr: "127.0.0.1:4"}
	c.UpdateValidCommTargets([]types.Peer{moved})
	assert.ElementsMatch(t, []types.Peer{moved}, c.Targets())

	msg, bytes := newTestMsg(t, b.Name)
	err := c.Send(context.Background(), b, msg.ID(), bytes)
	assert.ErrorIs(t, err, comm.ErrCreatingConnectionToUnknownNode, "old address is no longer a target")
}

func TestCommSendAfterReconnect(t *testing.T) {
	network := commtest.NewNetwork()
	c, local, _ := newComm(t, network)
	peer, _, inbox := receiver(t, network)
	c.UpdateValidCommTargets([]types.Peer{peer})

	ctx := context.Background()
	msg0, b0 := newTestMsg(t, peer.Name)
	require.NoError(t, c.Send(ctx, peer, msg0.ID(), b0))
	assert.Equal(t, msg0.ID(), recv(t, inbox).WireMsg.ID())

	// The receiver drops the connection.
	local.Conns()[0].Sever()

	msg1, b1 := newTestMsg(t, peer.Name)
	require.NoError(t, c.Send(ctx, peer, msg1.ID(), b1))
	assert.Equal(t, msg1.ID(), recv(t, inbox).WireMsg.ID())
	assert.Equal(t, 2, local.Dials())
}

func TestCommIncomingMessages(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, inbox := newComm(t, network)
	other, _, _ := newComm(t, network)

	target := types.Peer{Name: types.RandomName(), Addr: c.LocalAddr()}
	other.UpdateValidCommTargets([]types.Peer{target})

	msg, b := newTestMsg(t, target.Name)
	require.NoError(t, other.Send(context.Background(), target, msg.ID(), b))

	got := recv(t, inbox)
	assert.Equal(t, msg.ID(), got.WireMsg.ID())
	assert.Equal(t, msg.Header.Src, got.Sender.Name)
	assert.NotNil(t, got.Stream)
}

func TestCommSendAndReceive(t *testing.T) {
	network := commtest.NewNetwork()
	server, _, serverInbox := newComm(t, network)
	client, _, _ := newComm(t, network)

	serverPeer := types.Peer{Name: types.RandomName(), Addr: server.LocalAddr()}
	client.UpdateValidCommTargets([]types.Peer{serverPeer})

	go func() {
		in := <-serverInbox
		query, err := in.WireMsg.Decode()
		if err != nil {
			return
		}
		addr := query.(messaging.ClientQuery).Address
		reply, err := messaging.NewWireMsgWithID(in.WireMsg.ID(), messaging.KindNode, serverPeer.Name,
			messaging.Dst{Name: in.Sender.Name},
			messaging.ClientQueryResponse{Address: addr, Result: messaging.QueryResult{Data: []byte("chunk")}})
		if err != nil {
			return
		}
		b, _ := reply.Serialize()
		_, _ = server.SendOnStream(in.Sender, reply.ID(), b, in.Stream)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, b := newTestMsg(t, serverPeer.Name)
	resp, err := client.SendAndReceive(ctx, serverPeer, msg.ID(), b)
	require.NoError(t, err)
	assert.Equal(t, msg.ID(), resp.ID())

	payload, err := resp.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), payload.(messaging.ClientQueryResponse).Result.Data)
}

func TestCommIsReachable(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, _ := newComm(t, network)
	other, _, _ := newComm(t, network)

	assert.NoError(t, c.IsReachable(context.Background(), other.LocalAddr()))
	assert.ErrorIs(t, c.IsReachable(context.Background(), "127.0.0.1:1"), commtest.ErrUnreachable)
}

func TestIsLocalClose(t *testing.T) {
	assert.True(t, comm.IsLocalClose(comm.ErrClosedLocally))
	assert.True(t, comm.IsLocalClose(errors.Join(errors.New("send"), comm.ErrClosedLocally)))
	assert.False(t, comm.IsLocalClose(commtest.ErrClosedRemotely))
	assert.False(t, comm.IsLocalClose(nil))
}

func TestCommExchange(t *testing.T) {
	network := commtest.NewNetwork()
	server, _, serverInbox := newComm(t, network)
	client, clientEp, _ := newComm(t, network)

	go func() {
		in := <-serverInbox
		_ = echo(in)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, b := newTestMsg(t, types.RandomName())
	resp, err := client.Exchange(ctx, server.LocalAddr(), b)
	require.NoError(t, err)
	assert.Equal(t, msg.ID(), resp.ID())
	assert.Empty(t, client.Targets(), "exchange does not create sessions")
	assert.Equal(t, 1, clientEp.Dials())

	_, err = client.Exchange(ctx, "127.0.0.1:1", b)
	assert.ErrorIs(t, err, comm.ErrConnectionTo)
}

func TestCommEnqueueKeepsOrder(t *testing.T) {
	network := commtest.NewNetwork()
	c, _, _ := newComm(t, network)
	peer, _, inbox := receiver(t, network)
	c.UpdateValidCommTargets([]types.Peer{peer})

	var sent []types.MsgID
	var deliveries []comm.Delivery
	for i := 0; i < 10; i++ {
		msg, b := newTestMsg(t, peer.Name)
		d, err := c.Enqueue(peer, msg.ID(), b)
		require.NoError(t, err)
		sent = append(sent, msg.ID())
		deliveries = append(deliveries, d)
	}

	// deliveries may be awaited in any order
	ctx := context.Background()
	for i := len(deliveries) - 1; i >= 0; i-- {
		require.NoError(t, deliveries[i].Await(ctx))
	}
	for _, id := range sent {
		assert.Equal(t, id, recv(t, inbox).WireMsg.ID())
	}

	_, err := c.Enqueue(types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:1"}, sent[0], nil)
	assert.ErrorIs(t, err, comm.ErrCreatingConnectionToUnknownNode)
}
