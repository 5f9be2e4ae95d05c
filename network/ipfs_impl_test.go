package network_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	bsmsg "github.com/ipfs/go-bitswap-server/message"
	pb "github.com/ipfs/go-bitswap-server/message/pb"
	bsnet "github.com/ipfs/go-bitswap-server/network"

	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	tnet "github.com/libp2p/go-libp2p-testing/net"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	from peer.ID
	msg  bsmsg.BitSwapMessage
}

type receiver struct {
	lk    sync.Mutex
	peers map[peer.ID]struct{}

	messageReceived chan receivedMessage
	connectionEvent chan bool
}

func newReceiver() *receiver {
	return &receiver{
		peers:           make(map[peer.ID]struct{}),
		messageReceived: make(chan receivedMessage),
		// Avoid blocking. 100 is good enough for tests.
		connectionEvent: make(chan bool, 100),
	}
}

func (r *receiver) ReceiveMessage(ctx context.Context, sender peer.ID, incoming bsmsg.BitSwapMessage) {
	select {
	case <-ctx.Done():
	case r.messageReceived <- receivedMessage{from: sender, msg: incoming}:
	}
}

func (r *receiver) ReceiveError(err error) {}

func (r *receiver) PeerConnected(p peer.ID) {
	r.lk.Lock()
	r.peers[p] = struct{}{}
	r.lk.Unlock()
	r.connectionEvent <- true
}

func (r *receiver) PeerDisconnected(p peer.ID) {
	r.lk.Lock()
	delete(r.peers, p)
	r.lk.Unlock()
	r.connectionEvent <- false
}

func (r *receiver) isConnected(p peer.ID) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	_, ok := r.peers[p]
	return ok
}

func (r *receiver) nextConnectionEvent(t *testing.T, ctx context.Context) bool {
	select {
	case <-ctx.Done():
		t.Fatal("no connection event")
		return false
	case evt := <-r.connectionEvent:
		return evt
	}
}

type testNode struct {
	id  tnet.Identity
	net bsnet.BitSwapNetwork
	r   *receiver
}

func (n testNode) addrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.id.ID(), Addrs: []ma.Multiaddr{n.id.Address()}}
}

func newTestNode(t *testing.T, mn mocknet.Mocknet, opts ...bsnet.NetOpt) testNode {
	id := tnet.RandIdentityOrFatal(t)
	h, err := mn.AddPeer(id.PrivateKey(), id.Address())
	require.NoError(t, err)

	r := newReceiver()
	n := bsnet.NewFromIpfsHost(h, opts...)
	n.SetDelegate(r)
	t.Cleanup(n.Stop)

	return testNode{id: id, net: n, r: r}
}

// connectPair links and connects two nodes and waits for both sides to
// report the connection.
func connectPair(t *testing.T, ctx context.Context, mn mocknet.Mocknet, a, b testNode) {
	require.NoError(t, mn.LinkAll())
	require.NoError(t, a.net.ConnectTo(ctx, b.addrInfo()))
	require.True(t, a.r.nextConnectionEvent(t, ctx))
	require.True(t, b.r.nextConnectionEvent(t, ctx))
	require.True(t, a.r.isConnected(b.id.ID()))
	require.True(t, b.r.isConnected(a.id.ID()))
}

func TestMessageSendAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	n1 := newTestNode(t, mn)
	n2 := newTestNode(t, mn)
	connectPair(t, ctx, mn, n1, n2)

	require.Equal(t, n1.id.ID(), n1.net.Self())

	blockGenerator := blocksutil.NewBlockGenerator()
	block1 := blockGenerator.Next()
	block2 := blockGenerator.Next()
	block3 := blockGenerator.Next()

	sent := bsmsg.New(false)
	sent.AddEntry(block1.Cid(), 1, pb.Message_Wantlist_Block, true)
	sent.AddBlock(block2)
	sent.AddDontHave(block3.Cid())
	sent.SetPendingBytes(42)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n1.net.SendMessage(ctx, n2.id.ID(), sent)
	}()

	var got receivedMessage
	select {
	case <-ctx.Done():
		t.Fatal("did not receive message sent")
	case got = <-n2.r.messageReceived:
	}
	require.NoError(t, <-errCh)

	require.Equal(t, n1.id.ID(), got.from)

	wants := got.msg.Wantlist()
	require.Len(t, wants, 1)
	require.Equal(t, block1.Cid(), wants[0].Cid)
	require.Equal(t, int32(1), wants[0].Priority)
	require.Equal(t, pb.Message_Wantlist_Block, wants[0].WantType)
	require.True(t, wants[0].SendDontHave)
	require.False(t, wants[0].Cancel)

	blks := got.msg.Blocks()
	require.Len(t, blks, 1)
	require.Equal(t, block2.Cid(), blks[0].Cid())
	require.Equal(t, block2.RawData(), blks[0].RawData())

	require.Equal(t, block3.Cid(), got.msg.DontHaves()[0])
	require.Empty(t, got.msg.Haves())
	require.Equal(t, int32(42), got.msg.PendingBytes())

	require.Equal(t, uint64(1), n1.net.Stats().MessagesSent)
	require.Eventually(t, func() bool {
		return n2.net.Stats().MessagesRecvd == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMessageCounters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	n1 := newTestNode(t, mn)
	n2 := newTestNode(t, mn)
	connectPair(t, ctx, mn, n1, n2)

	blockGenerator := blocksutil.NewBlockGenerator()
	const count = 5
	for i := 0; i < count; i++ {
		msg := bsmsg.New(false)
		msg.AddHave(blockGenerator.Next().Cid())

		errCh := make(chan error, 1)
		go func() {
			errCh <- n1.net.SendMessage(ctx, n2.id.ID(), msg)
		}()

		select {
		case <-ctx.Done():
			t.Fatal("did not receive message sent")
		case got := <-n2.r.messageReceived:
			require.Len(t, got.msg.Haves(), 1)
		}
		require.NoError(t, <-errCh)
	}

	require.Equal(t, uint64(count), n1.net.Stats().MessagesSent)
	require.Equal(t, uint64(0), n1.net.Stats().MessagesRecvd)
	require.Equal(t, uint64(count), n2.net.Stats().MessagesRecvd)
}

func TestProtocolPrefix(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	prefix := protocol.ID("/private")
	n1 := newTestNode(t, mn, bsnet.Prefix(prefix))
	n2 := newTestNode(t, mn, bsnet.Prefix(prefix))
	connectPair(t, ctx, mn, n1, n2)

	msg := bsmsg.New(false)
	bg := blocksutil.NewBlockGenerator()
	msg.AddHave(bg.Next().Cid())

	go func() {
		_ = n1.net.SendMessage(ctx, n2.id.ID(), msg)
	}()

	select {
	case <-ctx.Done():
		t.Fatal("did not receive message sent")
	case got := <-n2.r.messageReceived:
		require.Equal(t, n1.id.ID(), got.from)
	}
}

func TestSendToPeerWithoutBitswap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	n1 := newTestNode(t, mn)
	n2 := newTestNode(t, mn, bsnet.Prefix("/other"))
	connectPair(t, ctx, mn, n1, n2)

	msg := bsmsg.New(false)
	bg := blocksutil.NewBlockGenerator()
	msg.AddHave(bg.Next().Cid())

	err := n1.net.SendMessage(ctx, n2.id.ID(), msg)
	require.Error(t, err)
	require.True(t, errors.Is(err, multistream.ErrNotSupported), "unexpected error: %s", err)
	require.Equal(t, uint64(0), n1.net.Stats().MessagesSent)

	// The peer no longer counts as a bitswap peer.
	require.False(t, n1.r.nextConnectionEvent(t, ctx))
	require.False(t, n1.r.isConnected(n2.id.ID()))
}
