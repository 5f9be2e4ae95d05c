package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-bitswap-server/internal"
	bsmsg "github.com/ipfs/go-bitswap-server/message"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	msgio "github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var log = logging.Logger("bitswap_network")

var connectTimeout = time.Second * 5

const (
	// sendLatency is the expected latency of opening a stream and getting
	// the first byte out.
	sendLatency = 2 * time.Second
	// minSendRate is the slowest transfer rate we tolerate, in bytes/s.
	minSendRate    = (100 * 1000) / 8 // 100kbit/s
	minSendTimeout = 10 * time.Second
	maxSendTimeout = 2 * time.Minute
)

// sendTimeout is the write deadline for a message of the given size.
func sendTimeout(size int) time.Duration {
	timeout := sendLatency
	timeout += time.Duration((uint64(time.Second) * uint64(size)) / uint64(minSendRate))
	if timeout > maxSendTimeout {
		timeout = maxSendTimeout
	} else if timeout < minSendTimeout {
		timeout = minSendTimeout
	}
	return timeout
}

// NewFromIpfsHost returns a BitSwapNetwork supported by underlying IPFS host.
func NewFromIpfsHost(host host.Host, opts ...NetOpt) BitSwapNetwork {
	s := processSettings(opts...)

	return &impl{
		host:            host,
		protocolBitswap: s.ProtocolPrefix + ProtocolBitswap,
	}
}

func processSettings(opts ...NetOpt) Settings {
	s := Settings{}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// impl transforms the libp2p host interface, which sends and receives
// NetMessage objects, into the bitswap network interface.
type impl struct {
	// NOTE: Stats must be at the top of the heap allocation to ensure 64bit
	// alignment.
	stats Stats

	host            host.Host
	connectEvtMgr   *connectEventManager
	protocolBitswap protocol.ID

	// inbound messages from the network are forwarded to the receiver
	receiver Receiver
}

func (bsnet *impl) Self() peer.ID {
	return bsnet.host.ID()
}

func (bsnet *impl) msgToStream(ctx context.Context, s network.Stream, msg bsmsg.BitSwapMessage, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := s.SetWriteDeadline(deadline); err != nil {
		log.Warnf("error setting deadline: %s", err)
	}

	switch s.Protocol() {
	case bsnet.protocolBitswap:
		if err := msg.ToNet(s); err != nil {
			log.Debugf("error: %s", err)
			return err
		}
	default:
		return fmt.Errorf("unrecognized protocol on remote: %s", s.Protocol())
	}

	if err := s.SetWriteDeadline(time.Time{}); err != nil {
		log.Warnf("error resetting deadline: %s", err)
	}
	return nil
}

func (bsnet *impl) newStreamToPeer(ctx context.Context, p peer.ID) (network.Stream, error) {
	return bsnet.host.NewStream(ctx, p, bsnet.protocolBitswap)
}

func (bsnet *impl) SendMessage(
	ctx context.Context,
	p peer.ID,
	outgoing bsmsg.BitSwapMessage) error {
	ctx, span := internal.StartSpan(ctx, "Network.SendMessage", trace.WithAttributes(attribute.String("To", p.String())))
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	s, err := bsnet.newStreamToPeer(tctx, p)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, multistream.ErrNotSupported) {
			// The peer is connected but does not serve bitswap.
			if cem := bsnet.connectEvtMgr; cem != nil {
				cem.MarkUnresponsive(p)
			}
		}
		return fmt.Errorf("opening stream to %s: %w", p, err)
	}

	if err = bsnet.msgToStream(ctx, s, outgoing, sendTimeout(outgoing.Size())); err != nil {
		span.RecordError(err)
		_ = s.Reset()
		return err
	}

	atomic.AddUint64(&bsnet.stats.MessagesSent, 1)

	return s.Close()
}

func (bsnet *impl) SetDelegate(r Receiver) {
	bsnet.receiver = r
	bsnet.connectEvtMgr = newConnectEventManager(r)
	bsnet.host.SetStreamHandler(bsnet.protocolBitswap, bsnet.handleNewStream)
	bsnet.host.Network().Notify((*netNotifiee)(bsnet))
	bsnet.connectEvtMgr.Start()
}

func (bsnet *impl) Stop() {
	if bsnet.connectEvtMgr == nil {
		return
	}
	bsnet.host.RemoveStreamHandler(bsnet.protocolBitswap)
	bsnet.host.Network().StopNotify((*netNotifiee)(bsnet))
	bsnet.connectEvtMgr.Stop()
}

func (bsnet *impl) ConnectTo(ctx context.Context, p peer.AddrInfo) error {
	return bsnet.host.Connect(ctx, p)
}

func (bsnet *impl) DisconnectFrom(ctx context.Context, p peer.ID) error {
	return bsnet.host.Network().ClosePeer(p)
}

// handleNewStream receives a new stream from the network.
func (bsnet *impl) handleNewStream(s network.Stream) {
	defer s.Close()

	if bsnet.receiver == nil {
		_ = s.Reset()
		return
	}

	p := s.Conn().RemotePeer()
	reader := msgio.NewVarintReaderSize(s, network.MessageSizeMax)
	for {
		received, err := bsmsg.FromMsgReader(reader)
		if err != nil {
			if err != io.EOF {
				_ = s.Reset()
				bsnet.receiver.ReceiveError(err)
				log.Debugf("bitswap net handleNewStream from %s error: %s", p, err)
			}
			return
		}

		ctx := context.Background()
		log.Debugf("bitswap net handleNewStream from %s", p)
		bsnet.connectEvtMgr.OnMessage(p)
		atomic.AddUint64(&bsnet.stats.MessagesRecvd, 1)
		bsnet.receiver.ReceiveMessage(ctx, p, received)
	}
}

func (bsnet *impl) ConnectionManager() connmgr.ConnManager {
	return bsnet.host.ConnManager()
}

func (bsnet *impl) Stats() Stats {
	return Stats{
		MessagesRecvd: atomic.LoadUint64(&bsnet.stats.MessagesRecvd),
		MessagesSent:  atomic.LoadUint64(&bsnet.stats.MessagesSent),
	}
}

type netNotifiee impl

func (nn *netNotifiee) impl() *impl {
	return (*impl)(nn)
}

func (nn *netNotifiee) Connected(n network.Network, v network.Conn) {
	// ignore transient connections
	if v.Stat().Transient {
		return
	}

	nn.impl().connectEvtMgr.Connected(v.RemotePeer())
}

func (nn *netNotifiee) Disconnected(n network.Network, v network.Conn) {
	if v.Stat().Transient {
		return
	}

	nn.impl().connectEvtMgr.Disconnected(v.RemotePeer())
}

func (nn *netNotifiee) Listen(n network.Network, a ma.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(n network.Network, a ma.Multiaddr) {}
