package network

import (
	"context"

	bsmsg "github.com/ipfs/go-bitswap-server/message"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

var (
	// ProtocolBitswap is the only protocol version served.
	ProtocolBitswap protocol.ID = "/ipfs/bitswap/1.2.0"
)

// BitSwapNetwork provides network connectivity for the bitswap server.
type BitSwapNetwork interface {
	Self() peer.ID

	// SendMessage sends a BitSwap message to a peer on a fresh stream.
	SendMessage(
		context.Context,
		peer.ID,
		bsmsg.BitSwapMessage) error

	// SetDelegate registers the Receiver to handle messages received from the
	// network and starts listening for the bitswap protocol.
	SetDelegate(Receiver)

	ConnectTo(context.Context, peer.AddrInfo) error
	DisconnectFrom(context.Context, peer.ID) error

	ConnectionManager() connmgr.ConnManager

	Stats() Stats

	// Stop unregisters the protocol handlers and stops delivering events.
	Stop()
}

// Receiver is an interface that can receive messages from the BitSwapNetwork.
type Receiver interface {
	ReceiveMessage(
		ctx context.Context,
		sender peer.ID,
		incoming bsmsg.BitSwapMessage)

	ReceiveError(error)

	// Connected/Disconnected warns bitswap about peer connections.
	PeerConnected(peer.ID)
	PeerDisconnected(peer.ID)
}

// Stats is a container for statistics about the bitswap network
// the numbers inside are specific to bitswap, and not any other protocols
// using the same underlying network.
type Stats struct {
	MessagesSent  uint64
	MessagesRecvd uint64
}
