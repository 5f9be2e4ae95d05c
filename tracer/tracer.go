package tracer

import (
	bsmsg "github.com/ipfs/go-bitswap-server/message"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Tracer provides methods to access all messages sent and received by the
// server. It can be used to implement statistics or wire captures.
type Tracer interface {
	MessageReceived(peer.ID, bsmsg.BitSwapMessage)
	MessageSent(peer.ID, bsmsg.BitSwapMessage)
}
