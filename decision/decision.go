// Package decision exposes the types of the serving engine that callers
// of the server see.
package decision

import intdec "github.com/ipfs/go-bitswap-server/internal/decision"

// Receipt is a summary of the ledger for a given peer.
type Receipt = intdec.Receipt

// PeerTagger covers the methods on the connection manager used by the
// engine to tag peers with queued work.
type PeerTagger = intdec.PeerTagger
