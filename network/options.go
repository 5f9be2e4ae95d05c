package network

import "github.com/libp2p/go-libp2p/core/protocol"

// NetOpt configures the libp2p bitswap network.
type NetOpt func(*Settings)

// Settings are the values a NetOpt can change.
type Settings struct {
	ProtocolPrefix protocol.ID
}

// Prefix prepends a custom prefix to the bitswap protocol id, so that
// private networks do not exchange blocks with the public one.
func Prefix(prefix protocol.ID) NetOpt {
	return func(settings *Settings) {
		settings.ProtocolPrefix = prefix
	}
}
