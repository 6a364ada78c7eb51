package peerconn

import "github.com/prxssh/peerwire/pkg/wire"

// Capabilities is the effective capability set for one connection: the
// bitwise AND of both sides' advertised reserved bits. Only the three bits
// this core negotiates are tracked.
type Capabilities struct {
	DHT      bool
	Fast     bool
	Extended bool
}

func negotiate(local, remote wire.Handshake) Capabilities {
	return Capabilities{
		DHT:      local.SupportsDHT() && remote.SupportsDHT(),
		Fast:     local.SupportsFast() && remote.SupportsFast(),
		Extended: local.SupportsExtended() && remote.SupportsExtended(),
	}
}

// admits reports the capability name a given message id requires,
// and whether that capability is satisfied by caps. Messages with no
// capability requirement always report satisfied.
func (c Capabilities) admits(id wire.MessageID) (required string, ok bool) {
	switch id {
	case wire.Port:
		return "dht", c.DHT
	case wire.Extended:
		return "extended", c.Extended
	default:
		return "", true
	}
}
