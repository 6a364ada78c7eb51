package peerconn

import (
	"encoding/binary"

	"github.com/prxssh/peerwire/pkg/wire"
)

// parseCancel decodes a Cancel message's index and begin fields. wire's
// ParseRequest rejects non-Request ids, so Cancel (same 12-byte shape) gets
// its own decoder here.
func parseCancel(m *wire.Message) (index, begin uint32, ok bool) {
	if m == nil || m.ID != wire.Cancel || len(m.Payload) != 12 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]), binary.BigEndian.Uint32(m.Payload[4:8]), true
}

// frameBreakdown splits a frame into the (overhead, control, payload) byte
// counts the flood detector accumulates. overhead is the fixed framing cost
// (length prefix plus message id); payload is piece block bytes; everything
// else non-piece is control.
func frameBreakdown(m *wire.Message) (overhead, control, payload int) {
	if wire.IsKeepAlive(m) {
		return 4, 0, 0
	}

	overhead = 5 // 4-byte length prefix + 1-byte id

	if m.ID == wire.Piece && len(m.Payload) >= 8 {
		control = 8
		payload = len(m.Payload) - 8
		return
	}

	control = len(m.Payload)
	return
}
