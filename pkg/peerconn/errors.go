package peerconn

import "fmt"

// Kind enumerates the protocol-error categories a connection can fail with.
// Every kind is fatal to the one connection; Penalty is the amount callers
// should use to adjust the remote peer's long-term reputation.
type Kind int

const (
	KindInvalidProtocol Kind = iota
	KindUnexpectedProtocol
	KindUnexpectedTopic
	KindUnexpectedPeerID
	KindUnknownTopic
	KindHandshakeRefused
	KindBitfieldAlreadySent
	KindDisallowedMessage
	KindDecoding
	KindPeerDisconnected
	KindFloodDetected
	KindDisconnectPeer
)

func (k Kind) String() string {
	switch k {
	case KindInvalidProtocol:
		return "InvalidProtocol"
	case KindUnexpectedProtocol:
		return "UnexpectedProtocol"
	case KindUnexpectedTopic:
		return "UnexpectedTopic"
	case KindUnexpectedPeerID:
		return "UnexpectedPeerID"
	case KindUnknownTopic:
		return "UnknownTopic"
	case KindHandshakeRefused:
		return "HandshakeRefused"
	case KindBitfieldAlreadySent:
		return "BitfieldAlreadySent"
	case KindDisallowedMessage:
		return "DisallowedMessage"
	case KindDecoding:
		return "DecodingError"
	case KindPeerDisconnected:
		return "PeerDisconnected"
	case KindFloodDetected:
		return "FloodDetected"
	case KindDisconnectPeer:
		return "DisconnectPeer"
	default:
		return "Unknown"
	}
}

// penalty is the reputation cost a caller should apply for each Kind. Spec
// violations cost 1; graceful/no-fault disconnects cost 0.
var penalty = map[Kind]int{
	KindInvalidProtocol:     1,
	KindUnexpectedProtocol:  1,
	KindUnexpectedTopic:     1,
	KindUnexpectedPeerID:    1,
	KindUnknownTopic:        0,
	KindHandshakeRefused:    1,
	KindBitfieldAlreadySent: 1,
	KindDisallowedMessage:   1,
	KindDecoding:            1,
	KindPeerDisconnected:    0,
	KindFloodDetected:       1,
	KindDisconnectPeer:      0,
}

// Error is the connection-fatal error type this package returns. Every
// Error carries the Kind that produced it and the numeric Penalty callers
// should apply to the remote peer's reputation; the connection subsystem
// reports the penalty but never accumulates it itself.
type Error struct {
	Kind Kind
	msg  string
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return fmt.Sprintf("peerconn: %s: %s", e.Kind, e.msg) }

// Penalty returns the reputation cost associated with e.Kind.
func (e *Error) Penalty() int { return penalty[e.Kind] }

func errInvalidProtocol(got string) *Error {
	return newErr(KindInvalidProtocol, "unexpected protocol string %q", got)
}

func errUnexpectedProtocol(err error) *Error {
	return newErr(KindUnexpectedProtocol, "%v", err)
}

func errUnexpectedTopic(want, got [20]byte) *Error {
	return newErr(KindUnexpectedTopic, "want info hash %x, got %x", want, got)
}

func errUnexpectedPeerID(want, got [20]byte) *Error {
	return newErr(KindUnexpectedPeerID, "want peer id %x, got %x", want, got)
}

func errUnknownTopic(infoHash [20]byte) *Error {
	return newErr(KindUnknownTopic, "no session for info hash %x", infoHash)
}

func errHandshakeRefused(reason string) *Error {
	return newErr(KindHandshakeRefused, "%s", reason)
}

func errBitfieldAlreadySent() *Error {
	return newErr(KindBitfieldAlreadySent, "bitfield already sent on this connection")
}

func errDisallowedMessage(required string) *Error {
	return newErr(KindDisallowedMessage, "message requires capability %q, not negotiated", required)
}

func errDecoding(err error) *Error {
	return newErr(KindDecoding, "%v", err)
}

func errPeerDisconnected(reason string) *Error {
	return newErr(KindPeerDisconnected, "%s", reason)
}

func errFloodDetected() *Error {
	return newErr(KindFloodDetected, "flood threshold exceeded")
}

// ErrDisconnectPeer is returned by higher layers (the session) to request an
// explicit, graceful close of a connection; it carries no fault.
var ErrDisconnectPeer = newErr(KindDisconnectPeer, "explicit disconnect requested")
