package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/prxssh/peerwire/internal/bencode"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "Not Interested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", mid)
	}
}

// Message represents a single BitTorrent length-prefixed message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise: <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame. For non-nil messages, Payload
// may be empty for messages that carry no data.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("wire: short message")
	ErrBadLengthPrefix = errors.New("wire: invalid length prefix")
	ErrBadPayloadSize  = errors.New("wire: invalid payload size for message")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame. By convention,
// a nil *Message is a keep-alive.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: Bitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Cancel, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)

	return &Message{ID: Port, Payload: payload}
}

// MessageExtended builds a BEP 10 extended message: a one-byte extended
// message ID followed by a bencoded dictionary payload.
func MessageExtended(extendedID byte, dict map[string]any) (*Message, error) {
	body, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("wire: encode extended payload: %w", err)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = extendedID
	copy(payload[1:], body)

	return &Message{ID: Extended, Payload: payload}, nil
}

// ParseHave returns the piece index for a Have message. ok is false if the
// payload length is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request payload into index, begin, and length. ok
// is false if the payload length is not exactly 12 bytes.
func (m *Message) ParseRequest() (idx, begin, length uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// ok is false if there are fewer than 8 bytes of header.
func (m *Message) ParsePiece() (idx, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParsePort returns the listen port for a Port message. ok is false if the
// payload length is not exactly 2 bytes.
func (m *Message) ParsePort() (port uint16, ok bool) {
	if m == nil || m.ID != Port || len(m.Payload) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.Payload), true
}

// ParseExtended splits an Extended message into its extended message ID and
// decoded bencode dictionary body. ok is false if the payload is empty or
// the body does not decode to a dictionary.
func (m *Message) ParseExtended() (extendedID byte, dict map[string]any, ok bool) {
	if m == nil || m.ID != Extended || len(m.Payload) < 1 {
		return 0, nil, false
	}

	v, err := bencode.Unmarshal(m.Payload[1:])
	if err != nil {
		return 0, nil, false
	}

	dict, valid := v.(map[string]any)
	if !valid {
		return 0, nil, false
	}

	return m.Payload[0], dict, true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	// length prefix excludes itself; includes id + payload.
	length := 1 + len(m.Payload)
	if length < 1 || length > int(^uint32(0)) {
		return nil, ErrBadLengthPrefix
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Accepts both
// keep-alive (length=0) and normal frames.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	id := b[4]
	payload := b[5 : 4+int(length)]
	m.ID = MessageID(id)
	m.Payload = append(m.Payload[:0], payload...)

	return nil
}

// WriteTo implements io.WriterTo. For keep-alive (m==nil), it writes 4 zero
// bytes. For normal messages, it writes the 4-byte length prefix, id, and
// payload.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	var hdr [5]byte

	length := 1 + len(m.Payload)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// readFrame reads one length-prefixed frame from r. length is the frame's
// length prefix as read off the wire, so callers can tell a keep-alive
// (length==0) apart from a zero-payload message like Choke (length==1) even
// though both decode to an empty payload.
func readFrame(r io.Reader) (length uint32, id MessageID, payload []byte, n int64, err error) {
	var lp [4]byte
	if _, err = io.ReadFull(r, lp[:]); err != nil {
		return 0, 0, nil, 0, err
	}

	length = binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return 0, 0, nil, 4, nil
	}

	buf := make([]byte, length)
	if _, err = io.ReadFull(r, buf); err != nil {
		return length, 0, nil, int64(4 + len(buf)), err
	}

	return length, MessageID(buf[0]), buf[1:], int64(4 + len(buf)), nil
}

// ReadFrom implements io.ReaderFrom. It reads a full message frame from r.
// For keep-alive (length=0), the receiver is zeroed (ID=0, Payload=nil).
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	length, id, payload, n, err := readFrame(r)
	if err != nil {
		return n, err
	}
	if length == 0 {
		*m = Message{} // keep-alive frame
		return n, nil
	}

	m.ID = id
	m.Payload = append(m.Payload[:0], payload...)

	return n, nil
}

// ReadMessage reads a single frame from r, normalizing keep-alive frames
// (length==0) to a nil *Message. A zero-payload message such as Choke
// (length==1, empty payload) is distinguished by its length prefix, not by
// whether the decoded payload is nil.
func ReadMessage(r io.Reader) (*Message, error) {
	length, id, payload, _, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	return &Message{ID: id, Payload: append([]byte(nil), payload...)}, nil
}

// WriteMessage writes m to w. If m is nil, it writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize reports whether m's payload length matches its
// message ID's fixed-size contract, where one exists.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil // keep-alive
	}

	switch m.ID {
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case Port:
		if len(m.Payload) != 2 {
			return ErrBadPayloadSize
		}
	case Extended:
		if len(m.Payload) < 1 {
			return ErrBadPayloadSize
		}
	}
	return nil
}
