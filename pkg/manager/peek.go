package manager

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/prxssh/peerwire/pkg/config"
)

// peekedConn replays bytes already consumed while peeking the handshake
// before falling through to the underlying connection, so the handshake
// can be read a second time in full by peerconn.Accept.
type peekedConn struct {
	net.Conn
	buf *bytes.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if c.buf.Len() > 0 {
		return c.buf.Read(p)
	}
	return c.Conn.Read(p)
}

// peekInfoHash reads just enough of an inbound handshake to learn its
// info-hash, then returns a connection that replays those bytes before
// the live socket so the full handshake can still be read from the start.
func peekInfoHash(nc net.Conn) ([sha1.Size]byte, net.Conn, error) {
	var infoHash [sha1.Size]byte

	nc.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer nc.SetReadDeadline(time.Time{})

	pstrlen := make([]byte, 1)
	if _, err := io.ReadFull(nc, pstrlen); err != nil {
		return infoHash, nil, fmt.Errorf("manager: peek pstrlen: %w", err)
	}

	rest := make([]byte, int(pstrlen[0])+8+sha1.Size)
	if _, err := io.ReadFull(nc, rest); err != nil {
		return infoHash, nil, fmt.Errorf("manager: peek handshake header: %w", err)
	}
	copy(infoHash[:], rest[int(pstrlen[0])+8:])

	peeked := append(append([]byte{}, pstrlen...), rest...)
	return infoHash, &peekedConn{Conn: nc, buf: bytes.NewReader(peeked)}, nil
}
