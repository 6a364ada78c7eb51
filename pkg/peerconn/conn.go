// Package peerconn implements the per-peer BitTorrent wire state machine:
// handshake setup and capability negotiation, keepalive/timeout liveness,
// per-connection flood accounting, and dispatch of incoming/outgoing
// messages to caller-supplied handlers. One Conn is created per peer
// socket, whether dialed outbound or adopted from an inbound accept.
package peerconn

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/peerwire/pkg/bitfield"
	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking uint32 = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// PeerID identifies a connection by its remote dial/accept address.
type PeerID = netip.AddrPort

// Handlers are the callbacks a Conn invokes as frames arrive or the
// connection ends. Every callback is invoked from the connection's reader
// goroutine except OnDisconnect, which may be invoked from Run's return
// path. Callers must not block inside a handler for long, since it runs
// inline with frame processing.
type Handlers struct {
	OnBitfield          func(PeerID, bitfield.Bitfield)
	OnHave              func(PeerID, int)
	OnPiece             func(PeerID, int, int, []byte)
	OnRequest           func(c *Conn, piece, begin, length int)
	OnCancel            func(PeerID, int, int)
	OnChoked            func(PeerID)
	OnUnchoked          func(PeerID)
	OnInterested        func(PeerID)
	OnNotInterested     func(PeerID)
	OnExtendedHandshake func(PeerID, map[string]any)
	OnPort              func(PeerID, uint16)
	OnDisconnect        func(PeerID, error)
}

// Opts configures a new connection.
type Opts struct {
	InfoHash      [sha1.Size]byte
	LocalPeerID   [sha1.Size]byte
	PieceCount    int
	Handlers      Handlers
	Log           *slog.Logger
	FloodDetector FloodDetector
}

// Resolver maps an inbound handshake's info-hash to the piece count of the
// matching swarm. ok is false if no session claims that info-hash.
type Resolver func(infoHash [sha1.Size]byte) (pieceCount int, ok bool)

// Conn is one peer's wire connection: socket, negotiated capabilities,
// stats, and the choke/interest state machine.
type Conn struct {
	log          *slog.Logger
	conn         net.Conn
	addr         PeerID
	infoHash     [sha1.Size]byte
	remotePeerID [sha1.Size]byte
	caps         Capabilities

	state uint32
	stats Stats

	floodDetector FloodDetector

	bitfieldMu       sync.RWMutex
	bitfield         bitfield.Bitfield
	bitfieldReceived bool
	bitfieldSent     bool

	extendedHandshakeSeen atomic.Bool

	lastSentAt atomic.Int64
	lastRecvAt atomic.Int64

	outbox    chan *wire.Message
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc

	handlers Handlers
}

func newConn(nc net.Conn, addr PeerID, infoHash, remotePeerID [sha1.Size]byte, caps Capabilities, opts Opts) *Conn {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	fd := opts.FloodDetector
	if fd == nil {
		fd = DefaultFloodDetector{}
	}

	c := &Conn{
		log:           log.With("component", "peerconn", "addr", addr),
		conn:          nc,
		addr:          addr,
		infoHash:      infoHash,
		remotePeerID:  remotePeerID,
		caps:          caps,
		floodDetector: fd,
		bitfield:      bitfield.New(opts.PieceCount),
		outbox:        make(chan *wire.Message, config.Load().PeerOutboundQueueBacklog),
		handlers:      opts.Handlers,
	}
	c.setState(maskAmChoking|maskPeerChoking, true)
	now := time.Now().UnixNano()
	c.lastSentAt.Store(now)
	c.lastRecvAt.Store(now)
	c.stats.ConnectedAt = time.Now()

	return c
}

// Dial opens an outbound TCP connection to addr, performs the handshake,
// and returns the resulting Conn. The remote peer-id is not checked unless
// expectedPeerID is non-zero.
func Dial(ctx context.Context, addr PeerID, expectedPeerID [sha1.Size]byte, opts Opts) (*Conn, error) {
	dialer := net.Dialer{Timeout: config.Load().DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	local := wire.NewHandshake(opts.InfoHash, opts.LocalPeerID)
	local.SetBit(wire.ReservedExtendedBit)

	remote, err := local.Exchange(nc, true)
	if err != nil {
		nc.Close()
		return nil, translateHandshakeErr(err)
	}

	var zero [sha1.Size]byte
	if expectedPeerID != zero && remote.PeerID != expectedPeerID {
		nc.Close()
		return nil, errUnexpectedPeerID(expectedPeerID, remote.PeerID)
	}

	caps := negotiate(*local, remote)
	return newConn(nc, addr, opts.InfoHash, remote.PeerID, caps, opts), nil
}

// Accept adopts an inbound TCP connection: the remote's handshake is read
// first, resolve looks up which swarm it claims by info-hash, and (if
// found) our handshake is written back.
func Accept(ctx context.Context, nc net.Conn, resolve Resolver, localPeerID [sha1.Size]byte, handlersFor func(infoHash [sha1.Size]byte) Opts) (*Conn, error) {
	remote, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, translateHandshakeErr(err)
	}
	if remote.Pstr != "BitTorrent protocol" {
		return nil, errInvalidProtocol(remote.Pstr)
	}

	pieceCount, ok := resolve(remote.InfoHash)
	if !ok {
		return nil, errUnknownTopic(remote.InfoHash)
	}

	opts := handlersFor(remote.InfoHash)
	opts.InfoHash = remote.InfoHash
	opts.LocalPeerID = localPeerID
	opts.PieceCount = pieceCount

	local := wire.NewHandshake(remote.InfoHash, localPeerID)
	local.SetBit(wire.ReservedExtendedBit)
	if err := wire.WriteHandshake(nc, *local); err != nil {
		return nil, err
	}

	addr, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	caps := negotiate(*local, remote)
	return newConn(nc, addr, remote.InfoHash, remote.PeerID, caps, opts), nil
}

func translateHandshakeErr(err error) error {
	switch err {
	case wire.ErrProtocolMismatch:
		return errInvalidProtocol(err.Error())
	case wire.ErrInfoHashMismatch:
		return errUnexpectedTopic([sha1.Size]byte{}, [sha1.Size]byte{})
	default:
		return errUnexpectedProtocol(err)
	}
}

// RemotePeerID returns the 20-byte peer id the remote advertised.
func (c *Conn) RemotePeerID() [sha1.Size]byte { return c.remotePeerID }

// Addr returns the remote address this connection was dialed to or
// accepted from.
func (c *Conn) Addr() PeerID { return c.addr }

// Capabilities returns the negotiated capability set.
func (c *Conn) Capabilities() Capabilities { return c.caps }

// Bitfield returns a snapshot of the remote peer's advertised bitfield.
func (c *Conn) Bitfield() bitfield.Bitfield {
	c.bitfieldMu.RLock()
	defer c.bitfieldMu.RUnlock()
	return c.bitfield.Clone()
}

// Stats returns a snapshot of this connection's accounting counters.
func (c *Conn) Stats() Snapshot { return c.stats.snapshot() }

// UploadRate and DownloadRate return the EMA-smoothed per-second byte
// rates maintained by rateLoop, used by the session's choke algorithm to
// rank peers.
func (c *Conn) UploadRate() uint64   { return c.stats.UploadRate.Load() }
func (c *Conn) DownloadRate() uint64 { return c.stats.DownloadRate.Load() }

func (c *Conn) AmChoking() bool      { return c.getState(maskAmChoking) }
func (c *Conn) AmInterested() bool   { return c.getState(maskAmInterested) }
func (c *Conn) PeerChoking() bool    { return c.getState(maskPeerChoking) }
func (c *Conn) PeerInterested() bool { return c.getState(maskPeerInterested) }

func (c *Conn) getState(mask uint32) bool { return atomic.LoadUint32(&c.state)&mask != 0 }

func (c *Conn) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&c.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&c.state, old, next) {
			return
		}
	}
}

// Run drives the connection's reader, writer, and rate-EMA loops until one
// of them errors or ctx is canceled. It always returns with the socket
// closed.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	// Once any loop fails or ctx is canceled, close the socket so a loop
	// blocked in a read or write returns instead of holding up g.Wait.
	go func() {
		<-gctx.Done()
		_ = c.conn.Close()
	}()
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.rateLoop(gctx) })

	err := g.Wait()
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(c.addr, err)
	}
	return err
}

// Close shuts the socket and cancels any running loops. Safe to call
// multiple times and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		close(c.outbox)
		c.stats.DisconnectedAt = time.Now()
		c.log.Debug("connection closed")
	})
}

func (c *Conn) idleFor(last *atomic.Int64) time.Duration {
	return time.Since(time.Unix(0, last.Load()))
}

func (c *Conn) readLoop(ctx context.Context) error {
	extendedRequired := c.caps.Extended
	sawFirstFrame := false

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
		m, err := wire.ReadMessage(c.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if c.idleFor(&c.lastRecvAt) >= config.Load().KeepAliveInterval*2 {
					return errPeerDisconnected("read timeout")
				}
				continue
			}
			return errPeerDisconnected(err.Error())
		}
		c.conn.SetReadDeadline(time.Time{})

		c.lastRecvAt.Store(time.Now().UnixNano())
		c.stats.MessagesReceived.Add(1)

		overhead, control, payload := frameBreakdown(m)
		c.stats.record(overhead, control, payload, false)
		if c.floodDetector.IsFlooded(c.stats.snapshot(), config.Load().FloodFactor, config.Load().FloodThreshold) {
			return errFloodDetected()
		}

		if wire.IsKeepAlive(m) {
			continue
		}

		if !sawFirstFrame {
			sawFirstFrame = true
			if extendedRequired && m.ID != wire.Extended {
				return errHandshakeRefused("peer advertised extended messaging but did not send an extended handshake first")
			}
		}

		if required, ok := c.caps.admits(m.ID); !ok {
			return errDisallowedMessage(required)
		}

		if err := c.handleMessage(m); err != nil {
			return err
		}
	}
}

func (c *Conn) handleMessage(m *wire.Message) error {
	switch m.ID {
	case wire.Choke:
		c.setState(maskPeerChoking, true)
		if c.handlers.OnChoked != nil {
			c.handlers.OnChoked(c.addr)
		}
	case wire.Unchoke:
		c.setState(maskPeerChoking, false)
		if c.handlers.OnUnchoked != nil {
			c.handlers.OnUnchoked(c.addr)
		}
	case wire.Interested:
		c.setState(maskPeerInterested, true)
		if c.handlers.OnInterested != nil {
			c.handlers.OnInterested(c.addr)
		}
	case wire.NotInterested:
		c.setState(maskPeerInterested, false)
		if c.handlers.OnNotInterested != nil {
			c.handlers.OnNotInterested(c.addr)
		}
	case wire.Bitfield:
		c.bitfieldMu.Lock()
		if c.bitfieldReceived {
			c.bitfieldMu.Unlock()
			return errBitfieldAlreadySent()
		}
		c.bitfield = bitfield.FromBytes(m.Payload, c.bitfield.NumPieces())
		c.bitfieldReceived = true
		snapshot := c.bitfield.Clone()
		c.bitfieldMu.Unlock()
		if c.handlers.OnBitfield != nil {
			c.handlers.OnBitfield(c.addr, snapshot)
		}
	case wire.Have:
		idx, ok := m.ParseHave()
		if !ok {
			return errDecoding(fmt.Errorf("malformed have payload"))
		}
		c.bitfieldMu.Lock()
		c.bitfield.Set(int(idx))
		c.bitfieldMu.Unlock()
		if c.handlers.OnHave != nil {
			c.handlers.OnHave(c.addr, int(idx))
		}
	case wire.Request:
		idx, begin, length, ok := m.ParseRequest()
		if !ok {
			return errDecoding(fmt.Errorf("malformed request payload"))
		}
		if c.handlers.OnRequest != nil {
			c.handlers.OnRequest(c, int(idx), int(begin), int(length))
		}
	case wire.Piece:
		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return errDecoding(fmt.Errorf("malformed piece payload"))
		}
		if c.handlers.OnPiece != nil {
			c.handlers.OnPiece(c.addr, int(idx), int(begin), block)
		}
	case wire.Cancel:
		idx, begin, ok := parseCancel(m)
		if !ok {
			return errDecoding(fmt.Errorf("malformed cancel payload"))
		}
		if c.handlers.OnCancel != nil {
			c.handlers.OnCancel(c.addr, int(idx), int(begin))
		}
	case wire.Port:
		port, ok := m.ParsePort()
		if !ok {
			return errDecoding(fmt.Errorf("malformed port payload"))
		}
		if c.handlers.OnPort != nil {
			c.handlers.OnPort(c.addr, port)
		}
	case wire.Extended:
		extID, dict, ok := m.ParseExtended()
		if !ok {
			return errDecoding(fmt.Errorf("malformed extended payload"))
		}
		_ = extID
		c.extendedHandshakeSeen.Store(true)
		if c.handlers.OnExtendedHandshake != nil {
			c.handlers.OnExtendedHandshake(c.addr, dict)
		}
	default:
		c.log.Debug("unknown message id, skipping", "id", m.ID)
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) error {
	if c.caps.Extended {
		ext, err := wire.MessageExtended(0, map[string]any{"m": map[string]any{}})
		if err == nil {
			if err := c.writeMessage(ext); err != nil {
				return errPeerDisconnected(err.Error())
			}
		}
	}

	keepAlive := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.writeMessage(m); err != nil {
				return errPeerDisconnected(err.Error())
			}
		case <-ticker.C:
			if c.idleFor(&c.lastSentAt) >= keepAlive {
				c.enqueueMessage(nil)
			}
		}
	}
}

func (c *Conn) writeMessage(m *wire.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	if err := wire.WriteMessage(c.conn, m); err != nil {
		return err
	}

	c.lastSentAt.Store(time.Now().UnixNano())
	c.stats.MessagesSent.Add(1)

	overhead, control, payload := frameBreakdown(m)
	c.stats.record(overhead, control, payload, true)

	if wire.IsKeepAlive(m) {
		return nil
	}

	switch m.ID {
	case wire.Choke:
		c.setState(maskAmChoking, true)
	case wire.Unchoke:
		c.setState(maskAmChoking, false)
	case wire.Interested:
		c.setState(maskAmInterested, true)
	case wire.NotInterested:
		c.setState(maskAmInterested, false)
	}

	return nil
}

// rateLoop maintains EMA-smoothed upload/download rates from the raw byte
// counters on a 1s tick with α=0.2 smoothing; the session's swarm-wide
// rates are the sums of these per-connection values.
func (c *Conn) rateLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	const alpha = 0.2
	var lastUp, lastDown uint64
	var upEMA, downEMA uint64
	inited := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			up := c.stats.Uploaded.Load()
			down := c.stats.Downloaded.Load()
			instUp := up - lastUp
			instDown := down - lastDown

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			c.stats.UploadRate.Store(upEMA)
			c.stats.DownloadRate.Store(downEMA)
			lastUp, lastDown = up, down
		}
	}
}

// enqueueMessage enqueues m (nil for keepalive) without blocking. Returns
// false if the outbox is full or the connection is already closed, in
// which case the caller's send is silently dropped per backpressure
// policy.
func (c *Conn) enqueueMessage(m *wire.Message) bool {
	if c.stopped.Load() {
		return false
	}
	select {
	case c.outbox <- m:
		return true
	default:
		return false
	}
}

func (c *Conn) SendChoke()         { c.enqueueMessage(wire.MessageChoke()) }
func (c *Conn) SendUnchoke()       { c.enqueueMessage(wire.MessageUnchoke()) }
func (c *Conn) SendInterested()    { c.enqueueMessage(wire.MessageInterested()) }
func (c *Conn) SendNotInterested() { c.enqueueMessage(wire.MessageNotInterested()) }
func (c *Conn) SendHave(index int) { c.enqueueMessage(wire.MessageHave(uint32(index))) }
func (c *Conn) SendPort(port uint16) {
	if !c.caps.DHT {
		return
	}
	c.enqueueMessage(wire.MessagePort(port))
}

// SendBitfield enqueues our bitfield. Only one bitfield may be sent per
// connection; subsequent calls are no-ops.
func (c *Conn) SendBitfield(bf bitfield.Bitfield) {
	c.bitfieldMu.Lock()
	if c.bitfieldSent {
		c.bitfieldMu.Unlock()
		return
	}
	c.bitfieldSent = true
	c.bitfieldMu.Unlock()
	c.enqueueMessage(wire.MessageBitfield(bf.Bytes()))
}

// SendRequest enqueues a block request. A no-op if the peer currently has
// us choked.
func (c *Conn) SendRequest(piece, begin, length int) {
	if c.PeerChoking() {
		return
	}
	c.enqueueMessage(wire.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

// SendPiece enqueues a requested block upload.
func (c *Conn) SendPiece(piece, begin int, block []byte) {
	if c.AmChoking() {
		return
	}
	c.enqueueMessage(wire.MessagePiece(uint32(piece), uint32(begin), block))
}

// SendCancel enqueues a cancel for a previously requested block.
func (c *Conn) SendCancel(piece, begin, length int) {
	c.enqueueMessage(wire.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}
