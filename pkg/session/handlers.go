package session

import (
	"errors"

	"github.com/prxssh/peerwire/pkg/bitfield"
	"github.com/prxssh/peerwire/pkg/peerconn"
	"github.com/prxssh/peerwire/pkg/scheduler"
)

// handlersFor builds the peerconn.Handlers bound to addr, wiring incoming
// wire events into the scheduler and back out onto the wire. The
// connection for addr is looked up lazily from the registry on each
// callback since adoption registers it before Run starts delivering
// events.
func (s *Session) handlersFor(addr peerconn.PeerID) peerconn.Handlers {
	return peerconn.Handlers{
		OnBitfield: func(peer peerconn.PeerID, bf bitfield.Bitfield) {
			s.sched.OnPeerBitfield(peer, bf)
			s.refreshInterest(peer)
			s.pump(peer)
		},
		OnHave: func(peer peerconn.PeerID, idx int) {
			s.sched.OnPeerHave(peer, idx)
			s.refreshInterest(peer)
			s.pump(peer)
		},
		OnUnchoked: func(peer peerconn.PeerID) {
			s.pump(peer)
		},
		OnPiece: func(peer peerconn.PeerID, piece, begin int, block []byte) {
			s.onBlock(peer, piece, begin, block)
		},
		OnRequest: func(c *peerconn.Conn, piece, begin, length int) {
			data, err := s.sched.ReadPiece(piece, begin, length)
			if err != nil {
				s.log.Debug("request for unavailable block", "peer", c.Addr(), "piece", piece, "error", err)
				return
			}
			c.SendPiece(piece, begin, data)
			s.stats.TotalUploaded.Add(uint64(len(data)))
		},
		OnCancel: func(peer peerconn.PeerID, piece, begin int) {
			s.log.Debug("peer canceled request", "peer", peer, "piece", piece, "begin", begin)
		},
		OnDisconnect: func(peer peerconn.PeerID, err error) {
			var pcErr *peerconn.Error
			if errors.As(err, &pcErr) {
				s.penalize(peer, pcErr.Penalty())
			}
		},
	}
}

// refreshInterest tells peer whether we still want anything it has,
// matching spec.md's interested/not-interested bookkeeping to the
// scheduler's wanted-piece set rather than the peer's raw bitfield.
func (s *Session) refreshInterest(peer peerconn.PeerID) {
	c := s.connFor(peer)
	if c == nil {
		return
	}
	if s.sched.HasAnyWantedPiece(c.Bitfield()) {
		c.SendInterested()
	} else {
		c.SendNotInterested()
	}
}

// pump requests as many new blocks from peer as the scheduler's
// per-peer/global in-flight caps and piece-selection strategy allow.
func (s *Session) pump(peer peerconn.PeerID) {
	c := s.connFor(peer)
	if c == nil {
		return
	}

	pv := &scheduler.PeerView{Peer: peer, Has: c.Bitfield(), Unchoked: !c.PeerChoking()}
	for _, req := range s.sched.NextForPeer(pv) {
		c.SendRequest(req.Piece, req.Begin, req.Length)
	}
}

// mismatchPenalty is the reputation cost applied to each peer that
// contributed a block to a piece whose assembled SHA-1 failed to match
// (spec §4.4 / §8 scenario 2), matching the penalty weight of other
// protocol-level faults (peerconn.Kind's spec-violation penalties are all 1).
const mismatchPenalty = 1

func (s *Session) onBlock(peer peerconn.PeerID, piece, begin int, block []byte) {
	complete, mismatchPeers, cancels, err := s.sched.OnBlockReceived(peer, piece, begin, block)
	if err != nil {
		s.log.Warn("block accounting failed", "peer", peer, "piece", piece, "error", err)
	}
	s.stats.TotalDownloaded.Add(uint64(len(block)))

	for _, p := range mismatchPeers {
		s.penalize(p, mismatchPenalty)
	}

	for _, c := range cancels {
		if conn := s.connFor(c.Peer); conn != nil {
			conn.SendCancel(c.Piece, c.Begin, len(block))
		}
	}

	if complete && s.sched.Bitfield().Has(piece) {
		s.BroadcastHave(piece, peer)
	}

	s.pump(peer)
}

func (s *Session) connFor(addr peerconn.PeerID) *peerconn.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[addr]
}
