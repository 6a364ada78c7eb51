package scheduler

import (
	"time"

	"github.com/prxssh/peerwire/pkg/bitfield"
	"github.com/prxssh/peerwire/pkg/blockaddr"
	"github.com/prxssh/peerwire/pkg/config"
)

// NextForPeer returns up to the peer's available request budget worth of
// new block requests, honoring the configured piece-selection strategy. It
// returns nil once the peer has no more capacity or no eligible piece.
func (s *Scheduler) NextForPeer(pv *PeerView) []*Request {
	if !pv.Unchoked {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := config.Load()
	s.endgame = s.remainingBlocks > 0 && s.remainingBlocks <= cfg.EndgameThreshold

	perPeerLeft := cfg.MaxInflightRequestsPerPeer - s.peerInflightCount[pv.Peer]
	globalLeft := cfg.MaxInflightRequestsGlobal - s.inflightGlobal
	limit := min(perPeerLeft, globalLeft)
	if limit <= 0 {
		return nil
	}

	switch cfg.PieceDownloadStrategy {
	case config.PieceDownloadStrategySequential:
		return s.selectSequential(pv, limit)
	case config.PieceDownloadStrategyRandom:
		return s.selectRandomFirst(pv, limit)
	default:
		return s.selectRarestFirst(pv, limit)
	}
}

// eligible reports whether pieceIdx can still be assigned to peer: not yet
// verified, wanted, and peer has it. Per-block ownership limits are checked
// separately by blockIsAssignable.
func (s *Scheduler) eligible(pieceIdx int, bf bitfield.Bitfield) bool {
	p := s.pieces[pieceIdx]
	if p.verified || !s.isWanted(pieceIdx) || !bf.Has(pieceIdx) {
		return false
	}
	return true
}

// assignBlockToPeer marks block blockIdx of pieceIdx as owned by peer and
// returns the concrete Request. Caller holds s.mu.
func (s *Scheduler) assignBlockToPeer(peer PeerID, pieceIdx, blockIdx int) *Request {
	pieceLen := s.pieceLengthFor(pieceIdx)
	begin, length, err := blockaddr.BlockBounds(pieceLen, blockIdx)
	if err != nil {
		return nil
	}

	blk := &s.pieces[pieceIdx].blocks[blockIdx]
	if blk.owners == nil {
		blk.owners = make(map[PeerID]ownerMeta)
	}
	blk.owners[peer] = ownerMeta{sentAt: time.Now()}

	key := packKey(pieceIdx, blockIdx)
	if s.peerBlockAssignments[peer] == nil {
		s.peerBlockAssignments[peer] = make(map[uint64]struct{})
	}
	s.peerBlockAssignments[peer][key] = struct{}{}
	s.peerInflightCount[peer]++
	s.inflightGlobal++

	return &Request{Peer: peer, Piece: pieceIdx, Begin: begin, Length: length}
}

// blockIsAssignable reports whether blockIdx of pieceIdx can take peer as a
// new owner: it must not already be done, peer must not already be an
// owner (never re-request the same block from the same peer, spec §4.4),
// and the per-block duplicate cap (1 outside endgame, EndgameDupPerBlock
// once in endgame) must not yet be reached.
func (s *Scheduler) blockIsAssignable(pieceIdx, blockIdx int, peer PeerID) bool {
	blk := &s.pieces[pieceIdx].blocks[blockIdx]
	if blk.done {
		return false
	}
	if _, already := blk.owners[peer]; already {
		return false
	}

	cfg := config.Load()
	dupCap := cfg.MaxRequestsPerBlock
	if s.endgame {
		dupCap = cfg.EndgameDupPerBlock
	}
	return len(blk.owners) < dupCap
}

func (s *Scheduler) selectSequential(pv *PeerView, limit int) []*Request {
	var out []*Request

	for s.nextPiece < len(s.pieces) && len(out) < limit {
		p := s.pieces[s.nextPiece]
		if p.verified || !s.isWanted(s.nextPiece) || !pv.Has.Has(s.nextPiece) {
			s.nextPiece++
			s.nextBlock = 0
			continue
		}

		for s.nextBlock < len(p.blocks) && len(out) < limit {
			if s.blockIsAssignable(s.nextPiece, s.nextBlock, pv.Peer) {
				if req := s.assignBlockToPeer(pv.Peer, s.nextPiece, s.nextBlock); req != nil {
					out = append(out, req)
				}
			}
			s.nextBlock++
		}

		if s.nextBlock >= len(p.blocks) {
			s.nextPiece++
			s.nextBlock = 0
		}
	}

	return out
}

// selectRarestFirst implements spec §4.4's piece-selection order: first
// exhaust any piece this peer has already started contributing to (so a
// download doesn't fragment across many simultaneous pieces), then fall
// back to rarest-first over the availability buckets.
func (s *Scheduler) selectRarestFirst(pv *PeerView, limit int) []*Request {
	var out []*Request

	s.assignFromInProgress(pv, limit, &out)
	if len(out) >= limit {
		return out
	}

	maxAvail := config.Load().MaxPeers
	for avail := 0; avail <= maxAvail && len(out) < limit; avail++ {
		bucket := s.availability.Bucket(avail)
		for _, pieceIdx := range bucket {
			if len(out) >= limit {
				break
			}
			if !s.eligible(pieceIdx, pv.Has) {
				continue
			}

			p := s.pieces[pieceIdx]
			for blockIdx := range p.blocks {
				if len(out) >= limit {
					break
				}
				if s.blockIsAssignable(pieceIdx, blockIdx, pv.Peer) {
					if req := s.assignBlockToPeer(pv.Peer, pieceIdx, blockIdx); req != nil {
						out = append(out, req)
					}
				}
			}
		}
	}

	return out
}

// assignFromInProgress appends requests for unassigned blocks of any
// piece-in-progress (a piece with at least one received block, not yet
// verified) that pv has and can still take blocks from, in piece-index
// order. Caller holds s.mu.
func (s *Scheduler) assignFromInProgress(pv *PeerView, limit int, out *[]*Request) {
	for pieceIdx, p := range s.pieces {
		if len(*out) >= limit {
			return
		}
		if p.verified || p.doneBlocks == 0 || !s.isWanted(pieceIdx) || !pv.Has.Has(pieceIdx) {
			continue
		}

		for blockIdx := range p.blocks {
			if len(*out) >= limit {
				return
			}
			if s.blockIsAssignable(pieceIdx, blockIdx, pv.Peer) {
				if req := s.assignBlockToPeer(pv.Peer, pieceIdx, blockIdx); req != nil {
					*out = append(*out, req)
				}
			}
		}
	}
}

func (s *Scheduler) selectRandomFirst(pv *PeerView, limit int) []*Request {
	candidates := make([]int, 0, len(s.pieces))
	for i, p := range s.pieces {
		if !p.verified && s.isWanted(i) && pv.Has.Has(i) {
			candidates = append(candidates, i)
		}
	}

	s.rng.Shuffle(len(candidates), func(a, b int) {
		candidates[a], candidates[b] = candidates[b], candidates[a]
	})

	var out []*Request
	for _, pieceIdx := range candidates {
		if len(out) >= limit {
			break
		}

		p := s.pieces[pieceIdx]
		for blockIdx := range p.blocks {
			if len(out) >= limit {
				break
			}
			if s.blockIsAssignable(pieceIdx, blockIdx, pv.Peer) {
				if req := s.assignBlockToPeer(pv.Peer, pieceIdx, blockIdx); req != nil {
					out = append(out, req)
				}
			}
		}
	}

	return out
}
