// Package scheduler decides which blocks to request from which peers, owns
// in-flight request bookkeeping, and drives pieces from first byte through
// SHA-1 verification and final storage write.
package scheduler

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/peerwire/pkg/availabilitybucket"
	"github.com/prxssh/peerwire/pkg/bitfield"
	"github.com/prxssh/peerwire/pkg/blockaddr"
	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/storage"
)

// PeerID identifies a connected peer by its dial/accept address.
type PeerID = netip.AddrPort

// PeerView is the scheduler's view of a single peer: the pieces it has and
// whether it currently has us unchoked (able to serve requests).
type PeerView struct {
	Peer     PeerID
	Has      bitfield.Bitfield
	Unchoked bool
}

// Request is a block to fetch from a specific peer.
type Request struct {
	Peer   PeerID
	Piece  int
	Begin  int
	Length int
}

// Cancel tells a peer connection to send a Cancel message: another owner of
// the same block already delivered it.
type Cancel struct {
	Peer  PeerID
	Piece int
	Begin int
}

// Timeout reports a block that was reassigned after exceeding
// config.RequestTimeout without a response.
type Timeout struct {
	Peer  PeerID
	Piece int
	Begin int
}

// PieceState summarizes a single piece's download progress.
type PieceState int

const (
	NotStarted PieceState = iota
	InProgress
	Completed
)

type ownerMeta struct {
	sentAt time.Time
}

type blockInfo struct {
	owners      map[PeerID]ownerMeta
	done        bool
	data        []byte
	contributor PeerID // peer whose data this block holds, valid when done
}

type pieceInfo struct {
	blocks     []blockInfo
	doneBlocks int
	verified   bool
}

// Scheduler is the single authority over which blocks are in flight, to
// whom, and what has been verified to disk. It is safe for concurrent use
// by multiple peer connections.
type Scheduler struct {
	mu sync.Mutex

	store       storage.Store
	pieceHashes [][sha1.Size]byte
	pieceLength int
	totalSize   int
	log         *slog.Logger

	pieces       []*pieceInfo
	availability *availabilitybucket.Bucket
	bitfield     bitfield.Bitfield

	// wanted restricts downloads to a subset of pieces (selective
	// download). A nil map means every piece is wanted.
	wanted map[int]bool

	nextPiece int
	nextBlock int

	endgame         bool
	remainingBlocks int

	rng *rand.Rand

	// peerBlockAssignments is the reverse index from peer to the set of
	// blocks (packed piece/block keys) it currently owns, so a peer
	// disconnect can release its blocks in O(assignments) instead of
	// scanning every piece.
	peerBlockAssignments map[PeerID]map[uint64]struct{}
	peerInflightCount    map[PeerID]int
	inflightGlobal       int
}

// New constructs a Scheduler for a dataset of totalSize bytes split into
// pieceLength-byte pieces (the last piece may be shorter), verified against
// pieceHashes, backed by store for completed-piece writes and served reads.
func New(totalSize, pieceLength int, pieceHashes [][sha1.Size]byte, store storage.Store, log *slog.Logger) (*Scheduler, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("scheduler: invalid piece length %d", pieceLength)
	}

	n := blockaddr.PieceCount(totalSize, pieceLength)
	if len(pieceHashes) != n {
		return nil, fmt.Errorf("scheduler: expected %d piece hashes, got %d", n, len(pieceHashes))
	}
	if log == nil {
		log = slog.Default()
	}

	cfg := config.Load()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	pieces := make([]*pieceInfo, n)
	remaining := 0
	for i := 0; i < n; i++ {
		pl, err := blockaddr.PieceLengthAt(i, totalSize, pieceLength)
		if err != nil {
			return nil, err
		}
		nb := blockaddr.BlockCountForPiece(pl, blockaddr.BlockLength)
		pieces[i] = &pieceInfo{blocks: make([]blockInfo, nb)}
		remaining += nb
	}

	return &Scheduler{
		store:                store,
		pieceHashes:          pieceHashes,
		pieceLength:          pieceLength,
		totalSize:            totalSize,
		log:                  log.With("component", "scheduler"),
		pieces:               pieces,
		availability:         availabilitybucket.NewBucket(n, cfg.MaxPeers, rng),
		bitfield:             bitfield.New(n),
		nextPiece:            0,
		nextBlock:            0,
		remainingBlocks:      remaining,
		rng:                  rng,
		peerBlockAssignments: make(map[PeerID]map[uint64]struct{}),
		peerInflightCount:    make(map[PeerID]int),
	}, nil
}

// packKey combines a piece and block index into a single key for the
// peer-to-block reverse index.
func packKey(pieceIdx, blockIdx int) uint64 {
	return uint64(uint32(pieceIdx))<<32 | uint64(uint32(blockIdx))
}

// ResumeVerifiedPiece marks pieceIdx as already complete, for seeding the
// scheduler's bitfield from a resume scan that found matching data already
// on disk. It does not touch storage; the caller is expected to have
// verified the piece itself (via storage.Store.VerifyPiece) first.
func (s *Scheduler) ResumeVerifiedPiece(pieceIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return
	}
	p := s.pieces[pieceIdx]
	if p.verified {
		return
	}

	s.remainingBlocks -= len(p.blocks) - p.doneBlocks
	p.doneBlocks = len(p.blocks)
	p.verified = true
	s.bitfield.Set(pieceIdx)
}

// Bitfield returns a snapshot of verified pieces.
func (s *Scheduler) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Clone()
}

// SetWanted restricts downloads to the given piece set. Passing nil wants
// every piece.
func (s *Scheduler) SetWanted(pieces map[int]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = pieces
}

func (s *Scheduler) isWanted(idx int) bool {
	if s.wanted == nil {
		return true
	}
	return s.wanted[idx]
}

// OnPeerBitfield records that peer has every piece set in bf, bumping
// availability for each.
func (s *Scheduler) OnPeerBitfield(peer PeerID, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < bf.NumPieces(); i++ {
		if bf.Has(i) {
			s.availability.Move(i, 1)
		}
	}
}

// OnPeerHave records that peer now has piece idx.
func (s *Scheduler) OnPeerHave(peer PeerID, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability.Move(idx, 1)
}

// OnPeerGone releases every block peer had in flight back to the pool and
// decrements availability for the pieces bf says it had.
func (s *Scheduler) OnPeerGone(peer PeerID, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < bf.NumPieces(); i++ {
		if bf.Has(i) {
			s.availability.Move(i, -1)
		}
	}

	for key := range s.peerBlockAssignments[peer] {
		pieceIdx, blockIdx := int(uint32(key>>32)), int(uint32(key))
		s.releaseOwner(peer, pieceIdx, blockIdx)
	}

	delete(s.peerBlockAssignments, peer)
	delete(s.peerInflightCount, peer)
}

// releaseOwner removes peer as an owner of the given block. Caller holds
// s.mu.
func (s *Scheduler) releaseOwner(peer PeerID, pieceIdx, blockIdx int) {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return
	}
	blk := &s.pieces[pieceIdx].blocks[blockIdx]
	if blk.done {
		return
	}
	if _, ok := blk.owners[peer]; !ok {
		return
	}
	delete(blk.owners, peer)
	s.inflightGlobal--
}

// HasAnyWantedPiece reports whether peer (per bf) has at least one piece we
// still need.
func (s *Scheduler) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pieces {
		if p.verified || !s.isWanted(i) {
			continue
		}
		if bf.Has(i) {
			return true
		}
	}
	return false
}

// OnTimeout reclaims a single in-flight block if peer is still its owner,
// reverting it to available once no owners remain.
func (s *Scheduler) OnTimeout(peer PeerID, pieceIdx, begin int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockIdx := blockaddr.BlockIndexForBegin(begin, s.pieceLengthFor(pieceIdx))
	s.releaseOwner(peer, pieceIdx, blockIdx)
	delete(s.peerBlockAssignments[peer], packKey(pieceIdx, blockIdx))
	if c := s.peerInflightCount[peer]; c > 0 {
		s.peerInflightCount[peer] = c - 1
	}
}

// ScanTimedOutBlocks drops every block ownership that was assigned more than
// timeout ago (other owners of the same block keep theirs) and returns the
// set of (peer,block) pairs that were reclaimed so callers can send Cancel
// where appropriate.
func (s *Scheduler) ScanTimedOutBlocks(timeout time.Duration) []Timeout {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var out []Timeout

	for pieceIdx, p := range s.pieces {
		if p.verified {
			continue
		}
		for blockIdx := range p.blocks {
			blk := &p.blocks[blockIdx]
			if blk.done || len(blk.owners) == 0 {
				continue
			}
			for peer, meta := range blk.owners {
				if meta.sentAt.Before(cutoff) {
					delete(blk.owners, peer)
					s.inflightGlobal--
					delete(s.peerBlockAssignments[peer], packKey(pieceIdx, blockIdx))
					if c := s.peerInflightCount[peer]; c > 0 {
						s.peerInflightCount[peer] = c - 1
					}
					out = append(out, Timeout{Peer: peer, Piece: pieceIdx, Begin: blockIdx * blockaddr.BlockLength})
				}
			}
		}
	}

	return out
}

// OnBlockReceived records a delivered block from peer. Once every block in
// the piece has arrived, the assembled piece is SHA-1 verified and, on
// success, written through to storage. complete reports whether the piece
// finished (successfully or not — a failed verification resets the piece
// for re-download and complete is still true since no further blocks are
// outstanding for it at that moment). On a failed verification,
// mismatchPeers lists every distinct peer that contributed a block to the
// corrupt assembly, so the caller can penalize their reputations (spec §4.4:
// "decrement all contributing peers' reputations"); it is nil on success.
// cancels lists every other peer that had the same block in flight (endgame
// duplicate requests) so their connections can be told to stop sending it.
func (s *Scheduler) OnBlockReceived(peer PeerID, pieceIdx, begin int, data []byte) (complete bool, mismatchPeers []PeerID, cancels []Cancel, err error) {
	s.mu.Lock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		s.mu.Unlock()
		return false, nil, nil, fmt.Errorf("scheduler: piece %d out of range", pieceIdx)
	}
	p := s.pieces[pieceIdx]
	pieceLen := s.pieceLengthFor(pieceIdx)
	blockIdx := blockaddr.BlockIndexForBegin(begin, pieceLen)
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		s.mu.Unlock()
		return false, nil, nil, fmt.Errorf("scheduler: block %d out of range for piece %d", blockIdx, pieceIdx)
	}

	blk := &p.blocks[blockIdx]
	if blk.done {
		s.mu.Unlock()
		return false, nil, nil, nil
	}

	for owner := range blk.owners {
		if owner != peer {
			cancels = append(cancels, Cancel{Peer: owner, Piece: pieceIdx, Begin: begin})
		}
		delete(s.peerBlockAssignments[owner], packKey(pieceIdx, blockIdx))
		if c := s.peerInflightCount[owner]; c > 0 {
			s.peerInflightCount[owner] = c - 1
		}
		s.inflightGlobal--
	}
	blk.owners = nil
	blk.done = true
	blk.data = append([]byte(nil), data...)
	blk.contributor = peer
	p.doneBlocks++
	s.remainingBlocks--
	s.endgame = s.remainingBlocks > 0 && s.remainingBlocks <= config.Load().EndgameThreshold

	if p.doneBlocks < len(p.blocks) {
		s.mu.Unlock()
		return false, nil, cancels, nil
	}

	assembled := make([]byte, 0, pieceLen)
	for i := range p.blocks {
		assembled = append(assembled, p.blocks[i].data...)
	}

	ok := sha1.Sum(assembled) == s.pieceHashes[pieceIdx]
	if ok {
		p.verified = true
		s.bitfield.Set(pieceIdx)
	} else {
		s.log.Warn("piece.hash_mismatch", "piece", pieceIdx)
		mismatchPeers = contributorSet(p)
		s.resetPiece(pieceIdx)
	}
	s.mu.Unlock()

	if ok {
		if werr := s.store.WritePiece(pieceIdx, assembled); werr != nil {
			return true, nil, cancels, fmt.Errorf("scheduler: write piece %d: %w", pieceIdx, werr)
		}
	}

	return true, mismatchPeers, cancels, nil
}

// contributorSet returns the distinct set of peers that supplied a done
// block of p. Caller holds s.mu.
func contributorSet(p *pieceInfo) []PeerID {
	seen := make(map[PeerID]struct{}, len(p.blocks))
	var out []PeerID
	for i := range p.blocks {
		if !p.blocks[i].done {
			continue
		}
		c := p.blocks[i].contributor
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// resetPiece clears a piece's accumulated blocks so it is requested again.
// Caller holds s.mu.
func (s *Scheduler) resetPiece(pieceIdx int) {
	p := s.pieces[pieceIdx]
	s.remainingBlocks += p.doneBlocks
	p.doneBlocks = 0
	for i := range p.blocks {
		p.blocks[i] = blockInfo{}
	}
}

func (s *Scheduler) pieceLengthFor(pieceIdx int) int {
	pl, err := blockaddr.PieceLengthAt(pieceIdx, s.totalSize, s.pieceLength)
	if err != nil {
		return s.pieceLength
	}
	return pl
}

// ReadPiece serves a block of already-verified piece data back through
// storage for upload to other peers.
func (s *Scheduler) ReadPiece(pieceIdx, begin, length int) ([]byte, error) {
	s.mu.Lock()
	verified := pieceIdx >= 0 && pieceIdx < len(s.pieces) && s.pieces[pieceIdx].verified
	s.mu.Unlock()

	if !verified {
		return nil, fmt.Errorf("scheduler: piece %d not verified", pieceIdx)
	}
	return s.store.ReadPiece(pieceIdx, begin, length)
}

// PieceStates returns the current state of every piece, in index order.
func (s *Scheduler) PieceStates() []PieceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PieceState, len(s.pieces))
	for i, p := range s.pieces {
		switch {
		case p.verified:
			out[i] = Completed
		case p.doneBlocks > 0:
			out[i] = InProgress
		default:
			out[i] = NotStarted
		}
	}
	return out
}
