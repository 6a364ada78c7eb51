// Package session multiplexes many peer connections for one swarm: it
// owns the connection registry, the download scheduler, the persisted
// bitfield, and the choke algorithm, and serves the start/connect/accept/
// progress/stop operations callers use to drive a download.
package session

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/peerconn"
	"github.com/prxssh/peerwire/pkg/scheduler"
	"github.com/prxssh/peerwire/pkg/storage"
)

// Config holds the per-session tunables. New replaces a Config whose
// MaxPeers is zero with ConfigFromGlobal as a whole; a Config with MaxPeers
// set is used as given, and its other zero-value fields are not filled in
// from the process-wide defaults.
type Config struct {
	MaxPeers                  int
	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration
	RequestTimeout            time.Duration
	KeepAliveInterval         time.Duration
}

// ConfigFromGlobal builds a session Config from the process-wide config.
func ConfigFromGlobal() Config {
	c := config.Load()
	return Config{
		MaxPeers:                  c.MaxPeers,
		UploadSlots:               c.UploadSlots,
		RechokeInterval:           c.RechokeInterval,
		OptimisticUnchokeInterval: c.OptimisticUnchokeInterval,
		RequestTimeout:            c.RequestTimeout,
		KeepAliveInterval:         c.KeepAliveInterval,
	}
}

// Stats aggregates swarm-wide counters.
type Stats struct {
	TotalDownloaded atomic.Uint64
	TotalUploaded   atomic.Uint64
}

// StatsSnapshot is a point-in-time, copyable view of Stats plus derived
// peer counts.
type StatsSnapshot struct {
	TotalPeers      int
	UnchokedPeers   int
	InterestedPeers int
	TotalDownloaded uint64
	TotalUploaded   uint64
	DownloadRate    uint64
	UploadRate      uint64
}

// Progress reports a snapshot of transfer progress in bytes.
type Progress struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
}

// Opts constructs a Session.
type Opts struct {
	InfoHash    [sha1.Size]byte
	ClientID    [sha1.Size]byte
	TotalSize   int
	PieceLength int
	PieceHashes [][sha1.Size]byte
	Store       storage.Store
	IsSeeder    bool
	Config      Config
	Log         *slog.Logger
}

// Session is one swarm's coordinator: connection registry, scheduler, and
// choke algorithm.
type Session struct {
	log      *slog.Logger
	cfg      Config
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte
	isSeeder bool

	sched       *scheduler.Scheduler
	store       storage.Store
	pieceHashes [][sha1.Size]byte

	stats Stats

	mu    sync.RWMutex
	conns map[peerconn.PeerID]*peerconn.Conn

	repMu      sync.Mutex
	reputation map[peerconn.PeerID]int

	optimistic atomic.Value // peerconn.PeerID
	rng        *rand.Rand
	rngMu      sync.Mutex

	connectCh chan peerconn.PeerID

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Session around a fresh scheduler for the given
// dataset. The scheduler is not started until Start is called.
func New(opts Opts) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	sched, err := scheduler.New(opts.TotalSize, opts.PieceLength, opts.PieceHashes, opts.Store, log)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	cfg := opts.Config
	if cfg.MaxPeers == 0 {
		cfg = ConfigFromGlobal()
	}

	s := &Session{
		log:         log.With("component", "session"),
		cfg:         cfg,
		infoHash:    opts.InfoHash,
		clientID:    opts.ClientID,
		isSeeder:    opts.IsSeeder,
		sched:       sched,
		store:       opts.Store,
		pieceHashes: opts.PieceHashes,
		conns:       make(map[peerconn.PeerID]*peerconn.Conn),
		reputation:  make(map[peerconn.PeerID]int),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		connectCh:   make(chan peerconn.PeerID, cfg.MaxPeers),
	}
	s.optimistic.Store(peerconn.PeerID{})

	return s, nil
}

// InfoHash returns the swarm identifier this session serves.
func (s *Session) InfoHash() [sha1.Size]byte { return s.infoHash }

// PieceCount reports the number of pieces in the dataset, used by the
// manager to resolve inbound handshakes to this session.
func (s *Session) PieceCount() int { return s.sched.Bitfield().NumPieces() }

// Start verifies on-disk pieces against their hashes to seed the our-
// bitfield with whatever is already complete, then marks the session
// running. Safe to call once.
func (s *Session) Start(ctx context.Context) error {
	n := s.PieceCount()
	resumed := 0
	for i := 0; i < n; i++ {
		ok, err := s.store.VerifyPiece(i, s.pieceHashes[i])
		if err != nil {
			return fmt.Errorf("session: start: verify piece %d: %w", i, err)
		}
		if ok {
			s.sched.ResumeVerifiedPiece(i)
			resumed++
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.maintenanceLoop(ctx) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.chokeLoop(ctx) }()

	for i := 0; i < 4; i++ {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.dialerLoop(ctx) }()
	}

	s.log.Info("session started", "pieces", n, "resumed", resumed)
	return nil
}

// Stop gracefully closes every connection and stops all background loops.
func (s *Session) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	conns := make([]*peerconn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SendNotInterested()
		c.Close()
	}

	s.wg.Wait()
	s.log.Info("session stopped")
}

// Progress reports downloaded/uploaded/left byte counts. Downloaded only
// counts verified pieces.
func (s *Session) Progress(totalSize int) Progress {
	bf := s.sched.Bitfield()
	downloaded := int64(0)
	for i := 0; i < bf.NumPieces(); i++ {
		if bf.Has(i) {
			downloaded += int64(s.store.PieceLength(i))
		}
	}

	return Progress{
		Downloaded: downloaded,
		Uploaded:   int64(s.stats.TotalUploaded.Load()),
		Left:       int64(totalSize) - downloaded,
	}
}

// Stats returns a snapshot of swarm-wide counters.
func (s *Session) Stats() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatsSnapshot{
		TotalPeers:      len(s.conns),
		TotalDownloaded: s.stats.TotalDownloaded.Load(),
		TotalUploaded:   s.stats.TotalUploaded.Load(),
	}
	for _, c := range s.conns {
		if !c.AmChoking() {
			snap.UnchokedPeers++
		}
		if c.PeerInterested() {
			snap.InterestedPeers++
		}
		snap.DownloadRate += c.DownloadRate()
		snap.UploadRate += c.UploadRate()
	}
	return snap
}

// penalize lowers peer's long-term reputation by n. Reputation only ever
// decreases; it is consulted by callers deciding whether to keep offering a
// peer fresh connect attempts.
func (s *Session) penalize(peer peerconn.PeerID, n int) {
	if n == 0 {
		return
	}
	s.repMu.Lock()
	s.reputation[peer] -= n
	s.repMu.Unlock()
}

// Reputation returns peer's accumulated penalty total (zero or negative;
// zero means no fault has ever been recorded against it).
func (s *Session) Reputation(peer peerconn.PeerID) int {
	s.repMu.Lock()
	defer s.repMu.Unlock()
	return s.reputation[peer]
}

// AdmitPeers enqueues candidate addresses for outbound connection. Full
// queues drop the address and log, matching the connector pool's
// backpressure policy.
func (s *Session) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.connectCh <- addr:
		default:
			s.log.Warn("connect queue full, dropping candidate", "addr", addr)
		}
	}
}

// Connect dials addr and, on success, registers and runs the connection
// under this session. It blocks until the connection ends.
func (s *Session) Connect(ctx context.Context, addr peerconn.PeerID) error {
	conn, err := peerconn.Dial(ctx, addr, [sha1.Size]byte{}, peerconn.Opts{
		InfoHash:    s.infoHash,
		LocalPeerID: s.clientID,
		PieceCount:  s.PieceCount(),
		Log:         s.log,
		Handlers:    s.handlersFor(addr),
	})
	if err != nil {
		return err
	}
	return s.adopt(ctx, conn)
}

// Accept adopts an inbound connection that the manager has routed to this
// session: peerconn.Accept reads the remote handshake, resolves it to this
// session's PieceCount, and writes ours back. It blocks until the
// connection ends.
func (s *Session) Accept(ctx context.Context, nc net.Conn, localPeerID [sha1.Size]byte) error {
	addr, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	conn, err := peerconn.Accept(ctx, nc, func([sha1.Size]byte) (int, bool) {
		return s.PieceCount(), true
	}, localPeerID, func([sha1.Size]byte) peerconn.Opts {
		return peerconn.Opts{Log: s.log, Handlers: s.handlersFor(addr)}
	})
	if err != nil {
		return err
	}
	return s.adopt(ctx, conn)
}

func (s *Session) adopt(ctx context.Context, conn *peerconn.Conn) error {
	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxPeers {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session: max peers reached")
	}
	if _, dup := s.conns[conn.Addr()]; dup {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conns[conn.Addr()] = conn
	s.mu.Unlock()

	conn.SendBitfield(s.sched.Bitfield())

	err := conn.Run(ctx)

	s.mu.Lock()
	delete(s.conns, conn.Addr())
	s.mu.Unlock()
	s.sched.OnPeerGone(conn.Addr(), conn.Bitfield())

	return err
}

func (s *Session) dialerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-s.connectCh:
			if !ok {
				return
			}
			if err := s.Connect(ctx, addr); err != nil {
				s.log.Debug("connect failed", "addr", addr, "error", err)
			}
		}
	}
}

// BroadcastHave sends have(idx) to every connected peer except the one
// that supplied the piece (it already knows it has it).
func (s *Session) BroadcastHave(idx int, exclude peerconn.PeerID) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for addr, c := range s.conns {
		if addr == exclude {
			continue
		}
		c.SendHave(idx)
	}
}

func (s *Session) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RequestTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.sched.ScanTimedOutBlocks(s.cfg.RequestTimeout) {
				s.log.Debug("block timed out", "peer", t.Peer, "piece", t.Piece)
			}
		}
	}
}

func (s *Session) chokeLoop(ctx context.Context) {
	regular := time.NewTicker(s.cfg.RechokeInterval)
	defer regular.Stop()
	optimistic := time.NewTicker(s.cfg.OptimisticUnchokeInterval)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-regular.C:
			s.recalculateRegularUnchokes()
		case <-optimistic.C:
			s.recalculateOptimisticUnchoke()
		}
	}
}

func (s *Session) recalculateRegularUnchokes() {
	s.mu.RLock()
	candidates := make([]*peerconn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.PeerInterested() {
			candidates = append(candidates, c)
		}
	}
	all := make([]*peerconn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.mu.RUnlock()

	// Rank by the rate that matters for this role: seeders have nothing to
	// download, so they rank by how fast a peer absorbs our uploads;
	// leechers rank by how fast a peer feeds us data.
	sort.Slice(candidates, func(i, j int) bool {
		if s.isSeeder {
			return candidates[i].UploadRate() > candidates[j].UploadRate()
		}
		return candidates[i].DownloadRate() > candidates[j].DownloadRate()
	})

	top := make(map[peerconn.PeerID]struct{})
	for i := 0; i < len(candidates) && i < s.cfg.UploadSlots; i++ {
		top[candidates[i].Addr()] = struct{}{}
	}

	optimisticAddr := s.optimistic.Load().(peerconn.PeerID)
	for _, c := range all {
		_, isTop := top[c.Addr()]
		isOptimistic := c.Addr() == optimisticAddr
		switch {
		case isTop || isOptimistic:
			if c.AmChoking() {
				c.SendUnchoke()
			}
		default:
			if !c.AmChoking() {
				c.SendChoke()
			}
		}
	}
}

func (s *Session) recalculateOptimisticUnchoke() {
	s.mu.RLock()
	var candidates []*peerconn.Conn
	for _, c := range s.conns {
		if c.PeerInterested() && c.AmChoking() {
			candidates = append(candidates, c)
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		s.optimistic.Store(peerconn.PeerID{})
		return
	}

	s.rngMu.Lock()
	pick := candidates[s.rng.Intn(len(candidates))]
	s.rngMu.Unlock()

	s.optimistic.Store(pick.Addr())
	pick.SendUnchoke()
}
