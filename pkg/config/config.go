// Package config holds process-wide tunables for the client: networking
// timeouts, tracker/announce policy, piece-picker limits, and choking
// behavior. A single atomically-swapped Config is shared by every
// collaborator via Load, so runtime tuning never requires plumbing a value
// through every constructor.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// scheduler can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom randomly samples among eligible pieces
	// (often used only for the first few pieces to reduce clumping), then
	// hands over to another strategy.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Great for simplicity and streaming/locality; not ideal for
	// swarm health.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits shared across torrents.
type Config struct {
	// DefaultDownloadDir is the default directory new torrents are saved
	// to. Changing this only affects new torrents.
	DefaultDownloadDir string

	// ClientID is the 20-byte peer id this client advertises in
	// handshakes and announces.
	ClientID [sha1.Size]byte

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed per torrent.
	MaxPeers int

	// EnableIPv6 allows dialing IPv6 peers.
	EnableIPv6 bool

	// EnableDHT enables DHT for peer discovery (future).
	EnableDHT bool

	// EnablePEX enables peer exchange protocol (future).
	EnablePEX bool

	// HasIPV6 records whether this host has a usable IPv6 route; UDP
	// tracker responses only decode peers6 when this is true.
	HasIPV6 bool

	NumWant             uint32
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	Port                uint16

	MaxUploadRate            int64
	MaxDownloadRate          int64
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	PieceDownloadStrategy PieceDownloadStrategy

	// MaxInflightRequestsPerPeer caps outstanding requests to a single
	// peer.
	MaxInflightRequestsPerPeer int

	// MaxInflightRequestsGlobal caps outstanding requests across every
	// peer combined. Kept distinct from the per-peer cap: a single field
	// for both meant one fast peer could exhaust the global budget for
	// every other peer.
	MaxInflightRequestsGlobal int

	// MinInflightRequestsPerPeer is a soft floor so slow/high-latency
	// peers still make progress.
	MinInflightRequestsPerPeer int

	// RequestTimeout is the baseline time after which an in-flight block
	// is considered timed out and reassignable.
	RequestTimeout time.Duration

	// MaxRequestsPerBlock caps duplicate in-flight owners of the same
	// block outside of endgame.
	MaxRequestsPerBlock int

	// EndgameThreshold is the remaining-block count at or below which the
	// scheduler allows duplicate (multi-owner) requests for a block.
	EndgameThreshold int

	// EndgameDupPerBlock caps duplicate owners per block once endgame is
	// active.
	EndgameDupPerBlock int

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration

	PeerHeartbeatInterval time.Duration
	KeepAliveInterval     time.Duration

	// FloodFactor and FloodThreshold parameterize the per-connection flood
	// detector: a connection is flooded once it has moved more than
	// FloodThreshold bytes total and FloodFactor*(overhead+control) has
	// outgrown payload.
	FloodFactor    float64
	FloodThreshold int64
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	ipv6 := hasIPV6()

	return Config{
		DefaultDownloadDir: getDefaultDownloadDir(),
		ClientID:           clientID,

		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		DialTimeout:  7 * time.Second,
		MaxPeers:     50,
		EnableIPv6:   ipv6,
		EnableDHT:    false,
		EnablePEX:    false,
		HasIPV6:      ipv6,

		NumWant:             50,
		AnnounceInterval:    0,
		MinAnnounceInterval: 20 * time.Minute,
		MaxAnnounceBackoff:  45 * time.Minute,
		Port:                6881,

		MaxUploadRate:            0,
		MaxDownloadRate:          0,
		RateLimitRefresh:         200 * time.Millisecond,
		PeerOutboundQueueBacklog: 256,

		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MaxInflightRequestsGlobal:  512,
		MinInflightRequestsPerPeer: 4,
		RequestTimeout:             25 * time.Second,
		MaxRequestsPerBlock:        1,
		EndgameThreshold:           30,
		EndgameDupPerBlock:         2,

		UploadSlots:               4,
		RechokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,

		PeerHeartbeatInterval: 90 * time.Second,
		KeepAliveInterval:     90 * time.Second,

		FloodFactor:    1,
		FloodThreshold: 2 * 1024 * 1024,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "peerwire")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "peerwire", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-PW0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
