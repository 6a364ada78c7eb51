package session

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/storage"
)

func TestMain(m *testing.M) {
	config.Init()
	config.Update(func(c *config.Config) {
		c.RequestTimeout = 2 * time.Second
		c.RechokeInterval = 50 * time.Millisecond
		c.OptimisticUnchokeInterval = 100 * time.Millisecond
		c.KeepAliveInterval = time.Second
		c.DialTimeout = time.Second
	})
	os.Exit(m.Run())
}

func newDataset(t *testing.T, pieceLength, totalSize int) (path string, data []byte, hashes [][sha1.Size]byte) {
	t.Helper()

	data = make([]byte, totalSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	n := (totalSize + pieceLength - 1) / pieceLength
	hashes = make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > totalSize {
			end = totalSize
		}
		hashes[i] = sha1.Sum(data[start:end])
	}

	path = filepath.Join(t.TempDir(), "dataset.bin")
	return path, data, hashes
}

func listenAndAccept(t *testing.T, sess *Session, ctx context.Context) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		go sess.Accept(ctx, nc, sess.clientID)
	}()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse listener addr: %v", err)
	}
	return addr
}

// TestSessionSinglePieceTransfer drives a real TCP handshake between a
// seeding session (holds the only piece) and a leeching session (wants
// it), and checks the block arrives, is verified, and the scheduler
// reports the piece complete.
func TestSessionSinglePieceTransfer(t *testing.T) {
	const pieceLength = 16 * 1024
	const totalSize = pieceLength

	seedPath, data, hashes := newDataset(t, pieceLength, totalSize)
	seedStore, err := storage.OpenSingleFile(seedPath, totalSize, pieceLength)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	defer seedStore.Close()
	if err := seedStore.WritePiece(0, data); err != nil {
		t.Fatalf("seed WritePiece: %v", err)
	}

	leechPath := filepath.Join(t.TempDir(), "leech.bin")
	leechStore, err := storage.OpenSingleFile(leechPath, totalSize, pieceLength)
	if err != nil {
		t.Fatalf("leech store: %v", err)
	}
	defer leechStore.Close()

	var infoHash [sha1.Size]byte
	copy(infoHash[:], "integration-test-hash")

	seed, err := New(Opts{
		InfoHash:    infoHash,
		ClientID:    [sha1.Size]byte{1},
		TotalSize:   totalSize,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Store:       seedStore,
		IsSeeder:    true,
	})
	if err != nil {
		t.Fatalf("New(seed): %v", err)
	}

	leech, err := New(Opts{
		InfoHash:    infoHash,
		ClientID:    [sha1.Size]byte{2},
		TotalSize:   totalSize,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Store:       leechStore,
	})
	if err != nil {
		t.Fatalf("New(leech): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := seed.Start(ctx); err != nil {
		t.Fatalf("seed.Start: %v", err)
	}
	defer seed.Stop()
	if err := leech.Start(ctx); err != nil {
		t.Fatalf("leech.Start: %v", err)
	}
	defer leech.Stop()

	seedAddr := listenAndAccept(t, seed, ctx)

	go leech.Connect(ctx, seedAddr)

	deadline := time.After(4 * time.Second)
	for {
		if leech.sched.Bitfield().Has(0) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for leech to complete piece 0")
		case <-time.After(20 * time.Millisecond):
		}
	}

	got, err := leechStore.ReadPiece(0, 0, totalSize)
	if err != nil {
		t.Fatalf("leech ReadPiece: %v", err)
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], data[i])
		}
	}
}
