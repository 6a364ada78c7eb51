// Package storage implements the on-disk side of the external Store
// collaborator the scheduler writes completed pieces through.
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prxssh/peerwire/pkg/blockaddr"
)

// Store is the storage collaborator the scheduler writes verified pieces
// to and reads served blocks from. Pieces are addressed by index; callers
// are responsible for assembling in-flight blocks before calling
// WritePiece.
type Store interface {
	// WritePiece writes the full bytes of piece index to their position
	// in the dataset.
	WritePiece(index int, data []byte) error

	// ReadPiece reads length bytes starting at begin within piece index.
	ReadPiece(index, begin, length int) ([]byte, error)

	// VerifyPiece reads piece index back from storage and reports whether
	// its SHA-1 matches expected.
	VerifyPiece(index int, expected [sha1.Size]byte) (bool, error)

	// PieceLength returns the byte length of piece index (the last piece
	// may be shorter than the nominal piece length).
	PieceLength(index int) int

	// NumPieces returns the total number of pieces in the dataset.
	NumPieces() int
}

// Disk is a single-file Store implementation. Writes go straight to their
// final offset in a pre-truncated file; nothing is buffered here; the
// caller (the scheduler) owns in-flight block assembly and only calls
// WritePiece once a piece is fully assembled.
type Disk struct {
	f *os.File

	mu          sync.RWMutex
	totalSize   int64
	pieceLength int64
	numPieces   int
}

var _ Store = (*Disk)(nil)

// OpenSingleFile creates or opens a file for dataset storage with the
// given total size, pre-allocating it to avoid fragmentation.
func OpenSingleFile(path string, totalSize, pieceLength int64) (*Disk, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("storage: invalid piece length: %d", pieceLength)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(totalSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: allocate file: %w", err)
	}

	return &Disk{
		f:           f,
		totalSize:   totalSize,
		pieceLength: pieceLength,
		numPieces:   blockaddr.PieceCount(int(totalSize), int(pieceLength)),
	}, nil
}

// Close closes the underlying file.
func (d *Disk) Close() error {
	return d.f.Close()
}

// NumPieces implements Store.
func (d *Disk) NumPieces() int { return d.numPieces }

// PieceLength implements Store.
func (d *Disk) PieceLength(index int) int {
	pl, err := blockaddr.PieceLengthAt(index, int(d.totalSize), int(d.pieceLength))
	if err != nil {
		return 0
	}
	return pl
}

// WritePiece implements Store. data must be exactly PieceLength(index)
// bytes; the write is synced before returning so a verified piece survives
// a crash.
func (d *Disk) WritePiece(index int, data []byte) error {
	pl := d.PieceLength(index)
	if len(data) != pl {
		return fmt.Errorf("storage: piece %d has %d bytes, want %d", index, len(data), pl)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	offset := int64(index) * d.pieceLength
	if _, err := d.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("storage: sync piece %d: %w", index, err)
	}
	return nil
}

// ReadPiece implements Store.
func (d *Disk) ReadPiece(index, begin, length int) ([]byte, error) {
	pl := d.PieceLength(index)
	if begin < 0 || length <= 0 || begin+length > pl {
		return nil, fmt.Errorf("storage: invalid range index=%d begin=%d length=%d pieceLen=%d", index, begin, length, pl)
	}

	buf := make([]byte, length)
	offset := int64(index)*d.pieceLength + int64(begin)

	d.mu.RLock()
	defer d.mu.RUnlock()

	n, err := d.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("storage: read piece %d: %w", index, err)
	}
	if n != length {
		return nil, fmt.Errorf("storage: read %d bytes, want %d", n, length)
	}
	return buf, nil
}

// VerifyPiece implements Store.
func (d *Disk) VerifyPiece(index int, expected [sha1.Size]byte) (bool, error) {
	pl := d.PieceLength(index)

	data, err := d.ReadPiece(index, 0, pl)
	if err != nil {
		return false, err
	}

	return sha1.Sum(data) == expected, nil
}
