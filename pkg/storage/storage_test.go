package storage

import (
	"crypto/sha1"
	"path/filepath"
	"testing"
)

func TestDiskWriteReadVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.bin")

	const pieceLength = 16
	const totalSize = 40 // 3 pieces: 16, 16, 8

	d, err := OpenSingleFile(path, totalSize, pieceLength)
	if err != nil {
		t.Fatalf("OpenSingleFile: %v", err)
	}
	defer d.Close()

	if got := d.NumPieces(); got != 3 {
		t.Fatalf("NumPieces() = %d, want 3", got)
	}
	if got := d.PieceLength(2); got != 8 {
		t.Fatalf("PieceLength(2) = %d, want 8 (last piece)", got)
	}

	piece0 := make([]byte, 16)
	for i := range piece0 {
		piece0[i] = byte(i)
	}

	if err := d.WritePiece(0, piece0); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := d.ReadPiece(0, 4, 8)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("ReadPiece returned %d bytes, want 8", len(got))
	}
	for i, b := range got {
		if b != piece0[4+i] {
			t.Fatalf("byte %d = %d, want %d", i, b, piece0[4+i])
		}
	}

	ok, err := d.VerifyPiece(0, sha1.Sum(piece0))
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if !ok {
		t.Fatalf("VerifyPiece reported mismatch for correctly written piece")
	}

	var wrongHash [sha1.Size]byte
	ok, err = d.VerifyPiece(0, wrongHash)
	if err != nil {
		t.Fatalf("VerifyPiece: %v", err)
	}
	if ok {
		t.Fatalf("VerifyPiece reported match against wrong hash")
	}
}

func TestDiskWritePieceWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.bin")

	d, err := OpenSingleFile(path, 32, 16)
	if err != nil {
		t.Fatalf("OpenSingleFile: %v", err)
	}
	defer d.Close()

	if err := d.WritePiece(0, make([]byte, 10)); err == nil {
		t.Fatalf("expected error writing short piece")
	}
}
