// Package blockaddr implements the coordinate arithmetic that maps a
// torrent's flat byte stream onto pieces and, within a piece, onto the
// fixed-size blocks peers actually request over the wire.
package blockaddr

import "fmt"

// BlockLength is the wire-level request granularity. Every block is
// BlockLength bytes except the final block of a piece, which may be
// shorter.
const BlockLength = 16 * 1024 // 16 KiB

// PieceCount returns how many pieces are needed to cover totalSize bytes
// given a fixed pieceLength (the last piece may be shorter).
func PieceCount(totalSize, pieceLength int) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}

	return (totalSize + pieceLength - 1) / pieceLength
}

// LastPieceLength returns the exact byte length of the final piece. For
// totals that are an exact multiple of pieceLength this equals pieceLength.
func LastPieceLength(totalSize, pieceLength int) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}

	rem := totalSize % pieceLength
	if rem == 0 {
		return pieceLength
	}
	return rem
}

// PieceLengthAt returns the byte length of piece index. All pieces but the
// last are pieceLength; the last may be shorter.
func PieceLengthAt(index, totalSize, pieceLength int) (int, error) {
	pc := PieceCount(totalSize, pieceLength)
	if index < 0 || index >= pc {
		return 0, fmt.Errorf("blockaddr: piece index out of range: %d (count=%d)", index, pc)
	}

	if index == pc-1 {
		return LastPieceLength(totalSize, pieceLength), nil
	}
	return pieceLength, nil
}

// PieceOffsetBounds returns the [start, end) byte offsets of a piece within
// the global stream.
func PieceOffsetBounds(index, totalSize, pieceLength int) (start, end int, err error) {
	pl, err := PieceLengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}

	start = index * pieceLength
	end = start + pl
	return start, end, nil
}

// PieceIndexForOffset maps a stream byte offset to its piece index. It
// returns -1 when offset is out of range.
func PieceIndexForOffset(offset, totalSize, pieceLength int) int {
	if offset < 0 || offset >= totalSize || pieceLength <= 0 {
		return -1
	}
	return offset / pieceLength
}

// BlockCountForPiece returns how many blocks compose a piece of length
// pieceLen, given a fixed blockLen (the last block may be shorter).
func BlockCountForPiece(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}

	n := pieceLen / blockLen
	if pieceLen%blockLen != 0 {
		n++
	}
	return n
}

// LastBlockLength returns the exact byte length of the final block in a
// piece of length pieceLen.
func LastBlockLength(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}

	rem := pieceLen % blockLen
	if rem == 0 {
		return blockLen
	}
	return rem
}

// BlockBounds returns the block's [begin, length) within its piece, where
// begin is the byte offset from the start of the piece, using the
// package-wide BlockLength.
func BlockBounds(pieceLen, blockIdx int) (begin, length int, err error) {
	return blockOffsetBounds(pieceLen, BlockLength, blockIdx)
}

func blockOffsetBounds(pieceLen, blockLen, blockIdx int) (begin, length int, err error) {
	bc := BlockCountForPiece(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("blockaddr: block index out of range: %d (count=%d)", blockIdx, bc)
	}

	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin returns the block index inside a piece of length
// pieceLen for a byte offset begin within that piece, using the
// package-wide BlockLength. It returns -1 when out of range.
func BlockIndexForBegin(begin, pieceLen int) int {
	if begin < 0 || begin >= pieceLen || BlockLength <= 0 {
		return -1
	}
	return begin / BlockLength
}

// BlocksInPiece returns the number of requestable blocks in a piece of
// length pieceLen, using the package-wide BlockLength.
func BlocksInPiece(pieceLen int) int {
	return BlockCountForPiece(pieceLen, BlockLength)
}

// LastBlockInPiece returns the byte length of the final block in a piece of
// length pieceLen, using the package-wide BlockLength.
func LastBlockInPiece(pieceLen int) int {
	return LastBlockLength(pieceLen, BlockLength)
}

// StreamToPieceBlock maps a global stream offset to (pieceIdx, blockIdx,
// beginWithinPiece). It returns (-1, -1, -1) on invalid input.
func StreamToPieceBlock(offset, totalSize, pieceLength int) (pieceIdx, blockIdx, begin int) {
	pieceIdx = PieceIndexForOffset(offset, totalSize, pieceLength)
	if pieceIdx < 0 {
		return -1, -1, -1
	}

	start, _, err := PieceOffsetBounds(pieceIdx, totalSize, pieceLength)
	if err != nil {
		return -1, -1, -1
	}

	begin = offset - start
	pl, _ := PieceLengthAt(pieceIdx, totalSize, pieceLength)
	blockIdx = BlockIndexForBegin(begin, pl)
	if blockIdx < 0 {
		return -1, -1, -1
	}

	return pieceIdx, blockIdx, begin
}
