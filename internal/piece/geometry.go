package piece

import "fmt"

// BlockLength is the wire-level request granularity (spec §3: "Block
// length is 16 KiB except possibly the last block of a piece").
const BlockLength = 16 * 1024

// PieceCount returns how many pieces cover totalSize bytes at
// pieceLength, with the last piece possibly shorter.
func PieceCount(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalSize + pieceLength - 1) / pieceLength)
}

// lastLength returns the byte length of the final chunk when a total of
// size is divided into fixed chunks of unitLength.
func lastLength(size, unitLength int64) int {
	if size <= 0 || unitLength <= 0 {
		return 0
	}
	rem := size % unitLength
	if rem == 0 {
		return int(unitLength)
	}
	return int(rem)
}

// LengthAt returns the exact length of piece index, given the overall
// layout.
func LengthAt(index int, totalSize, pieceLength int64) (int, error) {
	count := PieceCount(totalSize, pieceLength)
	if index < 0 || index >= count {
		return 0, fmt.Errorf("piece: index %d out of range (count=%d)", index, count)
	}
	if index == count-1 {
		return lastLength(totalSize, pieceLength), nil
	}
	return int(pieceLength), nil
}

// blockCount returns how many BlockLength-sized requests cover
// pieceLen, with the final block possibly shorter.
func blockCount(pieceLen int) int {
	if pieceLen <= 0 {
		return 0
	}
	n := pieceLen / BlockLength
	if pieceLen%BlockLength != 0 {
		n++
	}
	return n
}

// blockBounds returns the (begin, length) of the blockIdx'th block
// within a piece of length pieceLen.
func blockBounds(pieceLen, blockIdx int) (begin, length int) {
	begin = blockIdx * BlockLength
	length = BlockLength
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return begin, length
}
