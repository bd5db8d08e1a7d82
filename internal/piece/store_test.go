package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func digestFor(data []byte) [sha1.Size]byte { return sha1.Sum(data) }

func TestSingleBlockPieceLifecycle(t *testing.T) {
	data := bytes.Repeat([]byte{'A'}, 16384)
	s := NewStore(16384, 16384, [][sha1.Size]byte{digestFor(data)})

	if err := s.Lease(0); err != nil {
		t.Fatal(err)
	}

	blk, ok, err := s.NextMissingBlock(0)
	if err != nil || !ok {
		t.Fatalf("NextMissingBlock = (%v, %v, %v)", blk, ok, err)
	}
	if err := s.MarkRequested(0, blk.Offset); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitBlock(0, blk.Offset, data); err != nil {
		t.Fatal(err)
	}

	full, err := s.IsPieceFull(0)
	if err != nil || !full {
		t.Fatalf("IsPieceFull = (%v, %v)", full, err)
	}

	assembled, err := s.AssembleAndVerify(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled bytes mismatch")
	}

	if err := s.Release(0, Keep); err != nil {
		t.Fatal(err)
	}
	status, _ := s.Status(0)
	if status != Complete {
		t.Fatalf("status = %v; want Complete", status)
	}

	progress := s.Progress()
	if progress.CompletedPieces != 1 || progress.CompletedBytes != 16384 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestLeaseBusyUntilReleased(t *testing.T) {
	s := NewStore(16384, 16384, [][sha1.Size]byte{{}})
	if err := s.Lease(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Lease(0); err != ErrBusy {
		t.Fatalf("got %v; want ErrBusy", err)
	}
	if err := s.Release(0, Reset); err != nil {
		t.Fatal(err)
	}
	if err := s.Lease(0); err != nil {
		t.Fatalf("expected re-lease to succeed after Reset, got %v", err)
	}
}

func TestSubmitBlockIsIdempotent(t *testing.T) {
	data := bytes.Repeat([]byte{'Z'}, 16384)
	s := NewStore(16384, 16384, [][sha1.Size]byte{digestFor(data)})
	_ = s.Lease(0)

	if err := s.SubmitBlock(0, 0, data); err != nil {
		t.Fatal(err)
	}
	// Second delivery for the same block must be a silent no-op.
	if err := s.SubmitBlock(0, 0, bytes.Repeat([]byte{'Q'}, 16384)); err != nil {
		t.Fatal(err)
	}

	assembled, err := s.AssembleAndVerify(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("duplicate submission must not overwrite stored block")
	}
}

// TestHashMismatchRecovery mirrors spec §8 scenario 3: bad data first,
// correct data on retry.
func TestHashMismatchRecovery(t *testing.T) {
	good := bytes.Repeat([]byte{'A'}, 16384)
	s := NewStore(16384, 16384, [][sha1.Size]byte{digestFor(good)})
	_ = s.Lease(0)

	bad := bytes.Repeat([]byte{0x00}, 16384)
	if err := s.SubmitBlock(0, 0, bad); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssembleAndVerify(0); err != ErrHashMismatch {
		t.Fatalf("got %v; want ErrHashMismatch", err)
	}

	status, _ := s.Status(0)
	if status != Missing {
		t.Fatalf("status after mismatch = %v; want Missing", status)
	}

	if err := s.Lease(0); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitBlock(0, 0, good); err != nil {
		t.Fatal(err)
	}
	assembled, err := s.AssembleAndVerify(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(assembled, good) {
		t.Fatal("final assembled bytes should match good data")
	}
	if err := s.Release(0, Keep); err != nil {
		t.Fatal(err)
	}
}

// TestChokeMidPieceResumes mirrors spec §8 scenario 4: after 3 of 4
// blocks, requested flags are cleared (simulating CHOKE); the remaining
// block is re-requested and the piece completes without duplicate
// commit.
func TestChokeMidPieceResumes(t *testing.T) {
	pieceLen := int64(4 * BlockLength)
	data := bytes.Repeat([]byte{'B'}, int(pieceLen))
	s := NewStore(pieceLen, pieceLen, [][sha1.Size]byte{digestFor(data)})
	_ = s.Lease(0)

	for i := 0; i < 3; i++ {
		blk, ok, err := s.NextMissingBlock(0)
		if err != nil || !ok {
			t.Fatalf("NextMissingBlock[%d] = (%v, %v, %v)", i, blk, ok, err)
		}
		if err := s.MarkRequested(0, blk.Offset); err != nil {
			t.Fatal(err)
		}
		if err := s.SubmitBlock(0, blk.Offset, data[blk.Offset:blk.Offset+blk.Length]); err != nil {
			t.Fatal(err)
		}
	}

	// Simulate CHOKE: the 4th block was requested but never delivered;
	// the engine clears its requested flag so it becomes eligible again.
	blk, ok, err := s.NextMissingBlock(0)
	if err != nil || !ok {
		t.Fatal("expected one missing block before choke")
	}
	if err := s.MarkRequested(0, blk.Offset); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearRequested(0, blk.Offset); err != nil {
		t.Fatal(err)
	}

	// After UNCHOKE, the block is found again and delivered.
	blk2, ok, err := s.NextMissingBlock(0)
	if err != nil || !ok || blk2.Offset != blk.Offset {
		t.Fatalf("expected same block to be re-offered, got %+v, %v", blk2, ok)
	}
	if err := s.SubmitBlock(0, blk2.Offset, data[blk2.Offset:blk2.Offset+blk2.Length]); err != nil {
		t.Fatal(err)
	}

	full, _ := s.IsPieceFull(0)
	if !full {
		t.Fatal("expected piece to be full")
	}
	assembled, err := s.AssembleAndVerify(0)
	if err != nil || !bytes.Equal(assembled, data) {
		t.Fatalf("assemble failed: %v", err)
	}
}

func TestLastPieceAndLastBlockBoundaryLengths(t *testing.T) {
	// S=32768 total, L=16384 → P=2, both pieces exactly 16384.
	s := NewStore(32768, 16384, [][sha1.Size]byte{{}, {}})
	if s.PieceCount() != 2 {
		t.Fatalf("PieceCount() = %d; want 2", s.PieceCount())
	}

	// A non-aligned total: S=20000, L=16384 → last piece is 3616 bytes.
	s2 := NewStore(20000, 16384, [][sha1.Size]byte{{}, {}})
	length, err := s2.PieceLength(1)
	if err != nil {
		t.Fatal(err)
	}
	if length != 20000-16384 {
		t.Fatalf("last piece length = %d; want %d", length, 20000-16384)
	}

	// The last piece fits in one block, so its last block is 3616 bytes.
	blk, ok, err := s2.NextMissingBlock(1)
	if err != nil || !ok || blk.Offset != 0 || blk.Length != 20000-16384 {
		t.Fatalf("last block = (%+v, %v, %v); want offset 0, length %d", blk, ok, err, 20000-16384)
	}
}

func TestReleaseKeepRequiresDownloading(t *testing.T) {
	s := NewStore(16384, 16384, [][sha1.Size]byte{{}})
	if err := s.Release(0, Keep); err != ErrNotDownloading {
		t.Fatalf("got %v; want ErrNotDownloading", err)
	}
}

func TestSubmitBlockRejectsUnknownOffsetAndBadLength(t *testing.T) {
	s := NewStore(16384, 16384, [][sha1.Size]byte{{}})
	_ = s.Lease(0)

	if err := s.SubmitBlock(0, 99, make([]byte, 16384)); err != ErrUnknownBlock {
		t.Fatalf("got %v; want ErrUnknownBlock", err)
	}
	if err := s.SubmitBlock(0, 0, make([]byte, 10)); err != ErrBadBlockLength {
		t.Fatalf("got %v; want ErrBadBlockLength", err)
	}
}
