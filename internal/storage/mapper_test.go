package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tchardonnens/vibe-torrent-client/internal/meta"
)

// TestCommitPieceSpansMultipleFiles mirrors spec §8 scenario 2: two
// files a(10000), b(22768), L=16384, S=32768, P=2. Piece 0 is split
// between a (first 10000 bytes) and b (next 6384 bytes); piece 1 is
// entirely in b.
func TestCommitPieceSpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()

	mi := &meta.Metainfo{
		Info: &meta.Info{
			Name:        "bundle",
			PieceLength: 16384,
			Files: []*meta.File{
				{Length: 10000, Path: []string{"a"}},
				{Length: 22768, Path: []string{"b"}},
			},
		},
	}

	m, err := NewMapper(mi, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	piece0 := bytes.Repeat([]byte{0x01}, 16384)
	piece1 := bytes.Repeat([]byte{0x02}, 16384)

	if err := m.CommitPiece(0, piece0); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitPiece(1, piece1); err != nil {
		t.Fatal(err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "bundle", "a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 10000 || !bytes.Equal(a, bytes.Repeat([]byte{0x01}, 10000)) {
		t.Fatalf("file a mismatch: len=%d", len(a))
	}

	b, err := os.ReadFile(filepath.Join(dir, "bundle", "b"))
	if err != nil {
		t.Fatal(err)
	}
	wantB := append(bytes.Repeat([]byte{0x01}, 6384), piece1...)
	if !bytes.Equal(b, wantB) {
		t.Fatalf("file b mismatch: len=%d want=%d", len(b), len(wantB))
	}
}

func TestCommitPieceSingleFile(t *testing.T) {
	dir := t.TempDir()
	mi := &meta.Metainfo{
		Info: &meta.Info{Name: "file.bin", PieceLength: 16384, Length: 16384},
	}

	m, err := NewMapper(mi, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	data := bytes.Repeat([]byte{'A'}, 16384)
	if err := m.CommitPiece(0, data); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("committed bytes mismatch")
	}
}
