package meta

import (
	"crypto/sha1"
	"testing"

	"github.com/tchardonnens/vibe-torrent-client/internal/bencode"
)

func singleFileTorrent(t *testing.T) []byte {
	t.Helper()

	pieceHash := sha1.Sum(make([]byte, 16384))
	info := map[string]any{
		"name":         "file.bin",
		"piece length": int64(16384),
		"length":       int64(16384),
		"pieces":       string(pieceHash[:]),
	}
	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestParseMetainfoSingleFile(t *testing.T) {
	data := singleFileTorrent(t)

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatal(err)
	}

	if mi.Info.Name != "file.bin" {
		t.Fatalf("Name = %q", mi.Info.Name)
	}
	if mi.Size() != 16384 {
		t.Fatalf("Size() = %d; want 16384", mi.Size())
	}
	if mi.PieceCount() != 1 {
		t.Fatalf("PieceCount() = %d; want 1", mi.PieceCount())
	}
	if mi.Announce != "http://tracker.example/announce" {
		t.Fatalf("Announce = %q", mi.Announce)
	}
}

func TestParseMetainfoMultiFile(t *testing.T) {
	pieceHash := sha1.Sum(make([]byte, 16384))
	info := map[string]any{
		"name":         "bundle",
		"piece length": int64(16384),
		"pieces":       string(pieceHash[:]),
		"files": []any{
			map[string]any{"length": int64(10000), "path": []any{"a.txt"}},
			map[string]any{"length": int64(6384), "path": []any{"sub", "b.txt"}},
		},
	}
	root := map[string]any{"announce": "http://t/a", "info": info}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}

	mi, err := ParseMetainfo(data)
	if err != nil {
		t.Fatal(err)
	}
	if mi.Size() != 16384 {
		t.Fatalf("Size() = %d; want 16384", mi.Size())
	}
	if len(mi.Info.Files) != 2 {
		t.Fatalf("len(Files) = %d; want 2", len(mi.Info.Files))
	}
}

func TestParseMetainfoRejectsMissingAnnounce(t *testing.T) {
	pieceHash := sha1.Sum(make([]byte, 16384))
	info := map[string]any{
		"name": "f", "piece length": int64(16384), "length": int64(16384),
		"pieces": string(pieceHash[:]),
	}
	data, err := bencode.Marshal(map[string]any{"info": info})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ParseMetainfo(data); err != ErrAnnounceMissing {
		t.Fatalf("got %v; want ErrAnnounceMissing", err)
	}
}

func TestParseMetainfoRejectsBadPiecesLength(t *testing.T) {
	info := map[string]any{
		"name": "f", "piece length": int64(16384), "length": int64(16384),
		"pieces": "short",
	}
	data, err := bencode.Marshal(map[string]any{"announce": "http://t", "info": info})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ParseMetainfo(data); err != ErrPiecesLenInvalid {
		t.Fatalf("got %v; want ErrPiecesLenInvalid", err)
	}
}

func TestInfoHashDeterministic(t *testing.T) {
	data := singleFileTorrent(t)

	mi1, err := ParseMetainfo(data)
	if err != nil {
		t.Fatal(err)
	}
	mi2, err := ParseMetainfo(data)
	if err != nil {
		t.Fatal(err)
	}
	if mi1.InfoHash != mi2.InfoHash {
		t.Fatalf("info hash not deterministic")
	}
}
