// Package meta implements the two external collaborators spec.md treats
// as out of scope but which a runnable repository still needs a concrete
// producer of: bencoded .torrent metainfo parsing and magnet-URI
// parsing. The engine uses only the Metainfo type and never parses
// anything itself — it consumes an already-parsed *Metainfo (see
// internal/engine) — and cmd/leecher wires this package's output into
// the engine's constructor.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/tchardonnens/vibe-torrent-client/internal/bencode"
)

// Metainfo is the parsed content of a .torrent file (spec §3: "Metainfo
// (immutable input)").
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the metainfo "info" dictionary.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64   // single-file layout
	Files       []*File // multi-file layout
}

// File is one entry of a multi-file torrent's file list.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
)

// Size returns the total content length (spec §3: total size S).
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}
	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// PieceCount returns P, the number of pieces.
func (m *Metainfo) PieceCount() int { return len(m.Info.Pieces) }

// ParseMetainfo decodes a bencoded .torrent file and computes its info
// hash (fingerprint).
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := toInt(v)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("metainfo: invalid creation date")
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := parseOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var out Info

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	name, err := toString(nameVal)
	if err != nil || name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	out.Name = name

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, fmt.Errorf("metainfo: 'info' piece length missing")
	}
	plen, err := toInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(plen)

	pieces, err := parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}
	out.Pieces = pieces

	if v, ok := dict["private"]; ok {
		p, err := toInt(v)
		if err != nil || (p != 0 && p != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = p == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length
	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		out.Files = files
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := toInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := toStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}
	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := toTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	pieceBytes, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
