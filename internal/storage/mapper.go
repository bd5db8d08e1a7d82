// Package storage implements the File Mapper (spec §4.F): piece index
// to (file, offset, length) segment resolution and committing verified
// piece bytes to one or more output files in the correct byte range.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tchardonnens/vibe-torrent-client/internal/meta"
)

// datafile is one cached, open output file plus its position in the
// concatenated file-list byte stream.
type datafile struct {
	mu     sync.Mutex // serializes writes touching this file (spec §5)
	f      *os.File
	path   string
	offset int64
	length int64
}

// Mapper commits verified pieces to disk according to a torrent's file
// layout. File handles are opened once and cached for the Mapper's
// lifetime.
type Mapper struct {
	files       []*datafile
	pieceLength int64
}

// NewMapper creates (or opens) every output file under outputDir,
// truncated/extended to its declared length, and materializes parent
// directories as needed.
func NewMapper(mi *meta.Metainfo, outputDir string) (*Mapper, error) {
	files, err := setupFiles(mi, outputDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup files: %w", err)
	}
	return &Mapper{files: files, pieceLength: int64(mi.Info.PieceLength)}, nil
}

// CommitPiece writes a verified piece's bytes to every file segment it
// overlaps. index * pieceLength gives the global byte offset; the piece
// may span more than one file, and a file may be touched by more than
// one piece.
func (m *Mapper) CommitPiece(index int, data []byte) error {
	pieceStart := int64(index) * m.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, file := range m.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max64(pieceStart, fileStart)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		if err := file.writeAt(data[offsetInData:offsetInData+writeLen], offsetInFile); err != nil {
			return fmt.Errorf("storage: write %s: %w", file.path, err)
		}
	}

	return nil
}

func (f *datafile) writeAt(data []byte, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.f.WriteAt(data, offset)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d, expected %d", n, len(data))
	}
	return nil
}

// Close closes every cached file handle.
func (m *Mapper) Close() error {
	var firstErr error
	for _, f := range m.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func setupFiles(mi *meta.Metainfo, outputDir string) ([]*datafile, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	var (
		offset int64
		files  []*datafile
	)

	if mi.Info.Length > 0 {
		path := filepath.Join(outputDir, mi.Info.Name)
		df, err := createFileMapping(path, mi.Info.Length, offset)
		if err != nil {
			return nil, err
		}
		return append(files, df), nil
	}

	for _, file := range mi.Info.Files {
		path := filepath.Join(append([]string{outputDir, mi.Info.Name}, file.Path...)...)
		df, err := createFileMapping(path, file.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
		offset += file.Length
	}

	return files, nil
}

func createFileMapping(path string, length, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(length); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &datafile{f: f, path: path, offset: offset, length: length}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
