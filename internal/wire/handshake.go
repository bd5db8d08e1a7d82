// Package wire implements the BitTorrent peer-wire codec (spec §4.A):
// the fixed handshake frame and the <u32 length><u8 id?><payload>
// message framing, with no interpretation of message semantics —
// that belongs to internal/peer.
package wire

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	reservedLen  = 8
)

// Handshake is the fixed 68-byte frame exchanged before any other
// message: 0x13 "BitTorrent protocol" reserved[8] info_hash[20] peer_id[20].
type Handshake struct {
	Pstr     string
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("wire: protocol string mismatch")
	ErrBadPstrlen       = errors.New("wire: invalid protocol string length")
	ErrShortHandshake   = errors.New("wire: short handshake read")
	ErrInfoHashMismatch = errors.New("wire: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake: standard protocol name,
// zeroed reserved bytes (spec §6: "Reserved bits are all zero in the
// handshake emitted by this core").
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{Pstr: protocolName, InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+reservedLen+sha1.Size+sha1.Size)
	buf[0] = byte(len(h.Pstr))
	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	const tail = reservedLen + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	pstrStart := 1
	pstrEnd := pstrStart + pstrlen
	copy(h.Reserved[:], b[pstrEnd:pstrEnd+reservedLen])
	copy(h.InfoHash[:], b[pstrEnd+reservedLen:pstrEnd+reservedLen+sha1.Size])
	copy(h.PeerID[:], b[pstrEnd+reservedLen+sha1.Size:])
	h.Pstr = string(b[pstrStart:pstrEnd])

	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedLen+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}
	return int64(1 + len(rest)), nil
}

// Exchange writes the local handshake to rw, reads the remote one back,
// and validates the protocol tag and (optionally) the info hash.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (remote Handshake, err error) {
	if _, err = (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}
	if _, err = (&remote).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if remote.Pstr != protocolName {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}
