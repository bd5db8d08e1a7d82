package wire

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := sha1.Sum([]byte("info"))
	peerID := sha1.Sum([]byte("peer"))

	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 68 {
		t.Fatalf("handshake length = %d; want 68", buf.Len())
	}

	var got Handshake
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatal(err)
	}

	if got.Pstr != protocolName || got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshakeExchangeVerifiesInfoHash(t *testing.T) {
	local := NewHandshake(sha1.Sum([]byte("a")), sha1.Sum([]byte("local")))
	remote := NewHandshake(sha1.Sum([]byte("b")), sha1.Sum([]byte("remote")))

	remoteBytes, err := remote.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	conn := &loopback{toRead: bytes.NewBuffer(remoteBytes)}
	if _, err := local.Exchange(conn, true); err != ErrInfoHashMismatch {
		t.Fatalf("got %v; want ErrInfoHashMismatch", err)
	}
}

func TestHandshakeRejectsBadProtocolTag(t *testing.T) {
	bad := &Handshake{Pstr: "not bittorrent", InfoHash: sha1.Sum([]byte("x")), PeerID: sha1.Sum([]byte("y"))}
	badBytes, err := bad.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	local := NewHandshake(sha1.Sum([]byte("x")), sha1.Sum([]byte("local")))
	conn := &loopback{toRead: bytes.NewBuffer(badBytes)}
	if _, err := local.Exchange(conn, false); err != ErrProtocolMismatch {
		t.Fatalf("got %v; want ErrProtocolMismatch", err)
	}
}

func TestHandshakeShortRead(t *testing.T) {
	var h Handshake
	if _, err := h.ReadFrom(bytes.NewReader([]byte{19, 'B', 'i', 't'})); err != ErrShortHandshake {
		t.Fatalf("got %v; want ErrShortHandshake", err)
	}
}

// loopback discards writes and serves ReadFrom from toRead, letting
// Exchange's write-then-read sequence be exercised without a real socket.
type loopback struct {
	toRead *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }
func (l *loopback) Read(p []byte) (int, error)  { return l.toRead.Read(p) }
