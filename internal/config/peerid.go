package config

import "crypto/rand"

// peerIDPrefix follows the Azureus-style convention required by spec §6:
// "-XX0001-<12 random bytes>" (20 bytes total).
const peerIDPrefix = "-XX0001-"

// NewPeerID generates a fresh 20-byte peer identifier: the fixed prefix
// followed by 12 cryptographically random bytes.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, _ = rand.Read(id[len(peerIDPrefix):])
	return id
}
