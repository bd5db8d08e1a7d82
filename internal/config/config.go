// Package config holds the single configuration record consumed by every
// engine component, per the "pass a single config record... do not rely
// on module-level globals" design note. Components take an explicit
// *Config; nothing under internal/ reads a package-level global.
package config

import (
	"runtime"
	"time"
)

// PieceDownloadStrategy selects how the scheduler ranks eligible pieces.
type PieceDownloadStrategy uint8

const (
	// StrategyRarestFirst prioritizes pieces with the lowest availability
	// (the default; see spec §4.D).
	StrategyRarestFirst PieceDownloadStrategy = iota
	// StrategySequential downloads pieces in ascending index order.
	StrategySequential
	// StrategyRandom samples uniformly among eligible pieces.
	StrategyRandom
)

// Config is the engine's single configuration record (spec §9: "pass a
// single config record {max_peers, k_pieces_per_peer, k_blocks_per_piece,
// block_timeout, backoff_seconds, tracker_interval}"). All durations and
// counts named there are represented here, plus the ambient knobs the
// reference client also threads through a single struct.
type Config struct {
	// ---- identity ----

	// PeerID is this client's 20-byte peer identifier, in the
	// "-XX0001-<12 random bytes>" form required by spec §6.
	PeerID [20]byte

	// ---- networking / peer pool (spec §4.G) ----

	MaxPeers     int           // M_active, recommended 120
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      time.Duration // T_backoff, recommended 60s
	DialWorkers  int           // concurrent in-flight connect attempts

	// KeepAliveInterval is the idle period after which a session writes a
	// keep-alive frame (spec §4.A: length=0 carries no id).
	KeepAliveInterval time.Duration

	// ---- handshake / session timeouts (spec §5) ----

	HandshakeTimeout    time.Duration // recommended 10s
	BitfieldTimeout     time.Duration // recommended 10s
	BlockBatchDeadline  time.Duration // recommended 30s
	MaxConsecutiveBatchTimeouts int   // recommended 3, spec §4.E/§7

	// ---- scheduler (spec §4.D) ----

	Strategy      PieceDownloadStrategy
	KPiecesPerPeer int // K_pieces, recommended 8
	KBlocksPerPiece int // K_blocks, recommended 64

	// ---- endgame (Non-goal: strategy left to implementer, spec §9) ----

	EndgameEnabled        bool
	EndgameThreshold      int // remaining-blocks count below which endgame may start
	EndgameDuplicatePerBlock int

	// ---- tracker (external collaborator, spec §6) ----

	TrackerInterval     time.Duration // recommended 30s, overridable by response
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	NumWant             uint32

	// ---- peer headroom (spec §9 Open Question: "4x max_peers" heuristic) ----

	// DiscoveryHeadroom multiplies MaxPeers to size how many addresses
	// the pool keeps on hand before admitting a subset. The spec leaves
	// this implementer's choice at >= 1; see DESIGN.md.
	DiscoveryHeadroom int

	// ---- misc ----

	OutputDir string
}

// Default returns the recommended configuration from spec.md, with a
// freshly generated peer ID.
func Default() *Config {
	return &Config{
		PeerID: NewPeerID(),

		MaxPeers:          120,
		DialTimeout:       10 * time.Second,
		ReadTimeout:       45 * time.Second,
		WriteTimeout:      30 * time.Second,
		Backoff:           60 * time.Second,
		DialWorkers:       10,
		KeepAliveInterval: 2 * time.Minute,

		HandshakeTimeout:            10 * time.Second,
		BitfieldTimeout:             10 * time.Second,
		BlockBatchDeadline:          30 * time.Second,
		MaxConsecutiveBatchTimeouts: 3,

		Strategy:        StrategyRarestFirst,
		KPiecesPerPeer:  8,
		KBlocksPerPiece: 64,

		EndgameEnabled:           true,
		EndgameThreshold:         20,
		EndgameDuplicatePerBlock: 2,

		TrackerInterval:     30 * time.Second,
		MinAnnounceInterval: 20 * time.Minute,
		MaxAnnounceBackoff:  45 * time.Minute,
		NumWant:             50,

		DiscoveryHeadroom: 4,

		OutputDir: defaultOutputDir(),
	}
}

func defaultOutputDir() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return "./downloads"
	default:
		return "./downloads"
	}
}
