// Package scheduler implements piece selection (spec §4.D): rarest-first
// piece choice per peer with a lowest-index tie-break, and carries the
// K_pieces/K_blocks pipelining knobs. Blocks within a leased piece are
// picked by piece.Store.NextMissingBlock, not here.
package scheduler

import (
	"github.com/tchardonnens/vibe-torrent-client/internal/availability"
	"github.com/tchardonnens/vibe-torrent-client/internal/piece"
)

// Scheduler picks pieces against a shared piece store and availability
// vector. It holds no per-peer state; "at most one active downloader
// per piece" is enforced entirely by the piece store's Lease call.
type Scheduler struct {
	store *piece.Store
	avail *availability.Vector

	maxPiecesPerPeer  int
	maxBlocksPerPiece int
}

// New builds a Scheduler. kPiecesPerPeer and kBlocksPerPiece are the
// spec's recommended 8 and 64 respectively, but are plain configuration
// knobs, not hard invariants.
func New(store *piece.Store, avail *availability.Vector, kPiecesPerPeer, kBlocksPerPiece int) *Scheduler {
	return &Scheduler{
		store:             store,
		avail:             avail,
		maxPiecesPerPeer:  kPiecesPerPeer,
		maxBlocksPerPiece: kBlocksPerPiece,
	}
}

func (s *Scheduler) MaxPiecesPerPeer() int  { return s.maxPiecesPerPeer }
func (s *Scheduler) MaxBlocksPerPiece() int { return s.maxBlocksPerPiece }

// AcquireLease selects the next piece to lease for a peer, given that
// peer's "has piece" predicate (typically Session.HasRemotePiece) and a
// predicate for pieces the caller has already leased this round
// (avoids re-selecting a piece this same peer just leased before the
// store's status update is visible to a racing caller). It returns
// false if no eligible piece remains for this peer right now.
func (s *Scheduler) AcquireLease(hasPiece func(index int) bool, alreadyLeasedByCaller func(index int) bool) (int, bool) {
	for {
		index, ok := s.avail.RarestAmong(func(i int) bool {
			if alreadyLeasedByCaller != nil && alreadyLeasedByCaller(i) {
				return false
			}
			if !hasPiece(i) {
				return false
			}
			status, err := s.store.Status(i)
			return err == nil && status == piece.Missing
		})
		if !ok {
			return 0, false
		}

		if err := s.store.Lease(index); err != nil {
			// Lost a race to another peer's session between the
			// candidate scan and the lease attempt; the next scan will
			// see this piece's updated status and skip it.
			continue
		}
		return index, true
	}
}

// FillLeases repeatedly calls AcquireLease until the peer holds up to
// maxPiecesPerPeer leases (counting currentLeases already held) or no
// further candidate exists.
func (s *Scheduler) FillLeases(hasPiece func(index int) bool, currentLeases int) []int {
	budget := s.maxPiecesPerPeer - currentLeases
	if budget <= 0 {
		return nil
	}

	acquired := make([]int, 0, budget)
	leasedThisCall := make(map[int]bool, budget)

	for len(acquired) < budget {
		index, ok := s.AcquireLease(hasPiece, func(i int) bool { return leasedThisCall[i] })
		if !ok {
			break
		}
		leasedThisCall[index] = true
		acquired = append(acquired, index)
	}

	return acquired
}
