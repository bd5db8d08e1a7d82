package scheduler

import (
	"crypto/sha1"
	"testing"

	"github.com/tchardonnens/vibe-torrent-client/internal/availability"
	"github.com/tchardonnens/vibe-torrent-client/internal/piece"
)

func newFixture(t *testing.T, n int) (*piece.Store, *availability.Vector) {
	t.Helper()
	digests := make([][sha1.Size]byte, n)
	store := piece.NewStore(int64(n)*16384, 16384, digests)
	avail := availability.NewVector(n, 50)
	return store, avail
}

func hasAll(int) bool { return true }

// TestRarestFirstTieBreak mirrors spec §8 scenario 5 end to end through
// the scheduler: availability [3,1,1], expected first lease is piece 1.
func TestRarestFirstTieBreak(t *testing.T) {
	store, avail := newFixture(t, 3)
	for i := 0; i < 3; i++ {
		avail.Increment(0)
	}
	avail.Increment(1)
	avail.Increment(2)

	sch := New(store, avail, 8, 64)
	index, ok := sch.AcquireLease(hasAll, nil)
	if !ok || index != 1 {
		t.Fatalf("AcquireLease = (%d, %v); want (1, true)", index, ok)
	}
}

func TestAcquireLeaseSkipsNonMissingAndUnavailable(t *testing.T) {
	store, avail := newFixture(t, 2)
	avail.Increment(0)
	avail.Increment(1)

	_ = store.Lease(0) // piece 0 already downloading elsewhere

	sch := New(store, avail, 8, 64)
	index, ok := sch.AcquireLease(hasAll, nil)
	if !ok || index != 1 {
		t.Fatalf("AcquireLease = (%d, %v); want (1, true)", index, ok)
	}
}

func TestAcquireLeaseRespectsPeerHaveSet(t *testing.T) {
	store, avail := newFixture(t, 2)
	avail.Increment(0)
	avail.Increment(1)

	sch := New(store, avail, 8, 64)
	hasOnlyOne := func(i int) bool { return i == 1 }

	index, ok := sch.AcquireLease(hasOnlyOne, nil)
	if !ok || index != 1 {
		t.Fatalf("AcquireLease = (%d, %v); want (1, true)", index, ok)
	}
}

func TestFillLeasesRespectsKPiecesPerPeer(t *testing.T) {
	store, avail := newFixture(t, 10)
	for i := 0; i < 10; i++ {
		avail.Increment(i)
	}

	sch := New(store, avail, 3, 64)
	leases := sch.FillLeases(hasAll, 0)
	if len(leases) != 3 {
		t.Fatalf("len(leases) = %d; want 3", len(leases))
	}

	// Distinct pieces, each now Downloading.
	seen := make(map[int]bool)
	for _, idx := range leases {
		if seen[idx] {
			t.Fatalf("piece %d leased twice in one FillLeases call", idx)
		}
		seen[idx] = true
		status, err := store.Status(idx)
		if err != nil || status != piece.Downloading {
			t.Fatalf("piece %d status = %v; want Downloading", idx, status)
		}
	}
}

func TestFillLeasesReturnsNoneWhenAtCapacity(t *testing.T) {
	store, avail := newFixture(t, 5)
	sch := New(store, avail, 2, 64)
	if leases := sch.FillLeases(hasAll, 2); leases != nil {
		t.Fatalf("expected nil when already at capacity, got %v", leases)
	}
}

func TestAcquireLeaseReturnsFalseWhenExhausted(t *testing.T) {
	store, avail := newFixture(t, 1)
	avail.Increment(0)
	_ = store.Lease(0)

	sch := New(store, avail, 8, 64)
	if _, ok := sch.AcquireLease(hasAll, nil); ok {
		t.Fatal("expected no eligible piece")
	}
}
