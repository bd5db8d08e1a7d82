package availability

import "testing"

func TestIncrementDecrementTracksCount(t *testing.T) {
	v := NewVector(3, 10)

	v.Increment(0)
	v.Increment(0)
	v.Increment(1)

	if v.Availability(0) != 2 {
		t.Fatalf("Availability(0) = %d; want 2", v.Availability(0))
	}
	if v.Availability(1) != 1 {
		t.Fatalf("Availability(1) = %d; want 1", v.Availability(1))
	}
	if v.Availability(2) != 0 {
		t.Fatalf("Availability(2) = %d; want 0", v.Availability(2))
	}

	v.Decrement(0)
	if v.Availability(0) != 1 {
		t.Fatalf("Availability(0) after decrement = %d; want 1", v.Availability(0))
	}
}

func TestDecrementClampsAtZero(t *testing.T) {
	v := NewVector(1, 10)
	v.Decrement(0)
	if v.Availability(0) != 0 {
		t.Fatalf("Availability(0) = %d; want 0", v.Availability(0))
	}
}

// TestRarestFirstTieBreak mirrors spec §8 scenario 5: three pieces with
// availability [3,1,1]; the expected first choice among pieces 1 and 2
// is index 1 (lowest index tie-break).
func TestRarestFirstTieBreak(t *testing.T) {
	v := NewVector(3, 10)
	for i := 0; i < 3; i++ {
		v.Increment(0)
	}
	v.Increment(1)
	v.Increment(2)

	index, ok := v.RarestAmong(func(int) bool { return true })
	if !ok || index != 1 {
		t.Fatalf("RarestAmong = (%d, %v); want (1, true)", index, ok)
	}
}

func TestRarestAmongRespectsCandidateFilter(t *testing.T) {
	v := NewVector(3, 10)
	v.Increment(0)
	v.Increment(1)
	v.Increment(2)

	index, ok := v.RarestAmong(func(i int) bool { return i == 2 })
	if !ok || index != 2 {
		t.Fatalf("RarestAmong = (%d, %v); want (2, true)", index, ok)
	}
}

func TestRarestAmongReturnsFalseWhenNoCandidateMatches(t *testing.T) {
	v := NewVector(3, 10)
	if _, ok := v.RarestAmong(func(int) bool { return false }); ok {
		t.Fatal("expected ok=false when no piece is a candidate")
	}
}
