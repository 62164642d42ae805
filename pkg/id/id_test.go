package id

import "testing"

func TestNextIsMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 10_000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("id %s not greater than %s", cur, prev)
		}
		prev = cur
	}
}

func TestBackwardsClock(t *testing.T) {
	orig := NowMs
	defer func() { NowMs = orig }()

	ms := int64(1000)
	NowMs = func() int64 { return ms }

	g := NewGenerator()
	a := g.Next()
	ms = 500 // clock went backwards
	b := g.Next()
	if b.Compare(a) <= 0 {
		t.Fatalf("expected monotonic ids across backwards clock, got %s then %s", a, b)
	}
	if b.TimeMs() != 1000 {
		t.Fatalf("expected reused timestamp 1000, got %d", b.TimeMs())
	}
}

func TestRoundTripBytes(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	b := FromBytes(a.Bytes())
	if a.Compare(b) != 0 {
		t.Fatalf("bytes round trip mismatch: %s vs %s", a, b)
	}
}
