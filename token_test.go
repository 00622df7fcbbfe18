package rethinkconn

import "testing"

func TestTokenAllocatorStartsAtOne(t *testing.T) {
	var a tokenAllocator
	if got := a.alloc(); got != 1 {
		t.Fatalf("first token = %d, want 1", got)
	}
	if got := a.alloc(); got != 2 {
		t.Fatalf("second token = %d, want 2", got)
	}
}

func TestTokenAllocatorWrapsAround(t *testing.T) {
	a := tokenAllocator{next: ^uint64(0)} // max uint64
	got := a.alloc()
	if got != 0 {
		t.Fatalf("token after max = %d, want 0 (wraparound)", got)
	}
	got = a.alloc()
	if got != 1 {
		t.Fatalf("next token after wraparound = %d, want 1", got)
	}
}

func TestTokenAllocatorUniqueUntilWrap(t *testing.T) {
	var a tokenAllocator
	seen := make(map[uint64]bool)
	for i := 0; i < 100000; i++ {
		tok := a.alloc()
		if seen[tok] {
			t.Fatalf("token %d reused after %d allocations", tok, i)
		}
		seen[tok] = true
	}
}
