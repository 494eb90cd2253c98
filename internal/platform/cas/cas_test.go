package cas

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestDigest_Deterministic(t *testing.T) {
	a := Digest([]byte("lab report 2024"))
	b := Digest([]byte("lab report 2024"))
	if a != b {
		t.Fatalf("identical bytes produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestDigest_DistinctContent(t *testing.T) {
	if Digest([]byte("a")) == Digest([]byte("b")) {
		t.Fatal("distinct bytes produced the same digest")
	}
}

func TestIndex_RememberLookupForget(t *testing.T) {
	idx := NewIndex()
	id := uuid.New()
	digest := Digest([]byte("content"))

	if _, ok := idx.Lookup(digest); ok {
		t.Fatal("expected miss on empty index")
	}

	idx.Remember(digest, id)
	got, ok := idx.Lookup(digest)
	if !ok || got != id {
		t.Fatalf("expected %s, got %s (ok=%v)", id, got, ok)
	}

	idx.Forget(digest)
	if _, ok := idx.Lookup(digest); ok {
		t.Fatal("expected miss after Forget")
	}
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	idx := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			digest := Digest([]byte{byte(n)})
			idx.Remember(digest, uuid.New())
			idx.Lookup(digest)
		}(i)
	}
	wg.Wait()
	if idx.Len() != 50 {
		t.Fatalf("expected 50 entries, got %d", idx.Len())
	}
}
