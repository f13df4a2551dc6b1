package ident

import (
	"sync"
	"testing"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if !Less(prev, next) {
			t.Fatalf("expected %s < %s", prev, next)
		}
		prev = next
	}
}

func TestNewConcurrentUnique(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[ID]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := New()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 1600 {
		t.Errorf("expected 1600 ids, got %d", len(seen))
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := New()
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != id {
		t.Errorf("expected %s, got %s", id, parsed)
	}

	if _, err := Parse("not-a-ulid"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestIsNil(t *testing.T) {
	if !IsNil(Nil) {
		t.Error("Nil should be nil")
	}
	if IsNil(New()) {
		t.Error("fresh id should not be nil")
	}
	p := Ptr(Nil)
	if p == nil || !IsNil(*p) {
		t.Error("Ptr should copy the value")
	}
}
