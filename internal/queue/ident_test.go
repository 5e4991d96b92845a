package queue

import "testing"

func TestIdentAcquireUnique(t *testing.T) {
	const space = 64
	a := newIdentAllocator(space, 4)

	seen := make(map[uint64]bool)
	for i := 0; i < space; i++ {
		id, ok := a.acquire()
		if !ok {
			t.Fatalf("acquire %d failed with %d identifiers in the space", i, space)
		}
		if id == 0 {
			t.Fatal("acquire returned the reserved zero identifier")
		}
		if seen[id] {
			t.Fatalf("acquire returned duplicate identifier %d", id)
		}
		if seen[id&(space-1)] {
			t.Fatalf("acquire returned identifier with duplicate slot index %d", id&(space-1))
		}
		seen[id] = true
		seen[id&(space-1)] = true
	}

	if _, ok := a.acquire(); ok {
		t.Error("acquire succeeded with the whole space in use")
	}
}

func TestIdentGenerationBump(t *testing.T) {
	const space = 16
	// Single shard keeps the acquire order deterministic
	a := newIdentAllocator(space, 1)

	id1, ok := a.acquire()
	if !ok {
		t.Fatal("first acquire failed")
	}
	a.release(id1)

	id2, ok := a.acquire()
	if !ok {
		t.Fatal("second acquire failed")
	}
	if id2 != id1+space {
		t.Errorf("expected reused identifier %d to advance by %d, got %d", id1, space, id2)
	}
	if id2&(space-1) != id1&(space-1) {
		t.Errorf("reused identifier changed slot: %d vs %d", id2&(space-1), id1&(space-1))
	}
}

func TestIdentFreeCount(t *testing.T) {
	const space = 32
	a := newIdentAllocator(space, 2)

	if got := a.freeCount(); got != space {
		t.Fatalf("expected %d free identifiers, got %d", space, got)
	}

	var held []uint64
	for i := 0; i < 10; i++ {
		id, ok := a.acquire()
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		held = append(held, id)
	}
	if got := a.freeCount(); got != space-10 {
		t.Errorf("expected %d free identifiers, got %d", space-10, got)
	}

	for _, id := range held {
		a.release(id)
	}
	if got := a.freeCount(); got != space {
		t.Errorf("expected %d free identifiers after release, got %d", space, got)
	}
}

func TestIdentExhaustionRecovers(t *testing.T) {
	const space = 8
	a := newIdentAllocator(space, 2)

	var held []uint64
	for {
		id, ok := a.acquire()
		if !ok {
			break
		}
		held = append(held, id)
	}
	if len(held) != space {
		t.Fatalf("expected to drain %d identifiers, got %d", space, len(held))
	}

	a.release(held[0])
	id, ok := a.acquire()
	if !ok {
		t.Fatal("acquire failed after a release")
	}
	if id != held[0]+space {
		t.Errorf("expected %d, got %d", held[0]+space, id)
	}
}

func BenchmarkIdentAcquireRelease(b *testing.B) {
	a := newIdentAllocator(512, 4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, ok := a.acquire()
		if !ok {
			b.Fatal("acquire failed")
		}
		a.release(id)
	}
}

func BenchmarkIdentAcquireReleaseParallel(b *testing.B) {
	a := newIdentAllocator(512, 4)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id, ok := a.acquire()
			if !ok {
				b.Fatal("acquire failed")
			}
			a.release(id)
		}
	})
}
