package idalloc

import "testing"

func sequence(ids ...uint16) RandSource {
	i := 0
	return func() uint16 {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestAllocateFirstFree(t *testing.T) {
	id, err := Allocate(4, func(uint16) bool { return false }, sequence(42))
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Error("expected 42, got", id)
	}
}

func TestAllocateSkipsTaken(t *testing.T) {
	taken := map[uint16]bool{1: true, 2: true}
	id, err := Allocate(8, func(id uint16) bool { return taken[id] }, sequence(1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 {
		t.Error("expected first untaken candidate 3, got", id)
	}
}

func TestAllocateExhausted(t *testing.T) {
	_, err := Allocate(3, func(uint16) bool { return true }, sequence(1, 2, 3))
	if err != ErrExhausted {
		t.Error("expected ErrExhausted, got", err)
	}
}

func TestDefaultRandInRange(t *testing.T) {
	next := DefaultRand()
	for i := 0; i < 1000; i++ {
		id := next()
		if id < MinID || id > MaxID {
			t.Fatalf("id %d out of range [%d,%d]", id, MinID, MaxID)
		}
	}
}
