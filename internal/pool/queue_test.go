package pool

import (
	"slices"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 3; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) failed below capacity", i)
		}
	}
	if q.Push(4) {
		t.Fatal("Push succeeded on a full queue")
	}
	if v, _ := q.Peek(); v != 1 {
		t.Errorf("Peek = %d, want 1", v)
	}
	if v, _ := q.Pop(); v != 1 {
		t.Errorf("Pop = %d, want 1", v)
	}
	// Wrap around the ring.
	q.Push(4)
	if got := q.Drain(); !slices.Equal(got, []int{2, 3, 4}) {
		t.Errorf("Drain = %v, want [2 3 4]", got)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue reported an item")
	}
}

func TestQueueZeroCapacity(t *testing.T) {
	q := NewQueue[int](0)
	if !q.Full() || q.Push(1) {
		t.Fatal("zero-capacity queue accepted an item")
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek on zero-capacity queue reported an item")
	}
	if q.Cap() != 0 || q.Len() != 0 {
		t.Errorf("Cap, Len = %d, %d; want 0, 0", q.Cap(), q.Len())
	}
}
