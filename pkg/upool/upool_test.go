package upool

import "testing"

func TestPushPopOrderIsLIFO(t *testing.T) {
	p := New[int](3)
	p.Push(1)
	p.Push(2)
	p.Push(3)

	v, ok := p.Pop()
	if !ok || v != 3 {
		t.Fatalf("expected 3, got %v ok=%v", v, ok)
	}
}

func TestPushFailsAtCapacity(t *testing.T) {
	p := New[int](2)
	if !p.Push(1) || !p.Push(2) {
		t.Fatalf("expected first two pushes to succeed")
	}
	if p.Push(3) {
		t.Fatalf("expected push to fail at capacity")
	}
	if p.Len() != 2 {
		t.Fatalf("expected len 2, got %d", p.Len())
	}
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	p := New[string](2)
	v, ok := p.Pop()
	if ok || v != "" {
		t.Fatalf("expected empty pop to fail with zero value, got %q ok=%v", v, ok)
	}
}
