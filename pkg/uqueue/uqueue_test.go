package uqueue

import "testing"

func TestPushPopPreservesOrder(t *testing.T) {
	q := New(4)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for _, want := range []int{1, 2, 3} {
		v, ok := q.Pop()
		if !ok || v.(int) != want {
			t.Fatalf("expected %d, got %v ok=%v", want, v, ok)
		}
	}
}

func TestPushFailsWhenFull(t *testing.T) {
	q := New(2)
	if !q.Push("a") || !q.Push("b") {
		t.Fatalf("expected first two pushes to succeed")
	}
	if q.Push("c") {
		t.Fatalf("expected push to fail when full")
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	q := New(2)
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected pop on empty queue to fail")
	}
}

func TestPushSignalsWake(t *testing.T) {
	q := New(2)
	q.Push(1)
	select {
	case <-q.Wake():
	default:
		t.Fatalf("expected wake channel to be signalled after push")
	}
}

func TestWrapAroundAfterPopPush(t *testing.T) {
	q := New(2)
	q.Push(1)
	q.Push(2)
	q.Pop()
	q.Push(3)

	v1, _ := q.Pop()
	v2, _ := q.Pop()
	if v1.(int) != 2 || v2.(int) != 3 {
		t.Fatalf("expected 2,3 got %v,%v", v1, v2)
	}
}
