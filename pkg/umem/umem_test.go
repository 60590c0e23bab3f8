package umem

import (
	"testing"

	"github.com/alxayo/upipe-go/pkg/uerror"
)

func TestSimpleAllocatorAllocAndRelease(t *testing.T) {
	a := NewSimpleAllocator()
	m, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Size() != 16 {
		t.Fatalf("expected size 16, got %d", m.Size())
	}
	m.Release()
}

func TestSimpleAllocatorRejectsNegativeSize(t *testing.T) {
	a := NewSimpleAllocator()
	_, err := a.Alloc(-1)
	if !uerror.Is(err, uerror.Invalid) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}

func TestSimpleAllocatorRealloc(t *testing.T) {
	a := NewSimpleAllocator()
	m, _ := a.Alloc(4)
	copy(m.Buffer(), []byte{1, 2, 3, 4})
	if err := a.Realloc(m, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Size() != 8 {
		t.Fatalf("expected size 8, got %d", m.Size())
	}
	if m.Buffer()[0] != 1 || m.Buffer()[3] != 4 {
		t.Fatalf("expected original bytes preserved after realloc")
	}
}

func TestPoolAllocatorSizeClasses(t *testing.T) {
	p := NewPoolAllocator([]int{128, 4096, 65536})

	tests := []struct {
		size      int
		expectCap int
	}{
		{64, 128},
		{128, 128},
		{1024, 4096},
		{5000, 65536},
		{131072, 131072},
	}
	for _, tc := range tests {
		m, err := p.Alloc(tc.size)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Size() != tc.size {
			t.Fatalf("expected len=%d, got %d", tc.size, m.Size())
		}
		if cap(m.Buffer()) != tc.expectCap {
			t.Fatalf("expected cap=%d, got %d", tc.expectCap, cap(m.Buffer()))
		}
	}
}

func TestPoolAllocatorReusesFreedRegion(t *testing.T) {
	p := NewPoolAllocator([]int{128, 4096, 65536})

	m, _ := p.Alloc(200)
	m.Buffer()[0] = 42
	m.Release()

	reused, err := p.Alloc(200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused.Size() != 200 {
		t.Fatalf("expected len=200, got %d", reused.Size())
	}
	for i, v := range reused.Buffer() {
		if v != 0 {
			t.Fatalf("expected zeroed buffer, found value %d at index %d", v, i)
		}
	}
}

func TestPoolAllocatorRefcountOnlyFreesAtZero(t *testing.T) {
	p := NewPoolAllocator([]int{128})
	m, _ := p.Alloc(64)
	m.Use() // refs = 2
	m.Release()
	// Still held by the second reference; the pool's free list should be
	// empty until the last Release.
	if len(p.free[0]) != 0 {
		t.Fatalf("expected region not yet returned to pool")
	}
	m.Release()
	if len(p.free[0]) != 1 {
		t.Fatalf("expected region returned to pool after last release")
	}
}
