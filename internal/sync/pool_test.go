package sync

import (
	"testing"
)

func TestSlicePool(t *testing.T) {
	p := NewSlicePool[[]byte](2, 16)

	if b := p.Get(); b != nil {
		t.Fatalf("Get() on empty pool = %v, want nil", b)
	}

	p.Put(make([]byte, 4, 8))
	p.Put(make([]byte, 0, 16))

	// Full, so this one is dropped.
	p.Put(make([]byte, 1, 1))

	b := p.Get()
	if len(b) != 8 || cap(b) != 8 {
		t.Errorf("Get() = len %d, cap %d, want the first slice extended to its capacity of 8", len(b), cap(b))
	}

	if b := p.Get(); cap(b) != 16 {
		t.Errorf("Get() = cap %d, want 16", cap(b))
	}

	if b := p.Get(); b != nil {
		t.Errorf("Get() on drained pool = %v, want nil", b)
	}
}

func TestSlicePoolCull(t *testing.T) {
	p := NewSlicePool[[]byte](4, 16)

	p.Put(make([]byte, 32))
	p.Put(nil)

	if b := p.Get(); b != nil {
		t.Errorf("Get() = cap %d, want oversized and empty slices dropped", cap(b))
	}
}

func TestSlicePoolNil(t *testing.T) {
	var p *SlicePool[[]byte, byte]

	p.Put(make([]byte, 8))

	if b := p.Get(); b != nil {
		t.Errorf("Get() on nil pool = %v, want nil", b)
	}
}

func TestNewSlicePoolPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSlicePool with zero cull length did not panic")
		}
	}()

	NewSlicePool[[]byte](1, 0)
}

type pooled struct {
	a int
	b string
}

func TestPool(t *testing.T) {
	p := NewPool[pooled](1)

	v := p.Get()
	if v == nil {
		t.Fatal("Get() = nil")
	}

	v.a, v.b = 42, "x"
	p.Put(v)

	got := p.Get()
	if got != v {
		t.Error("Get() did not return the pooled value")
	}

	if *got != (pooled{}) {
		t.Errorf("Get() = %+v, want zeroed value", *got)
	}

	// Full pools drop values.
	p.Put(got)
	p.Put(new(pooled))

	if first := p.Get(); first != got {
		t.Error("Get() did not return the first value put")
	}
}

func TestPoolNil(t *testing.T) {
	var p *Pool[pooled]

	if v := p.Get(); v == nil {
		t.Error("Get() on nil pool = nil, want a new value")
	}

	p.Put(new(pooled))
}
