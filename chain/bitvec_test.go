package chain

import "testing"

func TestBitVecSetGet(t *testing.T) {
	v := NewBitVec(10)
	if v.Len() != 10 {
		t.Fatalf("expected length 10, got %d", v.Len())
	}
	v.Set(0, true)
	v.Set(9, true)
	if !v.Get(0) || !v.Get(9) || v.Get(5) {
		t.Fatalf("bit state wrong after set")
	}
	v.Set(9, false)
	if v.Get(9) {
		t.Fatalf("clear did not take")
	}
	if v.Get(100) {
		t.Fatalf("out-of-range get should be false")
	}
}

func TestBitVecGrowsOnSet(t *testing.T) {
	v := NewBitVec(4)
	v.Set(20, true)
	if v.Len() != 21 {
		t.Fatalf("expected growth to 21 bits, got %d", v.Len())
	}
	if !v.Get(20) {
		t.Fatalf("grown bit not set")
	}
	if v.Get(3) {
		t.Fatalf("existing bits must survive growth unchanged")
	}
}

func TestBitVecFromBytes(t *testing.T) {
	v, ok := BitVecFromBytes([]byte{0b0000_0101}, 8)
	if !ok {
		t.Fatalf("one byte holds 8 bits")
	}
	if !v.Get(0) || v.Get(1) || !v.Get(2) {
		t.Fatalf("bit order is little-endian within a byte")
	}
	if _, ok := BitVecFromBytes([]byte{0xFF}, 9); ok {
		t.Fatalf("undersized bitmap accepted")
	}
}

func TestBitVecCountSet(t *testing.T) {
	v := NewBitVec(16)
	for _, i := range []uint64{1, 3, 7, 15} {
		v.Set(i, true)
	}
	if got := v.CountSet(); got != 4 {
		t.Fatalf("expected 4 set bits, got %d", got)
	}
}

func TestBitVecCloneIsIndependent(t *testing.T) {
	v := NewBitVec(8)
	v.Set(2, true)
	clone := v.Clone()
	clone.Set(2, false)
	clone.Set(5, true)
	if !v.Get(2) || v.Get(5) {
		t.Fatalf("clone must not alias the original")
	}
}

func TestBitVecBytesCopies(t *testing.T) {
	v := NewBitVec(8)
	v.Set(0, true)
	raw := v.Bytes()
	raw[0] = 0
	if !v.Get(0) {
		t.Fatalf("Bytes must return a copy")
	}
}
