package chain

// BitVec is a growable bit vector used for block and microblock inventories.
type BitVec struct {
	bits []byte
	n    uint64
}

func NewBitVec(n uint64) BitVec {
	return BitVec{bits: make([]byte, (n+7)/8), n: n}
}

// BitVecFromBytes interprets raw as a little-endian-within-byte bitmap of n
// bits. Returns false if raw is too short to hold n bits.
func BitVecFromBytes(raw []byte, n uint64) (BitVec, bool) {
	if uint64(len(raw))*8 < n {
		return BitVec{}, false
	}
	bits := make([]byte, (n+7)/8)
	copy(bits, raw)
	return BitVec{bits: bits, n: n}, true
}

func (v BitVec) Len() uint64 {
	return v.n
}

func (v BitVec) Bytes() []byte {
	out := make([]byte, len(v.bits))
	copy(out, v.bits)
	return out
}

func (v BitVec) Get(i uint64) bool {
	if i >= v.n {
		return false
	}
	return v.bits[i/8]&(1<<(i%8)) != 0
}

func (v *BitVec) Set(i uint64, val bool) {
	if i >= v.n {
		v.grow(i + 1)
	}
	if val {
		v.bits[i/8] |= 1 << (i % 8)
	} else {
		v.bits[i/8] &^= 1 << (i % 8)
	}
}

func (v *BitVec) grow(n uint64) {
	need := int((n + 7) / 8)
	if need > len(v.bits) {
		bits := make([]byte, need)
		copy(bits, v.bits)
		v.bits = bits
	}
	v.n = n
}

// CountSet returns the number of set bits.
func (v BitVec) CountSet() uint64 {
	var count uint64
	for i := uint64(0); i < v.n; i++ {
		if v.Get(i) {
			count++
		}
	}
	return count
}

// Clone returns an independent copy.
func (v BitVec) Clone() BitVec {
	bits := make([]byte, len(v.bits))
	copy(bits, v.bits)
	return BitVec{bits: bits, n: v.n}
}
