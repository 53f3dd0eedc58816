package chain

import "testing"

func TestNewBlockIDBindsBothHashes(t *testing.T) {
	var ch ConsensusHash
	var bh BlockHash
	ch[0], bh[0] = 1, 2

	id := NewBlockID(ch, bh)
	if id == (BlockID{}) {
		t.Fatalf("block id should not be zero")
	}
	if id != NewBlockID(ch, bh) {
		t.Fatalf("block id derivation must be deterministic")
	}

	var otherCH ConsensusHash
	otherCH[0] = 3
	if id == NewBlockID(otherCH, bh) {
		t.Fatalf("a different sortition must give a different id")
	}
	var otherBH BlockHash
	otherBH[0] = 4
	if id == NewBlockID(ch, otherBH) {
		t.Fatalf("a different block must give a different id")
	}
}

func TestConsensusHashFromBytes(t *testing.T) {
	h := ConsensusHashFromBytes([]byte{1, 2, 3})
	if h[0] != 1 || h[1] != 2 || h[2] != 3 || h[3] != 0 {
		t.Fatalf("short input should zero-pad: %s", h)
	}
	long := make([]byte, 32)
	long[19], long[20] = 0xAA, 0xBB
	h = ConsensusHashFromBytes(long)
	if h[19] != 0xAA {
		t.Fatalf("long input should truncate at 20 bytes")
	}
}

func TestPoxID(t *testing.T) {
	p := NewPoxID([]bool{true, false, true})
	if p.NumCycles() != 3 {
		t.Fatalf("expected 3 cycles, got %d", p.NumCycles())
	}
	if !p.Bit(0) || p.Bit(1) || !p.Bit(2) {
		t.Fatalf("bits wrong: %s", p)
	}
	if p.Bit(-1) || p.Bit(3) {
		t.Fatalf("out-of-range bits must read false")
	}
	if p.String() != "101" {
		t.Fatalf("expected 101, got %s", p.String())
	}

	ext := p.Extend(true)
	if ext.NumCycles() != 4 || !ext.Bit(3) {
		t.Fatalf("extend should append one decision")
	}
	if p.NumCycles() != 3 {
		t.Fatalf("extend must not mutate the receiver")
	}

	if !p.Equal(NewPoxID([]bool{true, false, true})) {
		t.Fatalf("equal vectors should compare equal")
	}
	if p.Equal(ext) || p.Equal(NewPoxID([]bool{true, true, true})) {
		t.Fatalf("different vectors should not compare equal")
	}
}
