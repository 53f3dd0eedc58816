package chain

import (
	"bytes"
	"encoding/hex"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ConsensusHash commits to the burnchain history up to a given sortition.
type ConsensusHash [20]byte

// BlockHash names a single anchored block.
type BlockHash [32]byte

// BurnchainHeaderHash names a burnchain block header.
type BurnchainHeaderHash [32]byte

// SortitionID names a sortition in a fork-aware manner.
type SortitionID [32]byte

// TxID names a transaction.
type TxID [32]byte

// BlockID is the index block hash: the globally-unique identifier of an
// anchored block, binding the block hash to the consensus hash of the
// sortition that elected it.
type BlockID [32]byte

func (h ConsensusHash) String() string       { return hex.EncodeToString(h[:]) }
func (h BlockHash) String() string           { return hex.EncodeToString(h[:]) }
func (h BurnchainHeaderHash) String() string { return hex.EncodeToString(h[:]) }
func (h SortitionID) String() string         { return hex.EncodeToString(h[:]) }
func (h TxID) String() string                { return hex.EncodeToString(h[:]) }
func (h BlockID) String() string             { return hex.EncodeToString(h[:]) }

// NewBlockID derives the index block hash for a block elected under the
// given consensus hash.
func NewBlockID(ch ConsensusHash, bh BlockHash) BlockID {
	var id BlockID
	sum := ethcrypto.Keccak256(ch[:], bh[:])
	copy(id[:], sum)
	return id
}

// ConsensusHashFromBytes copies b into a ConsensusHash, truncating or
// zero-padding as needed.
func ConsensusHashFromBytes(b []byte) ConsensusHash {
	var h ConsensusHash
	copy(h[:], b)
	return h
}

// PoxID is the fork-aware vector of reward-cycle anchor block decisions. Bit
// i records whether the anchor block of reward cycle i was known at the time
// the vector was produced.
type PoxID struct {
	bits []bool
}

func NewPoxID(bits []bool) PoxID {
	out := make([]bool, len(bits))
	copy(out, bits)
	return PoxID{bits: out}
}

func (p PoxID) NumCycles() int {
	return len(p.bits)
}

func (p PoxID) Bit(i int) bool {
	if i < 0 || i >= len(p.bits) {
		return false
	}
	return p.bits[i]
}

// Extend appends one reward-cycle decision.
func (p PoxID) Extend(known bool) PoxID {
	out := make([]bool, len(p.bits)+1)
	copy(out, p.bits)
	out[len(p.bits)] = known
	return PoxID{bits: out}
}

func (p PoxID) String() string {
	var buf bytes.Buffer
	for _, b := range p.bits {
		if b {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}

// Equal reports whether two vectors agree over their common prefix and have
// the same length.
func (p PoxID) Equal(other PoxID) bool {
	if len(p.bits) != len(other.bits) {
		return false
	}
	for i := range p.bits {
		if p.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}
