package chain

import "errors"

// ErrNotFound is returned by storage lookups for chain state the node does
// not know yet. Callers in the network layer treat it as a buffering trigger
// rather than a failure.
var ErrNotFound = errors.New("chain: not found")

// Sortition is the snapshot of one burnchain block's sortition outcome.
type Sortition struct {
	SortitionID   SortitionID
	ConsensusHash ConsensusHash
	BurnHeight    uint64
	BurnHash      BurnchainHeaderHash

	// Sortition reports whether a winner was elected at this height.
	Sortition        bool
	WinningBlockHash BlockHash

	// PoxValid reports whether this sortition lies on the PoX fork the
	// node considers canonical.
	PoxValid bool
}

// Block is an anchored block as the network layer sees it: its hash plus the
// opaque serialized body. Validation is the chainstate engine's job.
type Block struct {
	Hash BlockHash
	Data []byte
}

// Microblock is one element of an unconfirmed stream anchored to a block.
type Microblock struct {
	Hash     BlockHash
	Sequence uint16
	Data     []byte
}

// Transaction is an opaque mempool transaction.
type Transaction struct {
	ID   TxID
	Data []byte
}

// BlockInv is a node's own inventory over one span of sortitions.
type BlockInv struct {
	FirstHeight uint64
	Blocks      BitVec
	Microblocks BitVec
}

// SortitionReader exposes the burnchain index lookups the network layer
// performs. Implementations must return ErrNotFound (possibly wrapped) for
// unknown consensus hashes.
type SortitionReader interface {
	// CanonicalView returns the current canonical burnchain view.
	CanonicalView() (BurnchainView, error)

	// SortitionByConsensusHash looks up the sortition a consensus hash
	// commits to.
	SortitionByConsensusHash(ch ConsensusHash) (*Sortition, error)

	// PoxID returns the canonical PoX vector.
	PoxID() (PoxID, error)
}

// BlockStore exposes the chainstate lookups the network layer performs when
// validating pushed data and answering inventory queries.
type BlockStore interface {
	// HasBlock reports whether the anchored block is already stored.
	HasBlock(id BlockID) (bool, error)

	// Block loads a stored anchored block.
	Block(id BlockID) (*Block, error)

	// MicroblockStream loads the confirmed microblock stream ending at
	// the given anchored block.
	MicroblockStream(id BlockID) ([]Microblock, error)

	// Inventory reports which sortitions in [firstHeight,
	// firstHeight+count) have a stored block and microblock stream.
	Inventory(firstHeight, count uint64) (BlockInv, error)
}

// Mempool is the transaction admission surface the network layer submits
// pushed transactions to.
type Mempool interface {
	Has(id TxID) bool
	Submit(tx Transaction) error
}
