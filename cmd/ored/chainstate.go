package main

import (
	"sync"

	"orechain/chain"
)

// memoryChainstate is a minimal in-memory chainstate for a standalone relay
// node: it tracks a burnchain view, sortitions by consensus hash, stored
// blocks, and a transaction set. A full node would back these interfaces
// with its sortition and chainstate databases instead.
type memoryChainstate struct {
	mu sync.Mutex

	burnchain   chain.Burnchain
	currentView chain.BurnchainView
	poxID       chain.PoxID

	sortitions  map[chain.ConsensusHash]chain.Sortition
	blocks      map[chain.BlockID]chain.Block
	microblocks map[chain.BlockID][]chain.Microblock
	heights     map[uint64]chain.BlockID
	txs         map[chain.TxID]chain.Transaction
}

func newMemoryChainstate(burnchain chain.Burnchain) *memoryChainstate {
	return &memoryChainstate{
		burnchain: burnchain,
		currentView: chain.BurnchainView{
			BurnBlockHeight:       burnchain.FirstBlockHeight,
			BurnStableBlockHeight: burnchain.FirstBlockHeight,
			LastConsensusHashes:   map[uint64]chain.ConsensusHash{},
		},
		poxID:       chain.NewPoxID([]bool{true}),
		sortitions:  make(map[chain.ConsensusHash]chain.Sortition),
		blocks:      make(map[chain.BlockID]chain.Block),
		microblocks: make(map[chain.BlockID][]chain.Microblock),
		heights:     make(map[uint64]chain.BlockID),
		txs:         make(map[chain.TxID]chain.Transaction),
	}
}

// view is the snapshot handed to conversation preambles.
func (m *memoryChainstate) view() chain.BurnchainView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentView
}

func (m *memoryChainstate) CanonicalView() (chain.BurnchainView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentView, nil
}

func (m *memoryChainstate) SortitionByConsensusHash(ch chain.ConsensusHash) (*chain.Sortition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sortition, ok := m.sortitions[ch]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return &sortition, nil
}

func (m *memoryChainstate) PoxID() (chain.PoxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poxID, nil
}

func (m *memoryChainstate) HasBlock(id chain.BlockID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocks[id]
	return ok, nil
}

func (m *memoryChainstate) Block(id chain.BlockID) (*chain.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return &block, nil
}

func (m *memoryChainstate) MicroblockStream(id chain.BlockID) ([]chain.Microblock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.microblocks[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	out := make([]chain.Microblock, len(stream))
	copy(out, stream)
	return out, nil
}

func (m *memoryChainstate) Inventory(firstHeight, count uint64) (chain.BlockInv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := chain.BlockInv{
		FirstHeight: firstHeight,
		Blocks:      chain.NewBitVec(count),
		Microblocks: chain.NewBitVec(count),
	}
	for i := uint64(0); i < count; i++ {
		id, ok := m.heights[firstHeight+i]
		if !ok {
			continue
		}
		if _, stored := m.blocks[id]; stored {
			inv.Blocks.Set(i, true)
		}
		if _, stored := m.microblocks[id]; stored {
			inv.Microblocks.Set(i, true)
		}
	}
	return inv, nil
}

func (m *memoryChainstate) Has(id chain.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[id]
	return ok
}

func (m *memoryChainstate) Submit(tx chain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
	return nil
}
