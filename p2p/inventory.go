package p2p

import (
	"time"

	"orechain/chain"
)

// NeighborInv tracks which blocks and microblock streams one neighbor is
// known to hold. Bits are indexed by burn height relative to the chain's
// first block.
type NeighborInv struct {
	Blocks      chain.BitVec
	Microblocks chain.BitVec

	// ScanCycle is the next reward cycle this neighbor's rescan asks for.
	ScanCycle  uint64
	InFlight   bool
	LastRescan time.Time
}

// InvState is the engine's inventory book: one NeighborInv per connected
// neighbor plus sync-pass bookkeeping.
type InvState struct {
	burnchain chain.Burnchain
	neighbors map[PeerIdentity]*NeighborInv

	// learned flags that a scan found data we did not know a neighbor had,
	// which hints the downloader awake.
	learned bool
}

func NewInvState(burnchain chain.Burnchain) *InvState {
	return &InvState{
		burnchain: burnchain,
		neighbors: make(map[PeerIdentity]*NeighborInv),
	}
}

func (s *InvState) Neighbor(identity PeerIdentity) *NeighborInv {
	inv, ok := s.neighbors[identity]
	if !ok {
		inv = &NeighborInv{}
		s.neighbors[identity] = inv
	}
	return inv
}

func (s *InvState) Lookup(identity PeerIdentity) (*NeighborInv, bool) {
	inv, ok := s.neighbors[identity]
	return inv, ok
}

func (s *InvState) DelNeighbor(identity PeerIdentity) {
	delete(s.neighbors, identity)
}

func (s *InvState) NumNeighbors() int {
	return len(s.neighbors)
}

func (s *InvState) bitIndex(burnHeight uint64) (uint64, bool) {
	if burnHeight < s.burnchain.FirstBlockHeight {
		return 0, false
	}
	return burnHeight - s.burnchain.FirstBlockHeight, true
}

// SetBlockAvailable records that a neighbor holds the block elected at
// burnHeight. Reports whether the bit was newly set.
func (s *InvState) SetBlockAvailable(identity PeerIdentity, burnHeight uint64) bool {
	idx, ok := s.bitIndex(burnHeight)
	if !ok {
		return false
	}
	inv := s.Neighbor(identity)
	if inv.Blocks.Get(idx) {
		return false
	}
	inv.Blocks.Set(idx, true)
	s.learned = true
	return true
}

// SetMicroblocksAvailable records that a neighbor holds the microblock
// stream built on the block at burnHeight.
func (s *InvState) SetMicroblocksAvailable(identity PeerIdentity, burnHeight uint64) bool {
	idx, ok := s.bitIndex(burnHeight)
	if !ok {
		return false
	}
	inv := s.Neighbor(identity)
	if inv.Microblocks.Get(idx) {
		return false
	}
	inv.Microblocks.Set(idx, true)
	s.learned = true
	return true
}

// Merge folds a BlocksInv reply covering [firstHeight, firstHeight+bitLen)
// into the neighbor's bitmaps. Reports whether any new bit was learned.
func (s *InvState) Merge(identity PeerIdentity, firstHeight uint64, blocks, microblocks chain.BitVec) bool {
	base, ok := s.bitIndex(firstHeight)
	if !ok {
		return false
	}
	inv := s.Neighbor(identity)
	learned := false
	for i := uint64(0); i < blocks.Len(); i++ {
		if blocks.Get(i) && !inv.Blocks.Get(base+i) {
			inv.Blocks.Set(base+i, true)
			learned = true
		}
	}
	for i := uint64(0); i < microblocks.Len(); i++ {
		if microblocks.Get(i) && !inv.Microblocks.Get(base+i) {
			inv.Microblocks.Set(base+i, true)
			learned = true
		}
	}
	if learned {
		s.learned = true
	}
	return learned
}

// Truncate forgets everything the neighbor claimed from the given reward
// cycle onward, forcing it to re-announce. Used by anti-entropy so a pushed
// peer is never re-pushed the same data every cycle.
func (s *InvState) Truncate(identity PeerIdentity, rewardCycle uint64) {
	inv, ok := s.neighbors[identity]
	if !ok {
		return
	}
	start := s.burnchain.RewardCycleToBlockHeight(rewardCycle)
	idx, ok := s.bitIndex(start)
	if !ok {
		idx = 0
	}
	for i := idx; i < inv.Blocks.Len(); i++ {
		inv.Blocks.Set(i, false)
	}
	for i := idx; i < inv.Microblocks.Len(); i++ {
		inv.Microblocks.Set(i, false)
	}
	if inv.ScanCycle > rewardCycle {
		inv.ScanCycle = rewardCycle
	}
}

// TakeLearned consumes the learned-new-data hint.
func (s *InvState) TakeLearned() bool {
	learned := s.learned
	s.learned = false
	return learned
}
