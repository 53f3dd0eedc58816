package chain

// Burnchain carries the parameters of the underlying burnchain that the
// network layer needs: where the chain starts and how heights group into
// reward cycles.
type Burnchain struct {
	NetworkID         uint32
	PeerVersion       uint32
	FirstBlockHeight  uint64
	RewardCycleLength uint64
	StableConfirms    uint64
}

// BlockHeightToRewardCycle maps a burnchain height to its reward cycle.
// Returns false for heights before the first burn block.
func (b Burnchain) BlockHeightToRewardCycle(height uint64) (uint64, bool) {
	if b.RewardCycleLength == 0 || height < b.FirstBlockHeight {
		return 0, false
	}
	return (height - b.FirstBlockHeight) / b.RewardCycleLength, true
}

// RewardCycleToBlockHeight maps a reward cycle to the burnchain height of its
// first block.
func (b Burnchain) RewardCycleToBlockHeight(cycle uint64) uint64 {
	return b.FirstBlockHeight + cycle*b.RewardCycleLength
}

// BurnchainView is a node's current view of the burnchain: the tip, the
// stable tip (deep enough to be safe from short reorgs), and the last few
// consensus hashes so stale messages can be authenticated.
type BurnchainView struct {
	BurnBlockHeight       uint64
	BurnBlockHash         BurnchainHeaderHash
	BurnStableBlockHeight uint64
	BurnStableBlockHash   BurnchainHeaderHash

	// LastConsensusHashes maps recent burn heights to their consensus
	// hashes, covering [BurnStableBlockHeight, BurnBlockHeight].
	LastConsensusHashes map[uint64]ConsensusHash
}

// ConsensusHashAt returns the consensus hash the view holds for a height.
func (v *BurnchainView) ConsensusHashAt(height uint64) (ConsensusHash, bool) {
	if v == nil || v.LastConsensusHashes == nil {
		return ConsensusHash{}, false
	}
	ch, ok := v.LastConsensusHashes[height]
	return ch, ok
}
