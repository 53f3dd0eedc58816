package p2p

import (
	"log/slog"
	"time"

	"orechain/chain"
)

// stepAntiEntropy pushes blocks and microblock streams directly to peers
// that cannot be reached by normal gossip. It runs at most once per distinct
// burnchain tip, stands down entirely while any peer has a public inbound
// session or while the relay backlog is saturated, and always completes in
// one step.
func (n *PeerNetwork) stepAntiEntropy(env *workEnv) (bool, error) {
	if n.antiEntropyLastTip == n.chainView.BurnBlockHash {
		return true, nil
	}
	n.antiEntropyLastTip = n.chainView.BurnBlockHash

	if n.hasPublicInbound() {
		return true, nil
	}
	if n.totalPendingOutbox() >= n.opts.RelaySaturationThreshold {
		return true, nil
	}
	if env.blocks == nil {
		return true, nil
	}

	currentCycle, ok := n.burnchain.BlockHeightToRewardCycle(n.chainView.BurnBlockHeight)
	if !ok {
		return true, nil
	}
	startCycle := uint64(0)
	if currentCycle > n.opts.InvRewardCycles {
		startCycle = currentCycle - n.opts.InvRewardCycles
	}

	now := time.Now()
	n.expireRecentlyPushed(now)

	for id, conv := range n.peers {
		if !conv.IsAuthenticated() || !conv.IsOutbound() {
			continue
		}
		if _, hasInbound := n.findReciprocal(id); hasInbound {
			continue
		}
		if err := n.pushLocalDataToPeer(env, id, conv, currentCycle, startCycle, now); err != nil {
			return false, err
		}
	}
	return true, nil
}

// pushLocalDataToPeer walks reward cycles newest first, pushing up to the
// configured number of blocks and microblock streams the peer is missing but
// we hold. The peer's cached inventory is then invalidated from the lowest
// affected reward cycle forward so it must re-announce truthfully.
func (n *PeerNetwork) pushLocalDataToPeer(
	env *workEnv,
	id SessionID,
	conv Conversation,
	currentCycle, startCycle uint64,
	now time.Time,
) error {
	identity := conv.Identity()
	neighborInv, ok := n.inv.Lookup(identity)
	if !ok {
		return nil
	}
	pushed := n.recentlyPushed[identity]
	if pushed == nil {
		pushed = make(map[chain.BlockID]time.Time)
		n.recentlyPushed[identity] = pushed
	}

	var (
		blocksPushed      int
		microblocksPushed int
		lowestCycle       uint64
		anyPushed         bool
	)

	for cycle := currentCycle + 1; cycle > startCycle; cycle-- {
		rc := cycle - 1
		firstHeight := n.burnchain.RewardCycleToBlockHeight(rc)
		localInv, err := env.blocks.Inventory(firstHeight, n.burnchain.RewardCycleLength)
		if err != nil {
			return err
		}
		for i := uint64(0); i < localInv.Blocks.Len(); i++ {
			if blocksPushed >= n.opts.AntiEntropyMaxPushBlocks &&
				microblocksPushed >= n.opts.AntiEntropyMaxPushMicroblocks {
				break
			}
			height := firstHeight + i
			bitIdx := height - n.burnchain.FirstBlockHeight
			ch, ok := n.chainView.ConsensusHashAt(height)
			if !ok {
				continue
			}
			sortition, err := env.sortdb.SortitionByConsensusHash(ch)
			if err != nil {
				continue
			}
			blockID := chain.NewBlockID(ch, sortition.WinningBlockHash)
			if _, dup := pushed[blockID]; dup {
				continue
			}

			if blocksPushed < n.opts.AntiEntropyMaxPushBlocks &&
				localInv.Blocks.Get(i) && !neighborInv.Blocks.Get(bitIdx) {
				if err := n.pushBlock(id, conv, ch, blockID, env); err != nil {
					n.log.Debug("anti-entropy block push failed",
						slog.String("peer", identity.String()),
						slog.String("error", err.Error()))
					continue
				}
				pushed[blockID] = now
				blocksPushed++
				anyPushed = true
				lowestCycle = rc
			}
			if microblocksPushed < n.opts.AntiEntropyMaxPushMicroblocks &&
				localInv.Microblocks.Get(i) && !neighborInv.Microblocks.Get(bitIdx) {
				if err := n.pushMicroblocks(id, conv, blockID, env); err != nil {
					continue
				}
				pushed[blockID] = now
				microblocksPushed++
				anyPushed = true
				lowestCycle = rc
			}
		}
	}

	if anyPushed {
		n.inv.Truncate(identity, lowestCycle)
		n.metrics.recordAntiEntropyPush(blocksPushed + microblocksPushed)
	}
	return nil
}

func (n *PeerNetwork) pushBlock(id SessionID, conv Conversation, ch chain.ConsensusHash, blockID chain.BlockID, env *workEnv) error {
	block, err := env.blocks.Block(blockID)
	if err != nil {
		return err
	}
	msg := &Message{Kind: KindBlocksData, BlocksData: &BlocksPayload{
		Blocks: []BlockEntry{{ConsensusHash: ch, Block: *block}},
	}}
	signed, err := conv.Sign(n.chainView, n.localKey, msg)
	if err != nil {
		return err
	}
	return n.queueOutbox(id, signed)
}

func (n *PeerNetwork) pushMicroblocks(id SessionID, conv Conversation, blockID chain.BlockID, env *workEnv) error {
	stream, err := env.blocks.MicroblockStream(blockID)
	if err != nil {
		return err
	}
	if len(stream) == 0 {
		return nil
	}
	msg := &Message{Kind: KindMicroblocksData, MicroblocksData: &MicroblocksPayload{
		IndexAnchorBlock: blockID,
		Microblocks:      stream,
	}}
	signed, err := conv.Sign(n.chainView, n.localKey, msg)
	if err != nil {
		return err
	}
	return n.queueOutbox(id, signed)
}

func (n *PeerNetwork) expireRecentlyPushed(now time.Time) {
	for identity, pushed := range n.recentlyPushed {
		for blockID, at := range pushed {
			if now.Sub(at) > n.opts.AntiEntropyPushedTTL {
				delete(pushed, blockID)
			}
		}
		if len(pushed) == 0 {
			delete(n.recentlyPushed, identity)
		}
	}
}
