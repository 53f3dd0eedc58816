package p2p

import (
	"log/slog"
	"time"

	"orechain/chain"
	"orechain/dnsclient"
)

// WorkState is the orchestrator's top-level phase.
type WorkState int

const (
	WorkGetPublicIP WorkState = iota
	WorkBlockInvSync
	WorkBlockDownload
	WorkAntiEntropy
	WorkPrune
)

func (s WorkState) String() string {
	switch s {
	case WorkGetPublicIP:
		return "GetPublicIP"
	case WorkBlockInvSync:
		return "BlockInvSync"
	case WorkBlockDownload:
		return "BlockDownload"
	case WorkAntiEntropy:
		return "AntiEntropy"
	case WorkPrune:
		return "Prune"
	default:
		return "Unknown"
	}
}

// workEnv carries the per-cycle inputs each work state reads. Storage
// references are borrowed for the cycle only, never retained.
type workEnv struct {
	sortdb               chain.SortitionReader
	blocks               chain.BlockStore
	dns                  *dnsclient.Client
	downloadBackpressure bool
	res                  *NetworkResult
}

type stateTransition struct {
	run  func(*PeerNetwork, *workEnv) (bool, error)
	next WorkState
}

// stateTransitions is the explicit finite-state table: each phase names its
// handler and successor, so phases are independently testable.
var stateTransitions = map[WorkState]stateTransition{
	WorkGetPublicIP:   {run: (*PeerNetwork).stepGetPublicIP, next: WorkBlockInvSync},
	WorkBlockInvSync:  {run: (*PeerNetwork).stepBlockInvSync, next: WorkBlockDownload},
	WorkBlockDownload: {run: (*PeerNetwork).stepBlockDownload, next: WorkAntiEntropy},
	WorkAntiEntropy:   {run: (*PeerNetwork).stepAntiEntropy, next: WorkPrune},
	WorkPrune:         {run: (*PeerNetwork).stepPrune, next: WorkGetPublicIP},
}

// doNetworkWork advances the work state machine. A state that completes
// hands off to its successor within the same cycle; a state that cannot
// progress ends the cycle. Completing Prune counts one full pass and wraps.
func (n *PeerNetwork) doNetworkWork(env *workEnv) error {
	for {
		tr := stateTransitions[n.workState]
		done, err := tr.run(n, env)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		wrapped := n.workState == WorkPrune
		n.workState = tr.next
		if wrapped {
			n.numStateMachinePasses++
			env.res.StateMachinePasses = n.numStateMachinePasses
			n.metrics.recordPass()
			return nil
		}
	}
}

// stepBlockInvSync refreshes each neighbor's inventory over the recent
// reward cycles. Done once every neighbor's scan cursor has caught up to the
// current reward cycle; neighbors inside their rescan throttle window are
// treated as caught up for this pass.
func (n *PeerNetwork) stepBlockInvSync(env *workEnv) (bool, error) {
	currentCycle, ok := n.burnchain.BlockHeightToRewardCycle(n.chainView.BurnBlockHeight)
	if !ok {
		return true, nil
	}
	startCycle := uint64(0)
	if currentCycle > n.opts.InvRewardCycles {
		startCycle = currentCycle - n.opts.InvRewardCycles
	}

	now := time.Now()
	allDone := true
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() {
			continue
		}
		identity := conv.Identity()
		inv := n.inv.Neighbor(identity)
		if inv.InFlight {
			allDone = false
			continue
		}
		if inv.ScanCycle > currentCycle {
			// Caught up; rescan from the window start after the throttle
			// expires.
			if now.Sub(inv.LastRescan) >= n.opts.InvSyncInterval {
				inv.ScanCycle = startCycle
			}
			continue
		}
		if inv.ScanCycle < startCycle {
			inv.ScanCycle = startCycle
		}
		if err := n.requestBlocksInv(id, conv, inv); err != nil {
			n.log.Debug("inventory request failed",
				slog.Int("session", int(id)),
				slog.String("error", err.Error()))
			continue
		}
		allDone = false
	}

	if allDone {
		n.numInvSyncPasses++
		env.res.InvSyncPasses = n.numInvSyncPasses
		if n.inv.TakeLearned() && n.downloader != nil {
			n.downloader.Hint()
		}
	}
	return allDone, nil
}

func (n *PeerNetwork) requestBlocksInv(id SessionID, conv Conversation, inv *NeighborInv) error {
	height := n.burnchain.RewardCycleToBlockHeight(inv.ScanCycle)
	ch, ok := n.chainView.ConsensusHashAt(height)
	if !ok {
		// The cycle start predates our tracked view; anchor at the stable
		// tip instead.
		ch, ok = n.chainView.ConsensusHashAt(n.chainView.BurnStableBlockHeight)
		if !ok {
			return chain.ErrNotFound
		}
	}
	msg := &Message{Kind: KindGetBlocksInv, GetBlocksInv: &GetBlocksInvPayload{
		ConsensusHash: ch,
		NumBlocks:     uint16(n.burnchain.RewardCycleLength),
	}}
	signed, err := conv.Sign(n.chainView, n.localKey, msg)
	if err != nil {
		return err
	}
	if err := n.queueOutbox(id, signed); err != nil {
		return err
	}
	inv.InFlight = true
	return nil
}

// stepBlockDownload drives the block downloader unless the caller applied
// backpressure. Done only when the downloader reports both completion and
// being at the chain tip.
func (n *PeerNetwork) stepBlockDownload(env *workEnv) (bool, error) {
	if env.downloadBackpressure || n.downloader == nil {
		return true, nil
	}
	result, err := n.downloader.DriveOnce(env.sortdb, env.blocks, env.dns)
	if err != nil {
		return false, err
	}
	env.res.Blocks = append(env.res.Blocks, result.Blocks...)
	env.res.ConfirmedMicroblocks = append(env.res.ConfirmedMicroblocks, result.ConfirmedMicroblocks...)
	for _, id := range result.DeadSessions {
		n.deregister(id)
	}
	for _, id := range result.BrokenSessions {
		n.banSet[id] = struct{}{}
	}
	if result.Done && result.AtChainTip {
		n.numDownloadPasses++
		env.res.DownloadPasses = n.numDownloadPasses
		return true, nil
	}
	return false, nil
}

// stepPrune evicts excess connections if capacity pressure was flagged
// earlier in the cycle, then clears the flag. Completing this state finishes
// one full pass.
func (n *PeerNetwork) stepPrune(env *workEnv) (bool, error) {
	if n.prunePressure {
		n.pruneConnections()
		n.prunePressure = false
	}
	return true, nil
}
