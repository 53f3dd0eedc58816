package p2p

import (
	"errors"
	"log/slog"
	"time"

	"orechain/chain"
)

// maxAvailabilityEntries bounds how many sortitions one availability
// announcement may name. Larger announcements are protocol violations.
const maxAvailabilityEntries = 32

// handleUnsolicitedMessages classifies every message the conversations could
// not consume themselves. Availability claims and pushed data referencing
// chain state we do not know yet are buffered (when buffer is true) for
// replay once the burnchain view advances; transactions and accepted data
// are folded into the cycle's result. Returns the first storage error
// encountered, which aborts the cycle.
func (n *PeerNetwork) handleUnsolicitedMessages(
	sortdb chain.SortitionReader,
	blocks chain.BlockStore,
	mempool chain.Mempool,
	unhandled map[SessionID][]*Message,
	buffer bool,
	res *NetworkResult,
) error {
	for id, msgs := range unhandled {
		conv, ok := n.peers[id]
		if !ok {
			continue
		}
		for _, msg := range msgs {
			if err := n.handleUnsolicitedMessage(sortdb, blocks, mempool, id, conv, msg, buffer, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *PeerNetwork) handleUnsolicitedMessage(
	sortdb chain.SortitionReader,
	blocks chain.BlockStore,
	mempool chain.Mempool,
	id SessionID,
	conv Conversation,
	msg *Message,
	buffer bool,
	res *NetworkResult,
) error {
	switch msg.Kind {
	case KindBlocksAvailable, KindMicroblocksAvailable:
		wantBuffer, err := n.handleAvailability(sortdb, id, conv, msg)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				n.banSessionAndReciprocal(id)
				return nil
			}
			return err
		}
		if wantBuffer && buffer {
			n.bufferDataMessage(id, msg)
		}
		return nil

	case KindBlocksData:
		wantBuffer, err := n.handleBlocksData(sortdb, id, conv, msg, res)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				n.banSessionAndReciprocal(id)
				return nil
			}
			return err
		}
		if wantBuffer && buffer {
			n.bufferDataMessage(id, msg)
		}
		return nil

	case KindMicroblocksData:
		wantBuffer, err := n.handleMicroblocksData(blocks, conv, msg, res)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				n.banSessionAndReciprocal(id)
				return nil
			}
			return err
		}
		if wantBuffer && buffer {
			n.bufferDataMessage(id, msg)
		}
		return nil

	case KindBlocksInv:
		if err := n.handleBlocksInv(id, conv, msg); err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				n.banSessionAndReciprocal(id)
				return nil
			}
			return err
		}
		return nil

	case KindTransaction:
		n.handleTransaction(mempool, conv, msg, res)
		return nil

	case KindNatPunchRequest:
		n.handleNatPunchRequest(id, conv, msg)
		return nil

	case KindNatPunchReply:
		n.handleNatPunchReply(id, msg)
		return nil

	case KindPing:
		n.handlePing(id, conv, msg)
		return nil

	default:
		n.log.Debug("dropping unsolicited message",
			slog.Int("session", int(id)),
			slog.String("kind", msg.Kind.String()))
		return nil
	}
}

// handleAvailability applies a BlocksAvailable or MicroblocksAvailable claim
// to the sender's inventory. It reports whether the message should be
// buffered: the referenced consensus hash is unknown and the peer is ahead
// of us. Unknown hashes from peers at or behind our height are fork claims
// and are dropped silently.
func (n *PeerNetwork) handleAvailability(
	sortdb chain.SortitionReader,
	id SessionID,
	conv Conversation,
	msg *Message,
) (bool, error) {
	data := msg.BlocksAvailable
	microblocks := msg.Kind == KindMicroblocksAvailable
	if microblocks {
		data = msg.MicroblocksAvailable
	}
	if data == nil || len(data.Available) == 0 || len(data.Available) > maxAvailabilityEntries {
		return false, ErrInvalidMessage
	}

	identity := conv.Identity()
	for _, ptr := range data.Available {
		sortition, err := sortdb.SortitionByConsensusHash(ptr.ConsensusHash)
		if err != nil {
			if errors.Is(err, chain.ErrNotFound) {
				if conv.RemoteBurnHeight() > n.chainView.BurnBlockHeight {
					return true, nil
				}
				continue
			}
			return false, err
		}
		if microblocks {
			n.inv.SetMicroblocksAvailable(identity, sortition.BurnHeight)
		} else {
			n.inv.SetBlockAvailable(identity, sortition.BurnHeight)
		}
	}
	return false, nil
}

// handleBlocksData validates pushed anchored blocks: the referenced
// sortition must exist (else buffer), lie on the canonical PoX fork, and
// have elected exactly this block. Mismatches are dropped without banning,
// since they occur legitimately across forks.
func (n *PeerNetwork) handleBlocksData(
	sortdb chain.SortitionReader,
	id SessionID,
	conv Conversation,
	msg *Message,
	res *NetworkResult,
) (bool, error) {
	payload := msg.BlocksData
	if payload == nil || len(payload.Blocks) == 0 {
		return false, ErrInvalidMessage
	}

	identity := conv.Identity()
	for _, entry := range payload.Blocks {
		sortition, err := sortdb.SortitionByConsensusHash(entry.ConsensusHash)
		if err != nil {
			if errors.Is(err, chain.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if !sortition.PoxValid {
			n.log.Debug("dropping block on non-canonical PoX fork",
				slog.String("peer", identity.String()),
				slog.String("consensus", entry.ConsensusHash.String()))
			continue
		}
		if sortition.WinningBlockHash != entry.Block.Hash {
			n.log.Debug("dropping block that did not win its sortition",
				slog.String("peer", identity.String()),
				slog.String("block", entry.Block.Hash.String()))
			continue
		}
		res.PushedBlocks[identity] = append(res.PushedBlocks[identity], entry)
		n.inv.SetBlockAvailable(identity, sortition.BurnHeight)
		if recip, ok := n.findReciprocal(id); ok {
			if recipConv, ok := n.peers[recip]; ok {
				n.inv.SetBlockAvailable(recipConv.Identity(), sortition.BurnHeight)
			}
		}
	}
	return false, nil
}

// handleMicroblocksData accepts a pushed microblock stream once its anchor
// block is known locally; until then the message is buffered.
func (n *PeerNetwork) handleMicroblocksData(
	blocks chain.BlockStore,
	conv Conversation,
	msg *Message,
	res *NetworkResult,
) (bool, error) {
	payload := msg.MicroblocksData
	if payload == nil || len(payload.Microblocks) == 0 {
		return false, ErrInvalidMessage
	}
	known, err := blocks.HasBlock(payload.IndexAnchorBlock)
	if err != nil {
		return false, err
	}
	if !known {
		return true, nil
	}
	identity := conv.Identity()
	res.PushedMicroblocks[identity] = append(res.PushedMicroblocks[identity], *payload)
	return false, nil
}

// handleBlocksInv folds an inventory reply into the neighbor's bitmaps.
func (n *PeerNetwork) handleBlocksInv(id SessionID, conv Conversation, msg *Message) error {
	payload := msg.BlocksInv
	if payload == nil {
		return ErrInvalidMessage
	}
	if payload.BitLen == 0 || uint64(payload.BitLen) > n.burnchain.RewardCycleLength {
		return ErrInvalidMessage
	}
	blockBits, ok := chain.BitVecFromBytes(payload.BlockBitmap, uint64(payload.BitLen))
	if !ok {
		return ErrInvalidMessage
	}
	microblockBits, ok := chain.BitVecFromBytes(payload.MicroblockBitmap, uint64(payload.BitLen))
	if !ok {
		return ErrInvalidMessage
	}

	identity := conv.Identity()
	inv := n.inv.Neighbor(identity)
	if !inv.InFlight {
		// Reply we never asked for this cycle; treat as a plain update
		// anchored at the neighbor's current scan cursor.
		n.log.Debug("unsolicited inventory reply", slog.String("peer", identity.String()))
	}
	firstHeight := n.burnchain.RewardCycleToBlockHeight(inv.ScanCycle)
	n.inv.Merge(identity, firstHeight, blockBits, microblockBits)
	inv.InFlight = false
	inv.ScanCycle++
	inv.LastRescan = time.Now()
	return nil
}

func (n *PeerNetwork) handleTransaction(mempool chain.Mempool, conv Conversation, msg *Message, res *NetworkResult) {
	if msg.Transaction == nil {
		return
	}
	identity := conv.Identity()
	if mempool != nil {
		if mempool.Has(msg.Transaction.ID) {
			return
		}
		if err := mempool.Submit(*msg.Transaction); err != nil {
			n.log.Debug("mempool rejected pushed transaction",
				slog.String("peer", identity.String()),
				slog.String("txid", msg.Transaction.ID.String()),
				slog.String("error", err.Error()))
			return
		}
	}
	res.PushedTransactions[identity] = append(res.PushedTransactions[identity], PushedTransaction{
		RelayHints:  msg.RelayHints,
		Transaction: *msg.Transaction,
	})
}

func (n *PeerNetwork) handlePing(id SessionID, conv Conversation, msg *Message) {
	if msg.Ping == nil {
		return
	}
	pong := &Message{Kind: KindPong, Ping: &PingPayload{Nonce: msg.Ping.Nonce}}
	signed, err := conv.Sign(n.chainView, n.localKey, pong)
	if err != nil {
		return
	}
	if err := n.queueOutbox(id, signed); err != nil {
		n.log.Debug("queue pong", slog.Int("session", int(id)), slog.String("error", err.Error()))
	}
}

// banSessionAndReciprocal marks a misbehaving session for banning along with
// its reciprocal session, so the logical peer is banned in both directions.
func (n *PeerNetwork) banSessionAndReciprocal(id SessionID) {
	n.banSet[id] = struct{}{}
	if recip, ok := n.findReciprocal(id); ok {
		n.banSet[recip] = struct{}{}
	}
}

// bufferDataMessage appends an unresolvable message to the session's
// pending inbox, respecting the per-kind cap. At capacity the new message is
// dropped; old ones are never evicted.
func (n *PeerNetwork) bufferDataMessage(id SessionID, msg *Message) {
	limit := 0
	switch msg.Kind {
	case KindBlocksAvailable:
		limit = n.opts.MaxBufferedBlocksAvailable
	case KindMicroblocksAvailable:
		limit = n.opts.MaxBufferedMicroblocksAvailable
	case KindBlocksData:
		limit = n.opts.MaxBufferedBlocksData
	case KindMicroblocksData:
		limit = n.opts.MaxBufferedMicroblocksData
	default:
		return
	}
	count := 0
	for _, buffered := range n.buffered[id] {
		if buffered.Kind == msg.Kind {
			count++
		}
	}
	if count >= limit {
		n.log.Debug("buffer full, dropping message",
			slog.Int("session", int(id)),
			slog.String("kind", msg.Kind.String()))
		n.metrics.recordBufferDrop(msg.Kind)
		return
	}
	n.buffered[id] = append(n.buffered[id], msg)
	n.metrics.observeBuffered(n.numBuffered())
}

func (n *PeerNetwork) numBuffered() int {
	total := 0
	for _, msgs := range n.buffered {
		total += len(msgs)
	}
	return total
}

// replayBufferedMessages re-runs every buffered message through
// classification after the burnchain view advanced. Messages that still
// cannot be resolved are dropped, never re-buffered.
func (n *PeerNetwork) replayBufferedMessages(
	sortdb chain.SortitionReader,
	blocks chain.BlockStore,
	mempool chain.Mempool,
	res *NetworkResult,
) error {
	if len(n.buffered) == 0 {
		return nil
	}
	replay := n.buffered
	n.buffered = make(map[SessionID][]*Message)
	n.metrics.observeBuffered(0)
	return n.handleUnsolicitedMessages(sortdb, blocks, mempool, replay, false, res)
}
