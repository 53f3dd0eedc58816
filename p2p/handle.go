package p2p

import (
	"orechain/chain"
)

type requestKind int

const (
	reqBan requestKind = iota
	reqAdvertizeBlocks
	reqAdvertizeMicroblocks
	reqRelay
	reqBroadcast
)

type networkRequest struct {
	kind requestKind

	identities []PeerIdentity
	available  map[chain.ConsensusHash]chain.BlockHash
	relayTo    PeerIdentity
	relayHints []RelayHint
	message    *Message
}

// Handle is the engine's cross-thread command surface. Every method enqueues
// onto a bounded channel and returns immediately: ErrFullHandle when the
// queue is saturated, ErrInvalidHandle once the engine has shut down.
// Callers must never block waiting for capacity.
type Handle struct {
	requests chan<- networkRequest
	done     <-chan struct{}
}

func (h *Handle) send(req networkRequest) error {
	select {
	case <-h.done:
		return ErrInvalidHandle
	default:
	}
	select {
	case h.requests <- req:
		return nil
	case <-h.done:
		return ErrInvalidHandle
	default:
		return ErrFullHandle
	}
}

// Ban asks the engine to ban the named peers on its next cycle.
func (h *Handle) Ban(identities []PeerIdentity) error {
	copied := make([]PeerIdentity, len(identities))
	copy(copied, identities)
	return h.send(networkRequest{kind: reqBan, identities: copied})
}

// AdvertizeBlocks announces newly stored blocks to the broadcast subsystem.
func (h *Handle) AdvertizeBlocks(available map[chain.ConsensusHash]chain.BlockHash) error {
	copied := make(map[chain.ConsensusHash]chain.BlockHash, len(available))
	for k, v := range available {
		copied[k] = v
	}
	return h.send(networkRequest{kind: reqAdvertizeBlocks, available: copied})
}

// AdvertizeMicroblocks announces newly stored microblock streams.
func (h *Handle) AdvertizeMicroblocks(available map[chain.ConsensusHash]chain.BlockHash) error {
	copied := make(map[chain.ConsensusHash]chain.BlockHash, len(available))
	for k, v := range available {
		copied[k] = v
	}
	return h.send(networkRequest{kind: reqAdvertizeMicroblocks, available: copied})
}

// Relay sends one message to one connected peer.
func (h *Handle) Relay(identity PeerIdentity, msg *Message) error {
	return h.send(networkRequest{kind: reqRelay, relayTo: identity, message: msg})
}

// Broadcast gossips a message to a sampled set of peers, excluding any peer
// named in the relay hints.
func (h *Handle) Broadcast(relayHints []RelayHint, msg *Message) error {
	copied := make([]RelayHint, len(relayHints))
	copy(copied, relayHints)
	return h.send(networkRequest{kind: reqBroadcast, relayHints: copied, message: msg})
}

// NewHandle returns a command handle sharing the engine's bounded request
// channel.
func (n *PeerNetwork) NewHandle() *Handle {
	return &Handle{requests: n.requests, done: n.done}
}

// dispatchRequests drains the command channel, executing each request
// against current registry state. A failure executing one request is logged
// and does not abort the others.
func (n *PeerNetwork) dispatchRequests() {
	for {
		select {
		case req := <-n.requests:
			if err := n.executeRequest(&req); err != nil {
				n.log.Debug("handle request failed",
					"kind", int(req.kind),
					"error", err.Error())
			}
		default:
			return
		}
	}
}

func (n *PeerNetwork) executeRequest(req *networkRequest) error {
	switch req.kind {
	case reqBan:
		for _, identity := range req.identities {
			if id, ok := n.lookupSession(identity); ok {
				n.banSet[id] = struct{}{}
			} else {
				n.applyBan(identity)
			}
		}
		return nil
	case reqAdvertizeBlocks:
		return n.advertizeAvailability(KindBlocksAvailable, req.available)
	case reqAdvertizeMicroblocks:
		return n.advertizeAvailability(KindMicroblocksAvailable, req.available)
	case reqRelay:
		id, ok := n.lookupSession(req.relayTo)
		if !ok {
			return ErrPeerNotConnected
		}
		conv, ok := n.peers[id]
		if !ok {
			return ErrPeerNotConnected
		}
		signed, err := conv.Sign(n.chainView, n.localKey, req.message)
		if err != nil {
			return err
		}
		return n.queueOutbox(id, signed)
	case reqBroadcast:
		return n.broadcast(req.relayHints, req.message)
	default:
		return ErrInvalidMessage
	}
}

func (n *PeerNetwork) advertizeAvailability(kind MessageKind, available map[chain.ConsensusHash]chain.BlockHash) error {
	if len(available) == 0 {
		return nil
	}
	data := &BlocksAvailableData{Available: make([]BlockPointer, 0, len(available))}
	for ch, bh := range available {
		data.Available = append(data.Available, BlockPointer{ConsensusHash: ch, BlockHash: bh})
	}
	msg := &Message{Kind: kind}
	if kind == KindBlocksAvailable {
		msg.BlocksAvailable = data
	} else {
		msg.MicroblocksAvailable = data
	}
	return n.broadcast(nil, msg)
}
