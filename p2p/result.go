package p2p

import "orechain/chain"

// NetworkResult aggregates everything one Run cycle produced for the rest of
// the node.
type NetworkResult struct {
	// Blocks and ConfirmedMicroblocks came from the block downloader.
	Blocks               []BlockEntry
	ConfirmedMicroblocks []MicroblocksPayload

	// PushedBlocks and PushedMicroblocks were pushed at us unsolicited and
	// passed validation, keyed by the pushing peer.
	PushedBlocks      map[PeerIdentity][]BlockEntry
	PushedMicroblocks map[PeerIdentity][]MicroblocksPayload

	// PushedTransactions maps each sender to the transactions it pushed,
	// paired with the relay hints they arrived with.
	PushedTransactions map[PeerIdentity][]PushedTransaction

	Attachments []Attachment

	// Pass counters for observability.
	StateMachinePasses uint64
	InvSyncPasses      uint64
	DownloadPasses     uint64
}

// PushedTransaction is one mempool transaction received over gossip.
type PushedTransaction struct {
	RelayHints  []RelayHint
	Transaction chain.Transaction
}

func newNetworkResult() *NetworkResult {
	return &NetworkResult{
		PushedBlocks:       make(map[PeerIdentity][]BlockEntry),
		PushedMicroblocks:  make(map[PeerIdentity][]MicroblocksPayload),
		PushedTransactions: make(map[PeerIdentity][]PushedTransaction),
	}
}

// HasData reports whether the cycle produced anything the node must act on.
func (r *NetworkResult) HasData() bool {
	if r == nil {
		return false
	}
	return len(r.Blocks) > 0 ||
		len(r.ConfirmedMicroblocks) > 0 ||
		len(r.PushedBlocks) > 0 ||
		len(r.PushedMicroblocks) > 0 ||
		len(r.PushedTransactions) > 0 ||
		len(r.Attachments) > 0
}
