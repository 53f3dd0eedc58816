package p2p

import (
	"orechain/chain"
	"orechain/crypto"
	"orechain/dnsclient"
)

// WalkResult is one step's worth of neighbor-walk side effects, applied by
// the engine after the walk runs.
type WalkResult struct {
	Done bool

	// NewConnections are identities the walk wants dialed.
	NewConnections []PeerIdentity

	// DeadSessions stopped responding mid-walk and should be dropped.
	DeadSessions []SessionID

	// BrokenSessions violated the protocol mid-walk and should be banned.
	BrokenSessions []SessionID

	// WalkSessions are currently participating in the walk and are
	// protected from pruning.
	WalkSessions []SessionID

	// PrunePressure asks the engine to prune excess connections at the
	// end of the pass.
	PrunePressure bool
}

// NeighborWalker discovers and ranks peers. The engine starts it, feeds it
// pingback candidates, and applies its results; the sampling algorithm is
// the collaborator's business.
type NeighborWalker interface {
	DriveOnce() (*WalkResult, error)

	// AddPingback tells the walker an authenticated inbound peer is worth
	// probing for a reciprocal outbound connection.
	AddPingback(identity PeerIdentity, pubkey *crypto.PublicKey)
}

// DownloadResult is one step's worth of downloader output.
type DownloadResult struct {
	Done       bool
	AtChainTip bool

	Blocks               []BlockEntry
	ConfirmedMicroblocks []MicroblocksPayload

	DeadSessions   []SessionID
	BrokenSessions []SessionID
}

// BlockDownloader fetches blocks and microblocks for inventory gaps.
type BlockDownloader interface {
	DriveOnce(sortdb chain.SortitionReader, blocks chain.BlockStore, dns *dnsclient.Client) (*DownloadResult, error)

	// Hint wakes the downloader after inventory sync learned of new data.
	Hint()
}

// AttachmentRequest asks for one off-chain attachment by content hash.
type AttachmentRequest struct {
	ContentHash [32]byte
}

// Attachment is one downloaded off-chain attachment.
type Attachment struct {
	ContentHash [32]byte
	Data        []byte
}

// AttachmentsDownloader fetches off-chain attachment data. The engine hands
// it the cycle's requests and collects whatever completed.
type AttachmentsDownloader interface {
	DriveOnce(dns *dnsclient.Client, requests []AttachmentRequest) ([]Attachment, error)
}
