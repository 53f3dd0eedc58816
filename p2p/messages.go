package p2p

import (
	"orechain/chain"
)

// MessageKind discriminates protocol payloads. Wire encoding belongs to the
// Conversation collaborator; the engine only classifies and routes.
type MessageKind int

const (
	KindHandshake MessageKind = iota
	KindHandshakeAccept
	KindHandshakeReject
	KindPing
	KindPong
	KindGetBlocksInv
	KindBlocksInv
	KindBlocksAvailable
	KindMicroblocksAvailable
	KindBlocksData
	KindMicroblocksData
	KindTransaction
	KindNatPunchRequest
	KindNatPunchReply
	KindNack
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindHandshakeAccept:
		return "HandshakeAccept"
	case KindHandshakeReject:
		return "HandshakeReject"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindGetBlocksInv:
		return "GetBlocksInv"
	case KindBlocksInv:
		return "BlocksInv"
	case KindBlocksAvailable:
		return "BlocksAvailable"
	case KindMicroblocksAvailable:
		return "MicroblocksAvailable"
	case KindBlocksData:
		return "BlocksData"
	case KindMicroblocksData:
		return "MicroblocksData"
	case KindTransaction:
		return "Transaction"
	case KindNatPunchRequest:
		return "NatPunchRequest"
	case KindNatPunchReply:
		return "NatPunchReply"
	case KindNack:
		return "Nack"
	default:
		return "Unknown"
	}
}

// RelayHint records one hop a message already took, so broadcast never sends
// a payload back to a peer that provably forwarded it to us.
type RelayHint struct {
	Identity      PeerIdentity
	PublicKeyHash [20]byte
	SeqNum        uint64
}

// Preamble carries the sender's view of the burnchain at send time.
type Preamble struct {
	NetworkID               uint32
	SeqNum                  uint64
	BurnBlockHeight         uint64
	BurnConsensusHash       chain.ConsensusHash
	StableBurnBlockHeight   uint64
	StableBurnConsensusHash chain.ConsensusHash
}

// BlockPointer names one anchored block by the sortition that elected it.
type BlockPointer struct {
	ConsensusHash chain.ConsensusHash
	BlockHash     chain.BlockHash
}

// BlocksAvailableData announces that the sender holds blocks (or microblock
// streams) for the named sortitions.
type BlocksAvailableData struct {
	Available []BlockPointer
}

// BlockEntry is one pushed anchored block together with the consensus hash
// of its sortition.
type BlockEntry struct {
	ConsensusHash chain.ConsensusHash
	Block         chain.Block
}

// BlocksPayload is the body of a BlocksData push.
type BlocksPayload struct {
	Blocks []BlockEntry
}

// MicroblocksPayload is the body of a MicroblocksData push: a stream
// anchored to one index block hash.
type MicroblocksPayload struct {
	IndexAnchorBlock chain.BlockID
	Microblocks      []chain.Microblock
}

// GetBlocksInvPayload asks for the sender's inventory over one reward
// cycle's span of sortitions.
type GetBlocksInvPayload struct {
	ConsensusHash chain.ConsensusHash
	NumBlocks     uint16
}

// BlocksInvPayload answers GetBlocksInv with block and microblock bitmaps.
type BlocksInvPayload struct {
	BitLen           uint16
	BlockBitmap      []byte
	MicroblockBitmap []byte
}

// HandshakeData names the hex-encoded public key the sender signs with from
// here on. Re-handshakes after a key rotation are signed with the old key
// (still pinned by the receiver) and carry the replacement here; a handshake
// without it pins the envelope key.
type HandshakeData struct {
	PublicKey string
}

// NatPunchPayload echoes the address the receiver observed for the
// requester.
type NatPunchPayload struct {
	Addr  string
	Port  uint16
	Nonce uint32
}

// PingPayload carries a nonce echoed back by Pong.
type PingPayload struct {
	Nonce uint32
}

// Message is one decoded protocol message. Exactly one payload pointer is
// non-nil, matching Kind.
type Message struct {
	Kind       MessageKind
	Preamble   Preamble
	RelayHints []RelayHint

	Handshake            *HandshakeData
	BlocksAvailable      *BlocksAvailableData
	MicroblocksAvailable *BlocksAvailableData
	BlocksData           *BlocksPayload
	MicroblocksData      *MicroblocksPayload
	GetBlocksInv         *GetBlocksInvPayload
	BlocksInv            *BlocksInvPayload
	NatPunch             *NatPunchPayload
	Ping                 *PingPayload
	Transaction          *chain.Transaction
}

// SignedMessage is a message sealed for one recipient session by the
// Conversation collaborator. The engine treats it as opaque apart from its
// size.
type SignedMessage struct {
	Kind MessageKind
	Data []byte
}

func (m *SignedMessage) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Data)
}
