package p2p

import "time"

// Options carries every tunable of the network engine. Zero values are
// normalized to production defaults by New.
type Options struct {
	// MaxInboundConnections caps authenticated-plus-pending inbound
	// sessions. Outbound sessions are exempt.
	MaxInboundConnections int

	// SoftMaxConnections is the target the pruner shrinks back to when
	// capacity pressure is flagged.
	SoftMaxConnections int

	// HandleBufferSize bounds the cross-thread command channel.
	HandleBufferSize int

	// PublicAddr/PublicPort, when set, pin the node's public endpoint and
	// disable NAT-punch discovery.
	PublicAddr string
	PublicPort uint16

	ConnectTimeout         time.Duration
	HandshakeTimeout       time.Duration
	NeighborRequestTimeout time.Duration
	HeartbeatInterval      time.Duration

	// Per-session buffering caps for unsolicited messages referencing
	// chain state we do not have yet. Announcements are small and
	// frequent; full data payloads are large, so their caps are tighter.
	MaxBufferedBlocksAvailable      int
	MaxBufferedMicroblocksAvailable int
	MaxBufferedBlocksData           int
	MaxBufferedMicroblocksData      int

	MinBanDuration time.Duration
	MaxBanDuration time.Duration

	BroadcastOutboundSample int
	BroadcastInboundSample  int

	// MaxRelayerStats bounds the per-peer relay accounting tables.
	MaxRelayerStats int

	// MaxPendingOutbox bounds the per-session queue of sealed-but-unsent
	// messages. RelaySaturationThreshold is the total queued-message count
	// past which anti-entropy stands down for the cycle.
	MaxPendingOutbox         int
	RelaySaturationThreshold int

	PublicIPRequestTimeout time.Duration
	PublicIPRetryInterval  time.Duration
	PublicIPMaxRetries     int

	// InvSyncInterval throttles per-neighbor inventory rescans.
	// InvRewardCycles is how many recent reward cycles each scan covers.
	InvSyncInterval time.Duration
	InvRewardCycles uint64

	AntiEntropyMaxPushBlocks      int
	AntiEntropyMaxPushMicroblocks int
	AntiEntropyPushedTTL          time.Duration

	// KeyLifetimeBlocks is how long, in burn blocks, a fresh session key
	// lives before rekeying.
	KeyLifetimeBlocks uint64

	// FaultDisconnectInterval, when positive, drops one random session per
	// interval. Fault injection for soak tests; never set in production.
	FaultDisconnectInterval time.Duration
}

func (o *Options) normalize() {
	if o.MaxInboundConnections <= 0 {
		o.MaxInboundConnections = 128
	}
	if o.SoftMaxConnections <= 0 {
		o.SoftMaxConnections = 64
	}
	if o.HandleBufferSize <= 0 {
		o.HandleBufferSize = 1024
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.NeighborRequestTimeout <= 0 {
		o.NeighborRequestTimeout = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Minute
	}
	if o.MaxBufferedBlocksAvailable <= 0 {
		o.MaxBufferedBlocksAvailable = 500
	}
	if o.MaxBufferedMicroblocksAvailable <= 0 {
		o.MaxBufferedMicroblocksAvailable = 500
	}
	if o.MaxBufferedBlocksData <= 0 {
		o.MaxBufferedBlocksData = 20
	}
	if o.MaxBufferedMicroblocksData <= 0 {
		o.MaxBufferedMicroblocksData = 20
	}
	if o.MinBanDuration <= 0 {
		o.MinBanDuration = 2 * time.Minute
	}
	if o.MaxBanDuration <= 0 {
		o.MaxBanDuration = 24 * time.Hour
	}
	if o.BroadcastOutboundSample <= 0 {
		o.BroadcastOutboundSample = 8
	}
	if o.BroadcastInboundSample <= 0 {
		o.BroadcastInboundSample = 16
	}
	if o.MaxRelayerStats <= 0 {
		o.MaxRelayerStats = 4096
	}
	if o.MaxPendingOutbox <= 0 {
		o.MaxPendingOutbox = 64
	}
	if o.RelaySaturationThreshold <= 0 {
		o.RelaySaturationThreshold = 256
	}
	if o.PublicIPRequestTimeout <= 0 {
		o.PublicIPRequestTimeout = 30 * time.Second
	}
	if o.PublicIPRetryInterval <= 0 {
		o.PublicIPRetryInterval = 5 * time.Minute
	}
	if o.PublicIPMaxRetries <= 0 {
		o.PublicIPMaxRetries = 3
	}
	if o.InvSyncInterval <= 0 {
		o.InvSyncInterval = 45 * time.Second
	}
	if o.InvRewardCycles == 0 {
		o.InvRewardCycles = 6
	}
	if o.AntiEntropyMaxPushBlocks <= 0 {
		o.AntiEntropyMaxPushBlocks = 32
	}
	if o.AntiEntropyMaxPushMicroblocks <= 0 {
		o.AntiEntropyMaxPushMicroblocks = 32
	}
	if o.AntiEntropyPushedTTL <= 0 {
		o.AntiEntropyPushedTTL = time.Hour
	}
	if o.KeyLifetimeBlocks == 0 {
		o.KeyLifetimeBlocks = 4320
	}
}
